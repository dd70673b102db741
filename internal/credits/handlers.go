package credits

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/pagination"
)

// maxHistoryScan bounds how far back cursor pagination will walk.
const maxHistoryScan = 1000

// Handler provides read-only credit endpoints.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new credits handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up credit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/credits/:userId/balance", h.GetBalance)
	r.GET("/credits/:userId/history", h.GetHistory)
}

// GetBalance handles GET /v1/credits/:userId/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_failed",
			"message": "Failed to load balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

// GetHistory handles GET /v1/credits/:userId/history?limit=50&cursor=...
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 200",
			})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	// Fetch one extra row to decide has_more. With a cursor the scan
	// restarts from the head, so widen the fetch to cover the skipped
	// prefix.
	fetch := limit + 1
	if cursor != nil {
		fetch = maxHistoryScan
	}
	txns, err := h.ledger.History(c.Request.Context(), c.Param("userId"), fetch)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to load transaction history",
		})
		return
	}
	if cursor != nil {
		txns = afterCursor(txns, cursor)
	}

	page, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// afterCursor drops transactions at or before the cursor position.
// History is newest-first, so "after" means strictly older.
func afterCursor(txns []*Transaction, cur *pagination.Cursor) []*Transaction {
	for i, t := range txns {
		if t.CreatedAt.Before(cur.CreatedAt) || (t.CreatedAt.Equal(cur.CreatedAt) && t.ID != cur.ID) {
			return txns[i:]
		}
	}
	return nil
}
