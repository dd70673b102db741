package risk

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the risk-assessment audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a new risk handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/:userId/assessments", h.ListAssessments)
}

// ListAssessments handles GET /v1/risk/:userId/assessments?limit=20
func (h *Handler) ListAssessments(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	assessments, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "assessments_failed",
			"message": "Failed to load assessments",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessments": assessments})
}
