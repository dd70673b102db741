package saga

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for saga inspection and operator
// remediation.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates a saga HTTP handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// RegisterRoutes sets up saga routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sagas/:sagaId", h.GetSaga)
	r.GET("/sagas", h.ListSagas)
	r.POST("/sagas/:sagaId/compensate", h.CompensateSaga)
}

// GetSaga handles GET /sagas/:sagaId
func (h *Handler) GetSaga(c *gin.Context) {
	sg, err := h.orchestrator.Get(c.Request.Context(), c.Param("sagaId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Saga not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load saga",
		})
		return
	}
	c.JSON(http.StatusOK, sg)
}

// ListSagas handles GET /sagas?status=failed&limit=50
func (h *Handler) ListSagas(c *gin.Context) {
	status := Status(c.DefaultQuery("status", string(StatusFailed)))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	sagas, err := h.orchestrator.store.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list sagas",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sagas": sagas, "count": len(sagas)})
}

// CompensateRequest is the operator re-compensation request body.
type CompensateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CompensateSaga handles POST /sagas/:sagaId/compensate. Compensation
// is never auto-retried after a partial failure, so operators re-invoke
// it here once the underlying provider issue is resolved.
func (h *Handler) CompensateSaga(c *gin.Context) {
	var req CompensateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	result, err := h.orchestrator.Compensate(c.Request.Context(), c.Param("sagaId"), "operator: "+req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Saga not found",
			})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "compensation_failed",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, result)
}
