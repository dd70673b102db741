package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/reconciliation"
)

// SagaService abstracts saga operations for admin handlers.
type SagaService interface {
	ListStuckSagas(ctx context.Context, limit int) ([]StuckSaga, error)
}

// Recoverer runs an on-demand recovery sweep over stuck and expired sagas.
type Recoverer interface {
	RecoverStuckSagas(ctx context.Context) (recovered, forceCompensated int, err error)
}

// Reconciler cross-checks saga outcomes against the credit ledger.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	sagas      SagaService
	recoverer  Recoverer
	reconciler Reconciler
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithSagaService sets the saga service for stuck-saga listing.
func (h *Handler) WithSagaService(svc SagaService) *Handler {
	h.sagas = svc
	return h
}

// WithRecoverer sets the recovery runner for on-demand sweeps.
func (h *Handler) WithRecoverer(r Recoverer) *Handler {
	h.recoverer = r
	return h
}

// WithReconciler sets the reconciliation runner for on-demand checks.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/sagas/stuck", h.listStuck)
	r.POST("/admin/sagas/recover", h.triggerRecovery)
	r.POST("/admin/reconcile", h.triggerReconciliation)
}

// listStuck returns sagas in failed status awaiting operator action.
func (h *Handler) listStuck(c *gin.Context) {
	if h.sagas == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "saga service not configured"})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	stuck, err := h.sagas.ListStuckSagas(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck sagas", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sagas": stuck, "count": len(stuck)})
}

// triggerRecovery runs an on-demand recovery sweep. Sagas with remaining
// retry budget go back in flight; expired ones are force-compensated.
func (h *Handler) triggerRecovery(c *gin.Context) {
	if h.recoverer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recovery not configured"})
		return
	}

	start := time.Now()
	recovered, forceCompensated, err := h.recoverer.RecoverStuckSagas(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recovery sweep failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": RecoveryReport{
		Recovered:        recovered,
		ForceCompensated: forceCompensated,
		Duration:         time.Since(start) / time.Millisecond,
		Timestamp:        time.Now().UTC(),
	}})
}

// triggerReconciliation runs an on-demand saga-to-ledger reconciliation.
func (h *Handler) triggerReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation not configured"})
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}
