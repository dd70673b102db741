package payments

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/payment"
)

// Handler provides the payment submission endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.ProcessPayment)
}

// ProcessPayment handles POST /v1/payments
func (h *Handler) ProcessPayment(c *gin.Context) {
	var req payment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.ProcessPayment(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payment_failed",
			"message": "Failed to process payment",
		})
		return
	}

	switch result.Status {
	case StatusDeclined, StatusVerificationRequired:
		c.JSON(http.StatusUnprocessableEntity, result)
	case StatusFailed:
		c.JSON(http.StatusBadGateway, result)
	default:
		c.JSON(http.StatusAccepted, result)
	}
}
