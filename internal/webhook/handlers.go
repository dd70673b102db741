package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/metrics"
)

// maxPayloadSize bounds webhook bodies; provider payloads are small.
const maxPayloadSize = 256 << 10 // 256KB

// dispatchTimeout bounds downstream saga work per event after the ack.
const dispatchTimeout = 30 * time.Second

// Handler receives provider callbacks over HTTP.
type Handler struct {
	ingestor *Ingestor
}

// NewHandler creates an HTTP handler over the ingestor.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{ingestor: ingestor}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:provider", h.Receive)
}

// Receive handles POST /webhooks/:provider. The provider always gets a
// fast ack or reject; saga processing continues after the response so
// provider retry timeouts never depend on downstream work.
func (h *Handler) Receive(c *gin.Context) {
	provider := c.Param("provider")

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadSize))
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(provider, "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Failed to read request body",
		})
		return
	}

	validated, err := h.ingestor.Validate(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		h.reject(c, provider, err)
		return
	}

	event, err := h.ingestor.Ingest(c.Request.Context(), validated)
	if err != nil {
		// Redelivery of something already processed: ack so the
		// provider stops retrying.
		metrics.WebhooksTotal.WithLabelValues(provider, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "duplicate", "eventId": validated.EventID})
		return
	}

	metrics.WebhooksTotal.WithLabelValues(provider, "accepted").Inc()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		h.ingestor.Dispatch(ctx, event)
	}()

	c.JSON(http.StatusOK, gin.H{"status": "accepted", "eventId": event.ID})
}

func (h *Handler) reject(c *gin.Context, provider string, err error) {
	switch {
	case errors.Is(err, ErrUnknownProvider):
		metrics.WebhooksTotal.WithLabelValues(provider, "unknown_provider").Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No webhook endpoint for this provider",
		})
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrReplayTooOld), errors.Is(err, ErrMalformedHeader):
		// Security event: a failed signature never mutates saga state.
		h.ingestor.logger.Warn("webhook signature rejected",
			"provider", provider, "remoteAddr", c.ClientIP(), "error", err)
		metrics.WebhooksTotal.WithLabelValues(provider, "invalid_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Signature verification failed",
		})
	case errors.Is(err, ErrUnhandledType):
		// Ack event types we don't subscribe to; the provider should
		// not retry them.
		metrics.WebhooksTotal.WithLabelValues(provider, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		metrics.WebhooksTotal.WithLabelValues(provider, "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": err.Error(),
		})
	}
}
