package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Ingestor validates raw provider payloads and converts them to
// canonical events. Stateless apart from the dedup cache.
type Ingestor struct {
	verifiers map[string]Verifier
	dedup     *DedupCache
	store     EventStore
	sink      Sink
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestor creates an ingestor feeding the given sink.
func NewIngestor(dedup *DedupCache, sink Sink) *Ingestor {
	return &Ingestor{
		verifiers: make(map[string]Verifier),
		dedup:     dedup,
		sink:      sink,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// WithLogger overrides the default logger.
func (i *Ingestor) WithLogger(l *slog.Logger) *Ingestor {
	i.logger = l.With("component", "webhook")
	return i
}

// WithStore enables durable event recording. The store's uniqueness
// constraint also catches redeliveries the in-memory cache forgot,
// such as after a restart.
func (i *Ingestor) WithStore(store EventStore) *Ingestor {
	i.store = store
	return i
}

// RegisterVerifier installs the signature verifier for a provider.
func (i *Ingestor) RegisterVerifier(provider string, v Verifier) *Ingestor {
	i.verifiers[provider] = v
	return i
}

// Validate authenticates and structurally checks a raw payload,
// returning the normalized fields needed for ingestion.
func (i *Ingestor) Validate(ctx context.Context, provider string, payload []byte, headers http.Header) (*Validated, error) {
	verifier, ok := i.verifiers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err := verifier.Verify(ctx, payload, headers); err != nil {
		return nil, err
	}

	var v *Validated
	var err error
	switch provider {
	case "stripe":
		v, err = parseStripe(payload)
	case "paypal":
		v, err = parsePayPal(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if err != nil {
		return nil, err
	}
	v.Provider = provider
	v.RetryAttempt = retryAttempt(provider, headers)
	return v, nil
}

// Ingest deduplicates a validated payload and produces the canonical
// event. Returns ErrDuplicate for redeliveries.
func (i *Ingestor) Ingest(ctx context.Context, v *Validated) (*Event, error) {
	if i.dedup.Observe(v.Provider, v.EventID, v.Timestamp) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDuplicate, v.Provider, v.EventID)
	}
	event := &Event{
		ID:           v.EventID,
		Type:         v.EventType,
		Provider:     v.Provider,
		PaymentID:    v.PaymentID,
		RawPayload:   v.Raw,
		ReceivedAt:   i.now(),
		RetryAttempt: v.RetryAttempt,
	}
	if i.store != nil {
		switch err := i.store.Record(ctx, event); {
		case errors.Is(err, ErrDuplicate):
			return nil, err
		case err != nil:
			// Best effort: the event is authenticated and deduped in
			// memory, losing the audit row must not drop the payment.
			i.logger.Warn("failed to record webhook event",
				"provider", event.Provider, "eventId", event.ID, "error", err)
		}
	}
	return event, nil
}

// Dispatch hands an event to the sink. Called after the provider has
// been acked; errors are logged, never propagated back to the provider.
func (i *Ingestor) Dispatch(ctx context.Context, event *Event) {
	if i.sink == nil {
		return
	}
	if err := i.sink.HandleEvent(ctx, event); err != nil {
		i.logger.Error("webhook event processing failed",
			"provider", event.Provider, "eventId", event.ID,
			"type", event.Type, "paymentId", event.PaymentID, "error", err)
	}
}

// retryAttempt reads the provider's delivery-attempt header. Zero means
// first delivery or an unannotated redelivery.
func retryAttempt(provider string, headers http.Header) int {
	var h string
	switch provider {
	case "stripe":
		h = headers.Get("Stripe-Delivery-Attempt")
	case "paypal":
		h = headers.Get("Paypal-Delivery-Attempt")
	}
	if h == "" {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type stripeEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

var stripeTypes = map[string]Type{
	"payment_intent.succeeded":      TypePaymentSucceeded,
	"payment_intent.payment_failed": TypePaymentFailed,
	"payment_intent.canceled":       TypePaymentFailed,
	"charge.refunded":               TypePaymentRefunded,
	"charge.dispute.created":        TypePaymentDisputed,
}

func parseStripe(payload []byte) (*Validated, error) {
	var env stripeEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}
	if env.ID == "" || env.Type == "" || env.Created == 0 || env.Data.Object.ID == "" {
		return nil, fmt.Errorf("%w: id, type, created, data.object", ErrMissingField)
	}
	eventType, ok := stripeTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledType, env.Type)
	}

	// Charge events reference the parent intent; intent events are the
	// object itself.
	paymentID := env.Data.Object.PaymentIntent
	if paymentID == "" {
		paymentID = env.Data.Object.ID
	}
	return &Validated{
		EventID:   env.ID,
		EventType: eventType,
		PaymentID: paymentID,
		Timestamp: time.Unix(env.Created, 0),
		Raw:       json.RawMessage(payload),
	}, nil
}

type paypalEnvelope struct {
	ID         string `json:"id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Resource   struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

var paypalTypes = map[string]Type{
	"CHECKOUT.ORDER.APPROVED":   TypePaymentConfirmed,
	"PAYMENT.CAPTURE.COMPLETED": TypePaymentSucceeded,
	"PAYMENT.CAPTURE.DENIED":    TypePaymentFailed,
	"PAYMENT.CAPTURE.REFUNDED":  TypePaymentRefunded,
	"CUSTOMER.DISPUTE.CREATED":  TypePaymentDisputed,
}

func parsePayPal(payload []byte) (*Validated, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingField, err)
	}
	if env.ID == "" || env.EventType == "" || env.CreateTime == "" || env.Resource.ID == "" {
		return nil, fmt.Errorf("%w: id, event_type, create_time, resource", ErrMissingField)
	}
	eventType, ok := paypalTypes[env.EventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnhandledType, env.EventType)
	}
	ts, err := time.Parse(time.RFC3339, env.CreateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: bad create_time %q", ErrMissingField, env.CreateTime)
	}

	// Capture events carry the checkout order id under supplementary
	// data; order events are the order itself.
	paymentID := env.Resource.SupplementaryData.RelatedIDs.OrderID
	if paymentID == "" {
		paymentID = env.Resource.ID
	}
	return &Validated{
		EventID:   env.ID,
		EventType: eventType,
		PaymentID: paymentID,
		Timestamp: ts,
		Raw:       json.RawMessage(payload),
	}, nil
}
