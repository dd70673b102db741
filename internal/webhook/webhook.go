// Package webhook ingests asynchronous provider callbacks.
//
// Provider payloads arrive signed and in provider-specific shapes. The
// ingestor verifies the signature, checks structure, normalizes the
// payload into a canonical Event, deduplicates redeliveries, and hands
// the event to a Sink. Callers always get a fast ack or reject; saga
// processing happens after the ack so provider retry timeouts are never
// at the mercy of downstream work.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrUnknownProvider  = errors.New("webhook: unknown provider")
	ErrMalformedHeader  = errors.New("webhook: malformed signature header")
	ErrInvalidSignature = errors.New("webhook: signature mismatch")
	ErrReplayTooOld     = errors.New("webhook: timestamp outside replay window")
	ErrMissingField     = errors.New("webhook: payload missing required field")
	ErrUnhandledType    = errors.New("webhook: unhandled event type")
	ErrDuplicate        = errors.New("webhook: duplicate event")
)

// Type is the canonical event type all downstream logic operates on.
type Type string

const (
	TypePaymentSucceeded Type = "payment_succeeded"
	TypePaymentFailed    Type = "payment_failed"
	TypePaymentRefunded  Type = "payment_refunded"
	TypePaymentDisputed  Type = "payment_disputed"
	TypePaymentConfirmed Type = "payment_confirmed"
)

// Event is a provider callback after normalization. Consumed exactly
// once; the dedup cache discards redeliveries.
type Event struct {
	ID           string          `json:"id"` // provider-assigned event id
	Type         Type            `json:"type"`
	Provider     string          `json:"provider"`
	PaymentID    string          `json:"paymentId"`
	RawPayload   json.RawMessage `json:"rawPayload"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	RetryAttempt int             `json:"retryAttempt"`
}

// Validated is the outcome of signature and structural validation,
// ready for Ingest.
type Validated struct {
	Provider     string
	EventID      string
	EventType    Type
	PaymentID    string
	Timestamp    time.Time
	RetryAttempt int
	Raw          json.RawMessage
}

// Sink consumes canonical events. The payments service implements this
// to translate provider callbacks into saga step signals.
type Sink interface {
	HandleEvent(ctx context.Context, event *Event) error
}
