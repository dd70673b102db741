// Package saga implements the payment saga state machine.
//
// A saga coordinates one payment through a fixed forward plan
// (validate → initiate → confirm → allocate credits) with a mirrored
// compensation plan built at creation time. Forward steps execute
// strictly in order; on exhausted retries the compensation plan is
// walked in reverse so the last completed step is the first undone.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sagapay/internal/payment"
)

var (
	ErrNotFound        = errors.New("saga: not found")
	ErrVersionConflict = errors.New("saga: concurrent update conflict")
	ErrStepNotFound    = errors.New("saga: step not found")
	ErrStepOrder       = errors.New("saga: prior step not completed")
	ErrInvalidStatus   = errors.New("saga: operation not allowed in current status")
)

// Status is the saga lifecycle state.
type Status string

const (
	StatusStarted      Status = "started"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
)

// Terminal reports whether no further forward or compensation work is
// expected. FAILED is deliberately not terminal: the sweep or an
// operator may still act on it.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompensated
}

// StepStatus is the state of a single forward step.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepExecuting   StepStatus = "executing"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// Forward step names, in execution order.
const (
	StepValidateRequest = "validate_request"
	StepInitiatePayment = "initiate_payment"
	StepConfirmPayment  = "confirm_payment"
	StepAllocateCredits = "allocate_credits"
)

// Compensation actions, resolved against the handler registry.
const (
	ActionVoidPaymentIntent = "void_payment_intent"
	ActionCancelPayment     = "cancel_payment"
	ActionDeductCredits     = "deduct_credits"
)

// Step is a single forward step. Steps are owned exclusively by their
// saga and have no identity outside it.
type Step struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Status      StepStatus        `json:"status"`
	Input       map[string]string `json:"input,omitempty"`
	Output      map[string]string `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retryCount"`
	MaxRetries  int               `json:"maxRetries"`
	ExecutedAt  *time.Time        `json:"executedAt,omitempty"`
	Compensated bool              `json:"compensated"`
}

// CompensationStep is one reversing action, bound to its forward step
// by StepID. The plan is stored in forward order and walked in reverse.
type CompensationStep struct {
	StepID     string            `json:"stepId"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Executed   bool              `json:"executed"`
	ExecutedAt *time.Time        `json:"executedAt,omitempty"`
}

// Saga is the aggregate root for one payment workflow.
type Saga struct {
	ID               string             `json:"id"`
	PaymentID        string             `json:"paymentId,omitempty"` // set once initiate completes
	UserID           string             `json:"userId"`
	CorrelationID    string             `json:"correlationId,omitempty"`
	IdempotencyKey   string             `json:"idempotencyKey"`
	Amount           string             `json:"amount"`
	Currency         string             `json:"currency"`
	CreditAmount     string             `json:"creditAmount"`
	Method           payment.Method     `json:"paymentMethod"`
	Status           Status             `json:"status"`
	Steps            []Step             `json:"steps"`
	CompensationPlan []CompensationStep `json:"compensationPlan"`
	Reason           string             `json:"reason,omitempty"`
	Version          int64              `json:"version"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	ExpiresAt        time.Time          `json:"expiresAt"`
}

// StepByID returns a pointer into Steps, or nil.
func (s *Saga) StepByID(stepID string) *Step {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return &s.Steps[i]
		}
	}
	return nil
}

// StepByName returns a pointer into Steps, or nil.
func (s *Saga) StepByName(name string) *Step {
	for i := range s.Steps {
		if s.Steps[i].Name == name {
			return &s.Steps[i]
		}
	}
	return nil
}

// stepIndex returns the position of a step id, or -1.
func (s *Saga) stepIndex(stepID string) int {
	for i := range s.Steps {
		if s.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// Expired reports whether the saga is past its TTL and not terminal.
func (s *Saga) Expired(now time.Time) bool {
	return !s.Status.Terminal() && now.After(s.ExpiresAt)
}

// Store persists sagas. Update is compare-and-swap on Version: it must
// fail with ErrVersionConflict if the stored version differs from the
// one the caller read, and bump the version on success.
type Store interface {
	Create(ctx context.Context, saga *Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*Saga, error)
	Update(ctx context.Context, saga *Saga) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Saga, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error)
}
