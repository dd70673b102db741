package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/sagapay/internal/credits"
	"github.com/mbd888/sagapay/internal/provider"
)

var ErrNoHandler = errors.New("saga: no compensation handler for action")

// CompensationHandler reverses one forward step. Handlers must be
// idempotent: reversing an already-reversed payment is a no-op, since
// a sweep or operator retry may re-invoke compensation.
type CompensationHandler func(ctx context.Context, params map[string]string, sg *Saga) error

// Executor dispatches compensation actions against a static handler
// registry. No business logic beyond dispatch lives here.
type Executor struct {
	handlers map[string]CompensationHandler
	logger   *slog.Logger
}

// NewExecutor creates an empty executor. Most callers want
// DefaultExecutor, which registers the standard payment handlers.
func NewExecutor() *Executor {
	return &Executor{
		handlers: make(map[string]CompensationHandler),
		logger:   slog.Default(),
	}
}

// WithLogger overrides the default logger.
func (e *Executor) WithLogger(l *slog.Logger) *Executor {
	e.logger = l.With("component", "compensation")
	return e
}

// Register installs a handler for an action name.
func (e *Executor) Register(action string, h CompensationHandler) *Executor {
	e.handlers[action] = h
	return e
}

// Execute resolves and invokes the handler for an action.
func (e *Executor) Execute(ctx context.Context, action string, params map[string]string, sg *Saga) error {
	h, ok := e.handlers[action]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, action)
	}
	if err := h(ctx, params, sg); err != nil {
		return fmt.Errorf("compensation %s: %w", action, err)
	}
	return nil
}

// DefaultExecutor registers the standard reversing actions against the
// credit ledger and payment provider collaborators.
func DefaultExecutor(ledger *credits.Ledger, providers *provider.Router) *Executor {
	e := NewExecutor()

	// deduct_credits reverses the allocate-credits step. If the forward
	// allocation never landed on the ledger there is nothing to undo.
	e.Register(ActionDeductCredits, func(ctx context.Context, params map[string]string, sg *Saga) error {
		ref := sg.ID + ":" + params["stepId"]
		applied, err := ledger.Applied(ctx, ref)
		if err != nil {
			return err
		}
		if !applied {
			return nil
		}
		_, err = ledger.Deduct(ctx, sg.UserID, sg.CreditAmount, ref+":reversal")
		return err
	})

	// cancel_payment reverses a confirmed (captured) payment by
	// refunding it. An unconfirmed payment has nothing captured, so the
	// intent-level void below owns the reversal.
	e.Register(ActionCancelPayment, func(ctx context.Context, params map[string]string, sg *Saga) error {
		confirm := sg.StepByName(StepConfirmPayment)
		if sg.PaymentID == "" || confirm == nil || confirm.Status != StepCompleted {
			return nil
		}
		client, err := providers.For(sg.Method)
		if err != nil {
			return err
		}
		return client.Refund(ctx, sg.PaymentID, sg.Amount)
	})

	// void_payment_intent cancels an initiated-but-uncaptured intent.
	// Once the payment is captured the refund path owns the reversal.
	e.Register(ActionVoidPaymentIntent, func(ctx context.Context, params map[string]string, sg *Saga) error {
		if sg.PaymentID == "" {
			return nil
		}
		if confirm := sg.StepByName(StepConfirmPayment); confirm != nil &&
			(confirm.Status == StepCompleted || confirm.Compensated) {
			return nil
		}
		client, err := providers.For(sg.Method)
		if err != nil {
			return err
		}
		return client.Void(ctx, sg.PaymentID)
	})

	return e
}

// CompensationResult aggregates one compensation pass over a saga.
type CompensationResult struct {
	SagaID              string   `json:"sagaId"`
	CompensatedSteps    int      `json:"compensatedSteps"`
	FailedCompensations int      `json:"failedCompensations"`
	SkippedSteps        int      `json:"skippedSteps"`
	Errors              []string `json:"errors,omitempty"`
	FinalStatus         Status   `json:"finalStatus"`
}
