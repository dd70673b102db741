// Package payments is the entry-point facade: it admits a payment
// request through the risk validator, opens a saga, drives the initiate
// step against the provider, and finishes the saga from provider
// webhooks.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sagapay/internal/credits"
	"github.com/mbd888/sagapay/internal/idgen"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/provider"
	"github.com/mbd888/sagapay/internal/retry"
	"github.com/mbd888/sagapay/internal/risk"
	"github.com/mbd888/sagapay/internal/saga"
	"github.com/mbd888/sagapay/internal/traces"
	"github.com/mbd888/sagapay/internal/webhook"
)

const (
	// Result statuses returned to API callers.
	StatusDeclined             = "declined"
	StatusVerificationRequired = "verification_required"
	StatusPendingConfirmation  = "pending_confirmation"
	StatusFailed               = "failed"

	defaultStepTimeout = 30 * time.Second
	defaultRetryDelay  = 500 * time.Millisecond
)

// Service processes payments end to end.
type Service struct {
	validator    *risk.Validator
	orchestrator *saga.Orchestrator
	providers    *provider.Router
	ledger       *credits.Ledger
	logger       *slog.Logger
	stepTimeout  time.Duration
	retryDelay   time.Duration
}

// NewService creates a payment service.
func NewService(validator *risk.Validator, orchestrator *saga.Orchestrator, providers *provider.Router, ledger *credits.Ledger) *Service {
	return &Service{
		validator:    validator,
		orchestrator: orchestrator,
		providers:    providers,
		ledger:       ledger,
		logger:       slog.Default().With("component", "payments"),
		stepTimeout:  defaultStepTimeout,
		retryDelay:   defaultRetryDelay,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l.With("component", "payments")
	return s
}

// WithStepTimeout sets the per-attempt timeout for provider calls.
func (s *Service) WithStepTimeout(d time.Duration) *Service {
	s.stepTimeout = d
	return s
}

// WithRetryDelay sets the base backoff between provider attempts.
func (s *Service) WithRetryDelay(d time.Duration) *Service {
	s.retryDelay = d
	return s
}

// ProcessPayment validates the request, opens a saga, and drives the
// initiate step. The returned Result is PENDING_CONFIRMATION on
// success: confirmation arrives asynchronously via webhook.
func (s *Service) ProcessPayment(ctx context.Context, req *payment.Request) (*payment.Result, error) {
	if req.ID == "" {
		req.ID = idgen.WithPrefix("req_")
	}

	verdict := s.validator.Validate(ctx, req)
	if !verdict.Valid || verdict.RecommendedAction == risk.ActionDecline {
		s.logger.Info("payment declined",
			"requestId", req.ID, "userId", req.UserID,
			"action", verdict.RecommendedAction, "errors", len(verdict.Errors))
		return declinedResult(verdict), nil
	}
	if verdict.RecommendedAction == risk.ActionRequireVerification {
		return &payment.Result{
			Status:    StatusVerificationRequired,
			NextSteps: []string{"complete identity verification, then resubmit"},
		}, nil
	}

	sg, err := s.orchestrator.CreateSaga(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create saga: %w", err)
	}

	result, err := s.runInitiate(ctx, sg, req)
	if err != nil {
		return nil, err
	}
	if verdict.RecommendedAction == risk.ActionReview {
		result.NextSteps = append(result.NextSteps, "transaction flagged for manual review")
	}
	return result, nil
}

// runInitiate drives the initiate_payment step with backoff. Transient
// provider failures consume the step's retry budget; permanent failures
// unwind the saga immediately.
func (s *Service) runInitiate(ctx context.Context, sg *saga.Saga, req *payment.Request) (*payment.Result, error) {
	client, err := s.providers.For(req.Method)
	if err != nil {
		if _, cerr := s.orchestrator.Compensate(ctx, sg.ID, err.Error()); cerr != nil {
			s.logger.Error("failed to unwind saga", "sagaId", sg.ID, "error", cerr)
		}
		return &payment.Result{Status: StatusFailed, SagaID: sg.ID, Errors: []string{err.Error()}}, nil
	}

	initiate := sg.StepByName(saga.StepInitiatePayment)
	var res *provider.InitiateResult

	attemptErr := retry.Do(ctx, initiate.MaxRetries, s.retryDelay, func() error {
		if _, err := s.orchestrator.BeginStep(ctx, sg.ID, initiate.ID); err != nil {
			return retry.Permanent(err)
		}

		stepCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		r, err := client.Initiate(stepCtx, req)
		cancel()
		if err != nil {
			if _, aerr := s.orchestrator.AdvanceStep(ctx, sg.ID, initiate.ID, saga.StepOutcome{
				Success: false,
				Error:   err.Error(),
			}); aerr != nil {
				return retry.Permanent(aerr)
			}
			if !provider.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}

		res = r
		if _, aerr := s.orchestrator.AdvanceStep(ctx, sg.ID, initiate.ID, saga.StepOutcome{
			Success: true,
			Output: map[string]string{
				"paymentId":      r.PaymentID,
				"clientToken":    r.ClientToken,
				"providerStatus": r.Status,
			},
		}); aerr != nil {
			// Never re-initiate a payment the provider already accepted.
			return retry.Permanent(aerr)
		}
		return nil
	})

	if attemptErr != nil {
		s.failOut(ctx, sg.ID, attemptErr)
		return &payment.Result{
			Status: StatusFailed,
			SagaID: sg.ID,
			Errors: []string{attemptErr.Error()},
		}, nil
	}

	s.logger.Info("payment initiated",
		"sagaId", sg.ID, "paymentId", res.PaymentID, "provider", client.Name())
	return &payment.Result{
		Status:      StatusPendingConfirmation,
		SagaID:      sg.ID,
		PaymentID:   res.PaymentID,
		ClientToken: res.ClientToken,
		NextSteps:   []string{"confirm the payment using the client token"},
	}, nil
}

// failOut unwinds a saga that initiate left non-terminal. Budget
// exhaustion inside AdvanceStep already compensates; this covers
// permanent errors that stopped the retry loop with budget remaining.
func (s *Service) failOut(ctx context.Context, sagaID string, cause error) {
	sg, err := s.orchestrator.Get(ctx, sagaID)
	if err != nil {
		s.logger.Error("failed to load saga after initiate failure", "sagaId", sagaID, "error", err)
		return
	}
	if sg.Status != saga.StatusStarted && sg.Status != saga.StatusInProgress {
		return
	}
	if _, err := s.orchestrator.Compensate(ctx, sagaID, "payment initiation failed: "+cause.Error()); err != nil {
		s.logger.Error("failed to unwind saga", "sagaId", sagaID, "error", err)
	}
}

// HandleEvent implements webhook.Sink: provider callbacks advance the
// confirm step and, on success, run the credit allocation step.
func (s *Service) HandleEvent(ctx context.Context, ev *webhook.Event) error {
	ctx, span := traces.StartSpan(ctx, "payments.HandleEvent",
		traces.PaymentID(ev.PaymentID), traces.Provider(ev.Provider))
	defer span.End()

	sg, err := s.orchestrator.GetByPaymentID(ctx, ev.PaymentID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			s.logger.Warn("webhook for unknown payment",
				"provider", ev.Provider, "paymentId", ev.PaymentID, "type", ev.Type)
			return nil
		}
		return err
	}

	switch ev.Type {
	case webhook.TypePaymentSucceeded, webhook.TypePaymentConfirmed:
		return s.completeSaga(ctx, sg, ev)
	case webhook.TypePaymentFailed:
		return s.failConfirm(ctx, sg, ev)
	case webhook.TypePaymentRefunded:
		return s.handleRefund(ctx, sg, ev)
	case webhook.TypePaymentDisputed:
		s.logger.Warn("payment disputed",
			"sagaId", sg.ID, "paymentId", ev.PaymentID, "eventId", ev.ID)
		return nil
	}
	return nil
}

// completeSaga advances confirm and allocate. Both advances are
// idempotent, so redelivered success events past the dedup window are
// harmless.
func (s *Service) completeSaga(ctx context.Context, sg *saga.Saga, ev *webhook.Event) error {
	confirm := sg.StepByName(saga.StepConfirmPayment)
	sg, err := s.orchestrator.AdvanceStep(ctx, sg.ID, confirm.ID, saga.StepOutcome{
		Success: true,
		Output:  map[string]string{"eventId": ev.ID, "provider": ev.Provider},
	})
	if err != nil {
		return fmt.Errorf("failed to confirm payment: %w", err)
	}

	allocate := sg.StepByName(saga.StepAllocateCredits)
	if allocate.Status == saga.StepCompleted {
		return nil
	}

	ref := sg.ID + ":" + allocate.ID
	if _, err := s.ledger.Allocate(ctx, sg.UserID, sg.CreditAmount, ref); err != nil {
		if _, aerr := s.orchestrator.AdvanceStep(ctx, sg.ID, allocate.ID, saga.StepOutcome{
			Success: false,
			Error:   err.Error(),
		}); aerr != nil {
			return aerr
		}
		return fmt.Errorf("failed to allocate credits: %w", err)
	}

	if _, err := s.orchestrator.AdvanceStep(ctx, sg.ID, allocate.ID, saga.StepOutcome{
		Success: true,
		Output:  map[string]string{"reference": ref, "creditAmount": sg.CreditAmount},
	}); err != nil {
		return err
	}

	s.validator.RecordSpend(sg.UserID, sg.Amount)
	s.logger.Info("payment completed",
		"sagaId", sg.ID, "paymentId", sg.PaymentID, "creditAmount", sg.CreditAmount)
	return nil
}

func (s *Service) failConfirm(ctx context.Context, sg *saga.Saga, ev *webhook.Event) error {
	confirm := sg.StepByName(saga.StepConfirmPayment)
	if confirm.Status == saga.StepCompleted {
		s.logger.Warn("failure event for already-confirmed payment",
			"sagaId", sg.ID, "eventId", ev.ID)
		return nil
	}
	_, err := s.orchestrator.AdvanceStep(ctx, sg.ID, confirm.ID, saga.StepOutcome{
		Success: false,
		Error:   fmt.Sprintf("provider reported failure (event %s)", ev.ID),
	})
	return err
}

// handleRefund unwinds an in-flight saga. A refund against a COMPLETED
// saga is outside the saga's lifecycle and is left to reconciliation.
func (s *Service) handleRefund(ctx context.Context, sg *saga.Saga, ev *webhook.Event) error {
	if sg.Status == saga.StatusCompleted {
		s.logger.Warn("refund for completed saga, manual reconciliation required",
			"sagaId", sg.ID, "paymentId", ev.PaymentID, "eventId", ev.ID)
		return nil
	}
	if sg.Status.Terminal() {
		return nil
	}
	_, err := s.orchestrator.Compensate(ctx, sg.ID, "provider refunded payment")
	if err != nil && !errors.Is(err, saga.ErrInvalidStatus) {
		return err
	}
	return nil
}

// declinedResult flattens the verdict into a caller-facing rejection.
func declinedResult(verdict *risk.ValidationResult) *payment.Result {
	result := &payment.Result{Status: StatusDeclined}
	for _, e := range verdict.Errors {
		result.Errors = append(result.Errors, e.Field+": "+e.Message)
	}
	if len(result.Errors) == 0 && verdict.Assessment != nil {
		result.Errors = append(result.Errors,
			fmt.Sprintf("risk level %s (score %.0f)", verdict.Assessment.OverallRisk, verdict.Assessment.Score))
	}
	result.NextSteps = append(result.NextSteps, verdict.Warnings...)
	return result
}
