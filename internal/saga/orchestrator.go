package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/sagapay/internal/idgen"
	"github.com/mbd888/sagapay/internal/metrics"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/syncutil"
	"github.com/mbd888/sagapay/internal/traces"
)

// Defaults for retry budget and saga TTL.
const (
	DefaultMaxRetries = 3
	DefaultTTL        = 24 * time.Hour
)

// StepOutcome reports one execution attempt of a forward step.
type StepOutcome struct {
	Success bool
	Output  map[string]string
	Error   string
}

// Orchestrator drives sagas through the state machine. All operations
// that read-then-write a saga are serialized per saga id; cross-saga
// operations run fully in parallel.
type Orchestrator struct {
	store      Store
	executor   *Executor
	locks      syncutil.ShardedMutex
	logger     *slog.Logger
	maxRetries int
	ttl        time.Duration
	now        func() time.Time
}

// NewOrchestrator creates an orchestrator over the given store and
// compensation executor.
func NewOrchestrator(store Store, executor *Executor) *Orchestrator {
	return &Orchestrator{
		store:      store,
		executor:   executor,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
		ttl:        DefaultTTL,
		now:        time.Now,
	}
}

// WithLogger overrides the default logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l.With("component", "saga")
	return o
}

// WithMaxRetries overrides the per-step retry budget.
func (o *Orchestrator) WithMaxRetries(n int) *Orchestrator {
	o.maxRetries = n
	return o
}

// WithTTL overrides the saga expiry window.
func (o *Orchestrator) WithTTL(d time.Duration) *Orchestrator {
	o.ttl = d
	return o
}

// WithClock overrides the time source for tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// CreateSaga builds the fixed forward plan and its mirrored
// compensation plan for a validated request and persists the saga in
// STARTED state. Validation already happened, so the validate step is
// recorded as completed.
func (o *Orchestrator) CreateSaga(ctx context.Context, req *payment.Request) (*Saga, error) {
	ctx, span := traces.StartSpan(ctx, "saga.CreateSaga",
		traces.UserID(req.UserID),
		traces.Amount(req.Amount),
	)
	defer span.End()

	now := o.now()
	executedAt := now
	steps := []Step{
		{
			ID:         idgen.WithPrefix("step_"),
			Name:       StepValidateRequest,
			Status:     StepCompleted,
			MaxRetries: o.maxRetries,
			ExecutedAt: &executedAt,
		},
		{
			ID:         idgen.WithPrefix("step_"),
			Name:       StepInitiatePayment,
			Status:     StepPending,
			MaxRetries: o.maxRetries,
			Input:      map[string]string{"amount": req.Amount, "currency": req.Currency},
		},
		{
			ID:         idgen.WithPrefix("step_"),
			Name:       StepConfirmPayment,
			Status:     StepPending,
			MaxRetries: o.maxRetries,
		},
		{
			ID:         idgen.WithPrefix("step_"),
			Name:       StepAllocateCredits,
			Status:     StepPending,
			MaxRetries: o.maxRetries,
			Input:      map[string]string{"creditAmount": req.CreditAmount},
		},
	}

	// Mirror of the forward plan, stored forward and walked in reverse
	// so the last completed step is the first one undone.
	plan := []CompensationStep{
		{StepID: steps[1].ID, Action: ActionVoidPaymentIntent, Parameters: map[string]string{"stepId": steps[1].ID}},
		{StepID: steps[2].ID, Action: ActionCancelPayment, Parameters: map[string]string{"stepId": steps[2].ID}},
		{StepID: steps[3].ID, Action: ActionDeductCredits, Parameters: map[string]string{
			"stepId":       steps[3].ID,
			"userId":       req.UserID,
			"creditAmount": req.CreditAmount,
		}},
	}

	sg := &Saga{
		ID:               idgen.WithPrefix("saga_"),
		UserID:           req.UserID,
		CorrelationID:    req.CorrelationID,
		IdempotencyKey:   req.IdempotencyKey,
		Amount:           req.Amount,
		Currency:         req.Currency,
		CreditAmount:     req.CreditAmount,
		Method:           req.Method,
		Status:           StatusStarted,
		Steps:            steps,
		CompensationPlan: plan,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(o.ttl),
	}

	if err := o.store.Create(ctx, sg); err != nil {
		return nil, fmt.Errorf("failed to create saga: %w", err)
	}

	metrics.SagasTotal.WithLabelValues(string(StatusStarted)).Inc()
	metrics.ActiveSagas.Inc()
	o.logger.Info("saga created",
		"sagaId", sg.ID, "userId", sg.UserID, "amount", sg.Amount, "method", sg.Method)
	return sg, nil
}

// Get returns a saga by id.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Saga, error) {
	return o.store.Get(ctx, id)
}

// GetByPaymentID returns the saga owning a provider payment id.
func (o *Orchestrator) GetByPaymentID(ctx context.Context, paymentID string) (*Saga, error) {
	return o.store.GetByPaymentID(ctx, paymentID)
}

// BeginStep marks a pending step EXECUTING. Steps run strictly in
// declared order: a step cannot begin until every prior step completed.
func (o *Orchestrator) BeginStep(ctx context.Context, sagaID, stepID string) (*Saga, error) {
	ctx, span := traces.StartSpan(ctx, "saga.BeginStep", traces.SagaID(sagaID))
	defer span.End()

	unlock := o.locks.Lock(sagaID)
	defer unlock()

	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if sg.Status != StatusStarted && sg.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, sg.Status)
	}

	idx := sg.stepIndex(stepID)
	if idx < 0 {
		return nil, ErrStepNotFound
	}
	step := &sg.Steps[idx]
	if step.Status != StepPending {
		return nil, fmt.Errorf("%w: step %s is %s", ErrInvalidStatus, step.Name, step.Status)
	}
	if err := o.checkOrder(sg, idx); err != nil {
		return nil, err
	}

	step.Status = StepExecuting
	sg.Status = StatusInProgress
	sg.UpdatedAt = o.now()
	if err := o.store.Update(ctx, sg); err != nil {
		return nil, err
	}
	return sg, nil
}

// AdvanceStep is the single state-transition entry point for step
// outcomes. On success the step completes and, if it was the last one,
// the saga completes. On failure the retry budget is consumed: below
// the budget the step resets to PENDING for the caller to re-invoke
// (pull-based retry); at the budget the saga fails and compensation
// runs immediately.
//
// Advancing an already-completed step is an idempotent no-op, so a
// redelivered provider event that slipped past the dedup cache cannot
// double-apply.
func (o *Orchestrator) AdvanceStep(ctx context.Context, sagaID, stepID string, outcome StepOutcome) (*Saga, error) {
	ctx, span := traces.StartSpan(ctx, "saga.AdvanceStep", traces.SagaID(sagaID))
	defer span.End()

	unlock := o.locks.Lock(sagaID)
	defer unlock()

	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}

	idx := sg.stepIndex(stepID)
	if idx < 0 {
		return nil, ErrStepNotFound
	}
	step := &sg.Steps[idx]

	if step.Status == StepCompleted {
		return sg, nil
	}
	if sg.Status != StatusStarted && sg.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, sg.Status)
	}
	if err := o.checkOrder(sg, idx); err != nil {
		return nil, err
	}

	now := o.now()
	span.SetAttributes(traces.StepName(step.Name), attribute.Bool("success", outcome.Success))

	if outcome.Success {
		step.Status = StepCompleted
		step.Output = outcome.Output
		step.Error = ""
		step.ExecutedAt = &now
		metrics.StepsTotal.WithLabelValues(step.Name, "completed").Inc()

		if step.Name == StepInitiatePayment {
			if id := outcome.Output["paymentId"]; id != "" {
				sg.PaymentID = id
			}
		}

		if idx == len(sg.Steps)-1 {
			sg.Status = StatusCompleted
			metrics.SagasTotal.WithLabelValues(string(StatusCompleted)).Inc()
			metrics.SagaDuration.Observe(now.Sub(sg.CreatedAt).Seconds())
			metrics.ActiveSagas.Dec()
			o.logger.Info("saga completed", "sagaId", sg.ID, "paymentId", sg.PaymentID)
		} else {
			sg.Status = StatusInProgress
		}
		sg.UpdatedAt = now
		if err := o.store.Update(ctx, sg); err != nil {
			return nil, err
		}
		return sg, nil
	}

	// Failure: consume one retry.
	step.RetryCount++
	step.Error = outcome.Error
	metrics.StepsTotal.WithLabelValues(step.Name, "failed").Inc()

	if step.RetryCount < step.MaxRetries {
		step.Status = StepPending
		sg.Status = StatusInProgress
		sg.UpdatedAt = now
		metrics.StepRetriesTotal.Inc()
		o.logger.Warn("step failed, retry budget remaining",
			"sagaId", sg.ID, "step", step.Name,
			"retryCount", step.RetryCount, "maxRetries", step.MaxRetries, "error", outcome.Error)
		if err := o.store.Update(ctx, sg); err != nil {
			return nil, err
		}
		return sg, nil
	}

	// Budget exhausted: fail the saga and unwind.
	step.Status = StepFailed
	sg.Status = StatusFailed
	sg.Reason = outcome.Error
	sg.UpdatedAt = now
	metrics.SagasTotal.WithLabelValues(string(StatusFailed)).Inc()
	o.logger.Error("step retries exhausted, failing saga",
		"sagaId", sg.ID, "step", step.Name, "error", outcome.Error)
	if err := o.store.Update(ctx, sg); err != nil {
		return nil, err
	}

	if _, err := o.compensateLocked(ctx, sg, fmt.Sprintf("step %s exhausted retries: %s", step.Name, outcome.Error)); err != nil {
		o.logger.Error("automatic compensation failed", "sagaId", sg.ID, "error", err)
	}
	return sg, nil
}

// checkOrder enforces the linear chain: every step before idx must be
// COMPLETED before idx may execute.
func (o *Orchestrator) checkOrder(sg *Saga, idx int) error {
	for i := 0; i < idx; i++ {
		if sg.Steps[i].Status != StepCompleted {
			return fmt.Errorf("%w: %s is %s", ErrStepOrder, sg.Steps[i].Name, sg.Steps[i].Status)
		}
	}
	return nil
}

// Compensate unwinds a saga by walking its compensation plan in
// reverse. Compensating an already-COMPENSATED saga is a no-op.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID, reason string) (*CompensationResult, error) {
	ctx, span := traces.StartSpan(ctx, "saga.Compensate", traces.SagaID(sagaID))
	defer span.End()

	unlock := o.locks.Lock(sagaID)
	defer unlock()

	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return o.compensateLocked(ctx, sg, reason)
}

// compensateLocked runs the unwind. Caller holds the saga lock.
func (o *Orchestrator) compensateLocked(ctx context.Context, sg *Saga, reason string) (*CompensationResult, error) {
	result := &CompensationResult{SagaID: sg.ID}

	switch sg.Status {
	case StatusCompensated:
		result.FinalStatus = StatusCompensated
		return result, nil
	case StatusCompleted:
		return nil, fmt.Errorf("%w: completed sagas are not unwound", ErrInvalidStatus)
	}

	now := o.now()
	sg.Status = StatusCompensating
	sg.Reason = reason
	sg.UpdatedAt = now
	metrics.SagasTotal.WithLabelValues(string(StatusCompensating)).Inc()
	if err := o.store.Update(ctx, sg); err != nil {
		return nil, err
	}
	o.logger.Info("compensating saga", "sagaId", sg.ID, "reason", reason)

	// Reverse insertion order: the last completed forward step is the
	// first one undone.
	for i := len(sg.CompensationPlan) - 1; i >= 0; i-- {
		entry := &sg.CompensationPlan[i]
		forward := sg.StepByID(entry.StepID)

		if entry.Executed {
			result.CompensatedSteps++
			continue
		}
		// A step that was never attempted has nothing to undo.
		if forward == nil || forward.Status == StepPending {
			result.SkippedSteps++
			continue
		}

		if err := o.executor.Execute(ctx, entry.Action, entry.Parameters, sg); err != nil {
			result.FailedCompensations++
			result.Errors = append(result.Errors, err.Error())
			metrics.CompensationsTotal.WithLabelValues(entry.Action, "failure").Inc()
			o.logger.Error("compensation action failed",
				"sagaId", sg.ID, "action", entry.Action, "error", err)
			continue
		}

		executedAt := o.now()
		entry.Executed = true
		entry.ExecutedAt = &executedAt
		forward.Status = StepCompensated
		forward.Compensated = true
		result.CompensatedSteps++
		metrics.CompensationsTotal.WithLabelValues(entry.Action, "success").Inc()
	}

	if result.FailedCompensations == 0 {
		sg.Status = StatusCompensated
		metrics.SagasTotal.WithLabelValues(string(StatusCompensated)).Inc()
		metrics.SagaDuration.Observe(o.now().Sub(sg.CreatedAt).Seconds())
		metrics.ActiveSagas.Dec()
	} else {
		// Deliberately not retried here: a second automatic pass could
		// double-reverse funds. Operators re-invoke via the API.
		sg.Status = StatusFailed
		o.logger.Error("compensation incomplete, operator attention required",
			"sagaId", sg.ID, "failed", result.FailedCompensations)
	}
	result.FinalStatus = sg.Status
	sg.UpdatedAt = o.now()
	if err := o.store.Update(ctx, sg); err != nil {
		return nil, err
	}
	return result, nil
}

// RecoverStuckSagas is the periodic sweep: FAILED sagas that still have
// retry budget and no executed compensation are reset to IN_PROGRESS
// with counters cleared, and non-terminal sagas past their TTL are
// force-compensated.
func (o *Orchestrator) RecoverStuckSagas(ctx context.Context) (recovered, forceCompensated int, err error) {
	now := o.now()

	failed, err := o.store.ListByStatus(ctx, StatusFailed, 100)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list failed sagas: %w", err)
	}
	for _, stale := range failed {
		if o.recoverOne(ctx, stale.ID) {
			recovered++
		}
	}

	expired, err := o.store.ListExpired(ctx, now, 100)
	if err != nil {
		return recovered, 0, fmt.Errorf("failed to list expired sagas: %w", err)
	}
	for _, sg := range expired {
		if _, cerr := o.Compensate(ctx, sg.ID, "saga expired"); cerr != nil {
			o.logger.Warn("failed to force-compensate expired saga", "sagaId", sg.ID, "error", cerr)
			continue
		}
		forceCompensated++
	}
	return recovered, forceCompensated, nil
}

// recoverOne resets a single FAILED saga if it is still resumable.
func (o *Orchestrator) recoverOne(ctx context.Context, sagaID string) bool {
	unlock := o.locks.Lock(sagaID)
	defer unlock()

	sg, err := o.store.Get(ctx, sagaID)
	if err != nil || sg.Status != StatusFailed {
		return false
	}
	// Once any reversal has run, resuming forward work could double-apply.
	for _, entry := range sg.CompensationPlan {
		if entry.Executed {
			return false
		}
	}

	resumable := false
	for i := range sg.Steps {
		step := &sg.Steps[i]
		if (step.Status == StepFailed || step.Status == StepExecuting) && step.RetryCount < step.MaxRetries {
			step.Status = StepPending
			step.RetryCount = 0
			step.Error = ""
			resumable = true
		}
	}
	if !resumable {
		return false
	}

	sg.Status = StatusInProgress
	sg.Reason = ""
	sg.UpdatedAt = o.now()
	if err := o.store.Update(ctx, sg); err != nil {
		o.logger.Warn("failed to recover saga", "sagaId", sg.ID, "error", err)
		return false
	}
	o.logger.Info("recovered stuck saga", "sagaId", sg.ID)
	return true
}
