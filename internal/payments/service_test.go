package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/sagapay/internal/credits"
	"github.com/mbd888/sagapay/internal/kyc"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/provider"
	"github.com/mbd888/sagapay/internal/risk"
	"github.com/mbd888/sagapay/internal/saga"
	"github.com/mbd888/sagapay/internal/webhook"
)

// scriptedClient returns the queued errors before succeeding.
type scriptedClient struct {
	failures  []error
	initiated int
	voids     []string
	refunds   []string
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) Initiate(ctx context.Context, req *payment.Request) (*provider.InitiateResult, error) {
	c.initiated++
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return nil, err
	}
	return &provider.InitiateResult{PaymentID: "pi_test", ClientToken: "tok_test", Status: "requires_confirmation"}, nil
}

func (c *scriptedClient) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*provider.ConfirmResult, error) {
	return &provider.ConfirmResult{PaymentID: paymentID, Status: "succeeded"}, nil
}

func (c *scriptedClient) Void(ctx context.Context, paymentID string) error {
	c.voids = append(c.voids, paymentID)
	return nil
}

func (c *scriptedClient) Refund(ctx context.Context, paymentID, amount string) error {
	c.refunds = append(c.refunds, paymentID)
	return nil
}

func transientErr() error {
	return &provider.Error{Provider: "scripted", Code: "unavailable", Transient: true, Err: errors.New("503")}
}

func permanentErr() error {
	return &provider.Error{Provider: "scripted", Code: "card_declined", Transient: false, Err: errors.New("card declined")}
}

type fixture struct {
	service *Service
	client  *scriptedClient
	ledger  *credits.Ledger
	sagas   *saga.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	kycSvc := kyc.NewMemoryService()
	kycSvc.Set("user_1", true, kyc.LevelEnhanced)

	validator := risk.NewValidator(risk.NewMemoryStore(), kycSvc, risk.Limits{
		MinAmount:       "0.50",
		MaxAmount:       "10000.00",
		DailySpendLimit: "25000.00",
		KYCThreshold:    "100.00",
		KYCHardLimit:    "5000.00",
	})
	// Pin the clock to midday so the off-hours factor stays quiet.
	noon := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	validator.WithClock(func() time.Time { return noon })

	ledger := credits.New(credits.NewMemoryStore())
	client := &scriptedClient{}
	router := provider.NewRouter()
	router.Register(payment.MethodCreditCard, client)

	orchestrator := saga.NewOrchestrator(saga.NewMemoryStore(), saga.DefaultExecutor(ledger, router))
	service := NewService(validator, orchestrator, router, ledger).
		WithRetryDelay(time.Millisecond).
		WithStepTimeout(time.Second)

	return &fixture{service: service, client: client, ledger: ledger, sagas: orchestrator}
}

func validRequest() *payment.Request {
	return &payment.Request{
		IdempotencyKey: "idem_1",
		UserID:         "user_1",
		Amount:         "24.00",
		Currency:       "USD",
		CreditAmount:   "24.00",
		Method:         payment.MethodCreditCard,
		Risk: payment.RiskMetadata{
			DeviceFingerprint: "fp_abc",
			AccountCreatedAt:  time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		},
	}
}

func succeededEvent(paymentID string) *webhook.Event {
	return &webhook.Event{
		ID:         "evt_1",
		Type:       webhook.TypePaymentSucceeded,
		Provider:   "stripe",
		PaymentID:  paymentID,
		RawPayload: json.RawMessage(`{}`),
		ReceivedAt: time.Now(),
	}
}

func TestProcessPayment_PendingConfirmation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.ProcessPayment(ctx, validRequest())
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if result.Status != StatusPendingConfirmation {
		t.Fatalf("expected %s, got %s (errors: %v)", StatusPendingConfirmation, result.Status, result.Errors)
	}
	if result.PaymentID != "pi_test" || result.ClientToken != "tok_test" {
		t.Errorf("provider output not surfaced: %+v", result)
	}

	sg, err := f.sagas.Get(ctx, result.SagaID)
	if err != nil {
		t.Fatalf("Get saga: %v", err)
	}
	if sg.Status != saga.StatusInProgress {
		t.Errorf("expected in_progress, got %s", sg.Status)
	}
	if sg.StepByName(saga.StepInitiatePayment).Status != saga.StepCompleted {
		t.Error("initiate step not completed")
	}
}

func TestProcessPayment_DeclinesInvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := validRequest()
	req.Amount = "-5.00"
	result, err := f.service.ProcessPayment(context.Background(), req)
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if result.Status != StatusDeclined {
		t.Fatalf("expected declined, got %s", result.Status)
	}
	if len(result.Errors) == 0 {
		t.Error("declined result must carry errors")
	}
	if result.SagaID != "" {
		t.Error("no saga should be opened for a declined request")
	}
	if f.client.initiated != 0 {
		t.Error("provider must not be called for a declined request")
	}
}

func TestProcessPayment_TransientFailuresRetried(t *testing.T) {
	f := newFixture(t)
	f.client.failures = []error{transientErr(), transientErr()}

	result, err := f.service.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if result.Status != StatusPendingConfirmation {
		t.Fatalf("expected success after retries, got %s (%v)", result.Status, result.Errors)
	}
	if f.client.initiated != 3 {
		t.Errorf("expected 3 attempts, got %d", f.client.initiated)
	}
}

func TestProcessPayment_BudgetExhaustedCompensates(t *testing.T) {
	f := newFixture(t)
	f.client.failures = []error{transientErr(), transientErr(), transientErr()}

	result, err := f.service.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}

	sg, err := f.sagas.Get(context.Background(), result.SagaID)
	if err != nil {
		t.Fatalf("Get saga: %v", err)
	}
	if sg.Status != saga.StatusCompensated {
		t.Errorf("expected compensated, got %s", sg.Status)
	}
	// Initiate never produced a payment id, so there is nothing to void.
	if len(f.client.voids) != 0 {
		t.Errorf("unexpected voids: %v", f.client.voids)
	}
}

func TestProcessPayment_PermanentFailureStopsEarly(t *testing.T) {
	f := newFixture(t)
	f.client.failures = []error{permanentErr(), permanentErr(), permanentErr()}

	result, err := f.service.ProcessPayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if result.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if f.client.initiated != 1 {
		t.Errorf("permanent failure must not be retried, got %d attempts", f.client.initiated)
	}

	sg, _ := f.sagas.Get(context.Background(), result.SagaID)
	if sg.Status != saga.StatusCompensated {
		t.Errorf("expected compensated, got %s", sg.Status)
	}
}

func TestHandleEvent_CompletesSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.service.ProcessPayment(ctx, validRequest())
	if err != nil || result.Status != StatusPendingConfirmation {
		t.Fatalf("setup: %v / %+v", err, result)
	}

	if err := f.service.HandleEvent(ctx, succeededEvent(result.PaymentID)); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sg, _ := f.sagas.Get(ctx, result.SagaID)
	if sg.Status != saga.StatusCompleted {
		t.Fatalf("expected completed, got %s", sg.Status)
	}

	bal, err := f.ledger.GetBalance(ctx, "user_1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "24.00" {
		t.Errorf("expected 24.00 credits allocated, got %s", bal.Available)
	}
}

func TestHandleEvent_RedeliveryAllocatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, _ := f.service.ProcessPayment(ctx, validRequest())
	for i := 0; i < 3; i++ {
		if err := f.service.HandleEvent(ctx, succeededEvent(result.PaymentID)); err != nil {
			t.Fatalf("HandleEvent %d: %v", i, err)
		}
	}

	bal, _ := f.ledger.GetBalance(ctx, "user_1")
	if bal.Available != "24.00" {
		t.Errorf("redelivery must not re-allocate, balance %s", bal.Available)
	}
}

func TestHandleEvent_FailureEventsExhaustConfirmBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, _ := f.service.ProcessPayment(ctx, validRequest())
	for i := 0; i < saga.DefaultMaxRetries; i++ {
		ev := succeededEvent(result.PaymentID)
		ev.ID = "evt_fail"
		ev.Type = webhook.TypePaymentFailed
		if err := f.service.HandleEvent(ctx, ev); err != nil {
			t.Fatalf("HandleEvent %d: %v", i, err)
		}
	}

	sg, _ := f.sagas.Get(ctx, result.SagaID)
	if sg.Status != saga.StatusCompensated {
		t.Fatalf("expected compensated after confirm budget spent, got %s", sg.Status)
	}
	// The intent was initiated but never captured: void, not refund.
	if len(f.client.voids) != 1 || f.client.voids[0] != "pi_test" {
		t.Errorf("expected void of pi_test, got %v", f.client.voids)
	}
	if len(f.client.refunds) != 0 {
		t.Errorf("unexpected refunds: %v", f.client.refunds)
	}
	bal, _ := f.ledger.GetBalance(ctx, "user_1")
	if bal.Available != "0.00" {
		t.Errorf("no credits were allocated, balance %s", bal.Available)
	}
}

func TestHandleEvent_RefundUnwindsInFlightSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, _ := f.service.ProcessPayment(ctx, validRequest())

	ev := succeededEvent(result.PaymentID)
	ev.Type = webhook.TypePaymentRefunded
	if err := f.service.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sg, _ := f.sagas.Get(ctx, result.SagaID)
	if sg.Status != saga.StatusCompensated {
		t.Errorf("expected compensated, got %s", sg.Status)
	}
}

func TestHandleEvent_RefundOnCompletedSagaIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, _ := f.service.ProcessPayment(ctx, validRequest())
	if err := f.service.HandleEvent(ctx, succeededEvent(result.PaymentID)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ev := succeededEvent(result.PaymentID)
	ev.Type = webhook.TypePaymentRefunded
	if err := f.service.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	sg, _ := f.sagas.Get(ctx, result.SagaID)
	if sg.Status != saga.StatusCompleted {
		t.Errorf("completed saga must not be unwound, got %s", sg.Status)
	}
	bal, _ := f.ledger.GetBalance(ctx, "user_1")
	if bal.Available != "24.00" {
		t.Errorf("credits must be untouched, balance %s", bal.Available)
	}
}

func TestHandleEvent_UnknownPaymentAcked(t *testing.T) {
	f := newFixture(t)

	if err := f.service.HandleEvent(context.Background(), succeededEvent("pi_nobody")); err != nil {
		t.Fatalf("unknown payment must be acked: %v", err)
	}
}

func TestProcessPayment_AssignsRequestID(t *testing.T) {
	f := newFixture(t)
	req := validRequest()
	req.ID = ""

	if _, err := f.service.ProcessPayment(context.Background(), req); err != nil {
		t.Fatalf("ProcessPayment: %v", err)
	}
	if !strings.HasPrefix(req.ID, "req_") {
		t.Errorf("generated request ID %q, want req_ prefix", req.ID)
	}
}
