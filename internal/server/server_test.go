package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sagapay/internal/config"
	"github.com/mbd888/sagapay/internal/kyc"
	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/provider"
)

type fakeClient struct{}

func (fakeClient) Name() string { return "fake" }

func (fakeClient) Initiate(ctx context.Context, req *payment.Request) (*provider.InitiateResult, error) {
	return &provider.InitiateResult{PaymentID: "pi_http", ClientToken: "tok_http", Status: "requires_confirmation"}, nil
}

func (fakeClient) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*provider.ConfirmResult, error) {
	return &provider.ConfirmResult{PaymentID: paymentID, Status: "succeeded"}, nil
}

func (fakeClient) Void(ctx context.Context, paymentID string) error    { return nil }
func (fakeClient) Refund(ctx context.Context, id, amount string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		LogFormat:           "text",
		MinAmount:           "0.50",
		MaxAmount:           "10000",
		DailySpendLimit:     "25000",
		KYCThreshold:        "100",
		KYCHardLimit:        "5000",
		SagaTTL:             24 * time.Hour,
		StepMaxRetries:      3,
		StepTimeout:         time.Second,
		SweepInterval:       time.Minute,
		StripeWebhookSecret: "whsec_test",
		ReplayWindow:        300 * time.Second,
		DedupRetention:      10 * time.Minute,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	providers := provider.NewRouter()
	providers.Register(payment.MethodCreditCard, fakeClient{})

	kycSvc := kyc.NewMemoryService()
	kycSvc.Set("user_1", true, kyc.LevelEnhanced)

	s, err := New(testConfig(), WithProviders(providers), WithKYC(kycSvc))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health: expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("/health/live: expected 200, got %d", w.Code)
	}

	// Readiness flips on in Run; before that the server reports not ready.
	w = doJSON(t, s, http.MethodGet, "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready before Run: expected 503, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func paymentBody() map[string]any {
	return map[string]any{
		"idempotencyKey": "idem_http_1",
		"userId":         "user_1",
		"amount":         "24.00",
		"currency":       "USD",
		"creditAmount":   "24.00",
		"paymentMethod":  "credit_card",
		"riskMetadata": map[string]any{
			"deviceFingerprint": "fp_http",
			"accountCreatedAt":  time.Now().Add(-365 * 24 * time.Hour).UTC().Format(time.RFC3339),
		},
	}
}

func TestPaymentFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	// Submit the payment.
	w := doJSON(t, s, http.MethodPost, "/v1/payments", paymentBody())
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /v1/payments: expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var result struct {
		Status    string `json:"status"`
		SagaID    string `json:"sagaId"`
		PaymentID string `json:"paymentId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Status != "pending_confirmation" || result.SagaID == "" {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Deliver the signed provider callback.
	ts := time.Now().Unix()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_http_1","type":"payment_intent.succeeded","created":%d,"data":{"object":{"id":"%s"}}}`,
		ts, result.PaymentID))
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, stripeSign("whsec_test", ts, payload)))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Dispatch is asynchronous after the ack; poll the saga endpoint.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(t, s, http.MethodGet, "/v1/sagas/"+result.SagaID, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("GET saga: expected 200, got %d", w.Code)
		}
		var sagaResp struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &sagaResp); err != nil {
			t.Fatalf("unmarshal saga: %v", err)
		}
		if sagaResp.Status == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saga did not complete, status %s", sagaResp.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Credits landed.
	w = doJSON(t, s, http.MethodGet, "/v1/credits/user_1/balance", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET balance: expected 200, got %d", w.Code)
	}
	var balResp struct {
		Balance struct {
			Available string `json:"available"`
		} `json:"balance"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &balResp); err != nil {
		t.Fatalf("unmarshal balance: %v", err)
	}
	if balResp.Balance.Available != "24.00" {
		t.Errorf("expected 24.00 available, got %s", balResp.Balance.Available)
	}
}

func TestWebhookBadSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{"id":"evt_bad","type":"payment_intent.succeeded","data":{"object":{"id":"pi_x"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestPaymentValidationRejectedOverHTTP(t *testing.T) {
	s := newTestServer(t)

	body := paymentBody()
	body["amount"] = "999999"
	w := doJSON(t, s, http.MethodPost, "/v1/payments", body)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

func stripeSign(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
