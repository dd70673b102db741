package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func stripePayload(eventID, eventType, intentID string, created int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"created":%d,"data":{"object":{"id":%q}}}`,
		eventID, eventType, created, intentID))
}

func signedHeaders(secret string, ts int64, payload []byte) http.Header {
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signPayload(secret, ts, payload)))
	return h
}

func TestStripeVerifier(t *testing.T) {
	const secret = "whsec_test"
	now := time.Unix(1_760_000_000, 0)
	v := NewStripeVerifier(secret).WithClock(func() time.Time { return now })
	ctx := context.Background()

	payload := stripePayload("evt_1", "payment_intent.succeeded", "pi_1", now.Unix())

	if err := v.Verify(ctx, payload, signedHeaders(secret, now.Unix(), payload)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	// Tampered payload
	tampered := bytes.Replace(payload, []byte("pi_1"), []byte("pi_2"), 1)
	if err := v.Verify(ctx, tampered, signedHeaders(secret, now.Unix(), payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for tampered payload, got %v", err)
	}

	// Wrong secret
	if err := v.Verify(ctx, payload, signedHeaders("whsec_other", now.Unix(), payload)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}

	// Timestamp outside the replay window
	old := now.Add(-301 * time.Second).Unix()
	if err := v.Verify(ctx, payload, signedHeaders(secret, old, payload)); !errors.Is(err, ErrReplayTooOld) {
		t.Errorf("expected ErrReplayTooOld, got %v", err)
	}

	// Missing and malformed headers
	if err := v.Verify(ctx, payload, http.Header{}); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader for missing header, got %v", err)
	}
	bad := http.Header{}
	bad.Set("Stripe-Signature", "not-a-signature")
	if err := v.Verify(ctx, payload, bad); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
}

func TestStripeVerifier_RotatedSecrets(t *testing.T) {
	const secret = "whsec_new"
	now := time.Unix(1_760_000_000, 0)
	v := NewStripeVerifier(secret).WithClock(func() time.Time { return now })

	payload := []byte(`{}`)
	// Header carries two v1 signatures; only the second matches.
	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s,v1=%s",
		now.Unix(),
		signPayload("whsec_old", now.Unix(), payload),
		signPayload(secret, now.Unix(), payload)))

	if err := v.Verify(context.Background(), payload, h); err != nil {
		t.Fatalf("rotated signature rejected: %v", err)
	}
}

func TestDedupCache(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	cache := NewDedupCache(10 * time.Minute).WithClock(func() time.Time { return now })

	signedAt := now.Add(-2 * time.Second)
	if cache.Observe("stripe", "evt_1", signedAt) {
		t.Fatal("first delivery flagged as duplicate")
	}
	if !cache.Observe("stripe", "evt_1", signedAt) {
		t.Error("redelivery of same (provider,id) not flagged")
	}

	// Same provider and timestamp under a new id within 1s: duplicate.
	if !cache.Observe("stripe", "evt_resent", signedAt) {
		t.Error("same-timestamp resend under new id not flagged")
	}

	// Same id under a different provider is a distinct event.
	if cache.Observe("paypal", "evt_1", signedAt) {
		t.Error("different provider flagged as duplicate")
	}
}

func TestDedupCache_SameTimestampOutsideWindow(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	clock := &now
	cache := NewDedupCache(10 * time.Minute).WithClock(func() time.Time { return *clock })

	signedAt := now
	if cache.Observe("stripe", "evt_1", signedAt) {
		t.Fatal("first delivery flagged as duplicate")
	}

	// 2s later with the same signed timestamp but a new id: outside
	// the 1000ms window, so it is treated as a distinct event.
	later := now.Add(2 * time.Second)
	clock = &later
	if cache.Observe("stripe", "evt_2", signedAt) {
		t.Error("new id outside same-timestamp window flagged as duplicate")
	}
}

func TestDedupCache_RetentionEviction(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	clock := &now
	cache := NewDedupCache(10 * time.Minute).WithClock(func() time.Time { return *clock })

	cache.Observe("stripe", "evt_1", now)
	if cache.Len() != 1 {
		t.Fatalf("expected 1 tracked event, got %d", cache.Len())
	}

	later := now.Add(11 * time.Minute)
	clock = &later
	if cache.Observe("stripe", "evt_1", later) {
		t.Error("event redelivered after retention window should not be a duplicate")
	}
	if cache.Len() != 1 {
		t.Errorf("expired entry not evicted, len=%d", cache.Len())
	}
}

func TestParseStripe(t *testing.T) {
	v, err := parseStripe(stripePayload("evt_1", "payment_intent.succeeded", "pi_1", 1_760_000_000))
	if err != nil {
		t.Fatalf("parseStripe: %v", err)
	}
	if v.EventID != "evt_1" || v.EventType != TypePaymentSucceeded || v.PaymentID != "pi_1" {
		t.Errorf("unexpected parse result: %+v", v)
	}

	// Charge events reference the parent intent
	charge := []byte(`{"id":"evt_2","type":"charge.refunded","created":1760000000,"data":{"object":{"id":"ch_1","payment_intent":"pi_9"}}}`)
	v, err = parseStripe(charge)
	if err != nil {
		t.Fatalf("parseStripe charge: %v", err)
	}
	if v.PaymentID != "pi_9" {
		t.Errorf("expected payment intent pi_9, got %s", v.PaymentID)
	}
	if v.EventType != TypePaymentRefunded {
		t.Errorf("expected payment_refunded, got %s", v.EventType)
	}

	if _, err := parseStripe([]byte(`{"id":"evt_3","type":"payment_intent.succeeded"}`)); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
	if _, err := parseStripe(stripePayload("evt_4", "customer.created", "cus_1", 1_760_000_000)); !errors.Is(err, ErrUnhandledType) {
		t.Errorf("expected ErrUnhandledType, got %v", err)
	}
}

func TestParsePayPal(t *testing.T) {
	payload := []byte(`{
		"id": "WH-1",
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"create_time": "2026-03-10T12:00:00Z",
		"resource": {
			"id": "cap_1",
			"supplementary_data": {"related_ids": {"order_id": "ord_7"}}
		}
	}`)
	v, err := parsePayPal(payload)
	if err != nil {
		t.Fatalf("parsePayPal: %v", err)
	}
	if v.EventType != TypePaymentSucceeded {
		t.Errorf("expected payment_succeeded, got %s", v.EventType)
	}
	if v.PaymentID != "ord_7" {
		t.Errorf("expected order id ord_7, got %s", v.PaymentID)
	}

	order := []byte(`{"id":"WH-2","event_type":"CHECKOUT.ORDER.APPROVED","create_time":"2026-03-10T12:00:00Z","resource":{"id":"ord_8"}}`)
	v, err = parsePayPal(order)
	if err != nil {
		t.Fatalf("parsePayPal order: %v", err)
	}
	if v.EventType != TypePaymentConfirmed || v.PaymentID != "ord_8" {
		t.Errorf("unexpected parse result: %+v", v)
	}

	if _, err := parsePayPal([]byte(`{"id":"WH-3"}`)); !errors.Is(err, ErrMissingField) {
		t.Errorf("expected ErrMissingField, got %v", err)
	}
}

type chanSink struct {
	events chan *Event
}

func (s *chanSink) HandleEvent(ctx context.Context, event *Event) error {
	s.events <- event
	return nil
}

func newTestRouter(secret string, sink Sink, now time.Time) *gin.Engine {
	gin.SetMode(gin.TestMode)
	ingestor := NewIngestor(
		NewDedupCache(10*time.Minute),
		sink,
	).RegisterVerifier("stripe", NewStripeVerifier(secret).WithClock(func() time.Time { return now }))

	r := gin.New()
	NewHandler(ingestor).RegisterRoutes(r.Group("/v1"))
	return r
}

func TestReceive_DoubleDeliveryMutatesOnce(t *testing.T) {
	const secret = "whsec_test"
	now := time.Unix(1_760_000_000, 0)
	sink := &chanSink{events: make(chan *Event, 4)}
	router := newTestRouter(secret, sink, now)

	payload := stripePayload("evt_1", "payment_intent.succeeded", "pi_1", now.Unix())
	headers := signedHeaders(secret, now.Unix(), payload)

	deliver := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/webhooks/stripe", bytes.NewReader(payload))
		req.Header = headers.Clone()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	first := deliver()
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery: status %d, body %s", first.Code, first.Body.String())
	}
	second := deliver()
	if second.Code != http.StatusOK {
		t.Fatalf("second delivery: status %d", second.Code)
	}

	select {
	case ev := <-sink.events:
		if ev.ID != "evt_1" || ev.PaymentID != "pi_1" {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("sink never received the event")
	}

	select {
	case ev := <-sink.events:
		t.Fatalf("duplicate delivery reached the sink: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceive_InvalidSignature(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	sink := &chanSink{events: make(chan *Event, 1)}
	router := newTestRouter("whsec_test", sink, now)

	payload := stripePayload("evt_1", "payment_intent.succeeded", "pi_1", now.Unix())
	req := httptest.NewRequest("POST", "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header = signedHeaders("whsec_wrong", now.Unix(), payload)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("rejected webhook reached the sink: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceive_UnknownProvider(t *testing.T) {
	sink := &chanSink{events: make(chan *Event, 1)}
	router := newTestRouter("whsec_test", sink, time.Now())

	req := httptest.NewRequest("POST", "/v1/webhooks/square", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestReceive_UnhandledTypeAcked(t *testing.T) {
	const secret = "whsec_test"
	now := time.Unix(1_760_000_000, 0)
	sink := &chanSink{events: make(chan *Event, 1)}
	router := newTestRouter(secret, sink, now)

	payload := stripePayload("evt_1", "customer.created", "cus_1", now.Unix())
	req := httptest.NewRequest("POST", "/v1/webhooks/stripe", bytes.NewReader(payload))
	req.Header = signedHeaders(secret, now.Unix(), payload)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("unsubscribed event types must be acked, got %d", w.Code)
	}
	select {
	case ev := <-sink.events:
		t.Fatalf("ignored event reached the sink: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
