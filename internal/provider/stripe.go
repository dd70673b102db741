package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/sagapay/internal/money"
	"github.com/mbd888/sagapay/internal/payment"
)

// StripeClient processes card payments through Stripe PaymentIntents.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe-backed card payment client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

func (s *StripeClient) Name() string { return "stripe" }

// Initiate creates a PaymentIntent for the request amount. The request's
// idempotency key is forwarded so duplicate submissions reuse the intent.
func (s *StripeClient) Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error) {
	amount, ok := money.Parse(req.Amount)
	if !ok {
		return nil, &Error{Provider: "stripe", Code: "invalid_amount", Err: errors.New("unparseable amount")}
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Int64()),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	}
	params.AddMetadata("user_id", req.UserID)
	if req.CorrelationID != "" {
		params.AddMetadata("correlation_id", req.CorrelationID)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, s.wrap("initiate_failed", err)
	}

	return &InitiateResult{
		PaymentID:   pi.ID,
		ClientToken: pi.ClientSecret,
		Status:      string(pi.Status),
	}, nil
}

// Confirm confirms a PaymentIntent, optionally attaching a payment method
// from the confirmation data.
func (s *StripeClient) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*ConfirmResult, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if pm := confirmation["payment_method"]; pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}

	pi, err := s.api.PaymentIntents.Confirm(paymentID, params)
	if err != nil {
		return nil, s.wrap("confirm_failed", err)
	}

	return &ConfirmResult{
		PaymentID:   pi.ID,
		Status:      string(pi.Status),
		ProviderRef: pi.ID,
	}, nil
}

// Void cancels a PaymentIntent. Canceling an already-canceled intent is a
// no-op so compensation replays are safe.
func (s *StripeClient) Void(ctx context.Context, paymentID string) error {
	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	pi, err := s.api.PaymentIntents.Get(paymentID, getParams)
	if err != nil {
		return s.wrap("void_lookup_failed", err)
	}
	if pi.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	if _, err := s.api.PaymentIntents.Cancel(paymentID, params); err != nil {
		return s.wrap("void_failed", err)
	}
	return nil
}

// Refund refunds a captured PaymentIntent, partially if amount is set.
func (s *StripeClient) Refund(ctx context.Context, paymentID, amount string) error {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentID),
	}
	params.Context = ctx
	if amount != "" {
		v, ok := money.Parse(amount)
		if !ok {
			return &Error{Provider: "stripe", Code: "invalid_amount", Err: errors.New("unparseable amount")}
		}
		params.Amount = stripe.Int64(v.Int64())
	}

	if _, err := s.api.Refunds.New(params); err != nil {
		// A fully refunded charge refunding again is a replay, not a failure.
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return nil
		}
		return s.wrap("refund_failed", err)
	}
	return nil
}

// wrap classifies a Stripe error: 5xx and rate limits are transient,
// everything else is permanent.
func (s *StripeClient) wrap(code string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		transient := se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429
		return &Error{Provider: "stripe", Code: code, Transient: transient, Err: err}
	}
	// Network-level failure without an API response — assume transient.
	return &Error{Provider: "stripe", Code: code, Transient: true, Err: err}
}
