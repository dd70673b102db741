package provider

import (
	"context"
	"errors"

	"github.com/mbd888/sagapay/internal/circuitbreaker"
	"github.com/mbd888/sagapay/internal/payment"
)

// ErrCircuitOpen is returned while a provider's breaker is open.
var ErrCircuitOpen = errors.New("provider: circuit open")

// breakerClient wraps a Client with a circuit breaker keyed by provider
// name. While the circuit is open, calls fail fast with a transient
// error so the step's retry budget is consumed slowly instead of
// hammering a struggling provider.
type breakerClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps client with the given breaker.
func WithBreaker(client Client, breaker *circuitbreaker.Breaker) Client {
	return &breakerClient{inner: client, breaker: breaker}
}

func (b *breakerClient) Name() string { return b.inner.Name() }

func (b *breakerClient) Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error) {
	if !b.breaker.Allow(b.Name()) {
		return nil, b.openErr()
	}
	res, err := b.inner.Initiate(ctx, req)
	b.record(err)
	return res, err
}

func (b *breakerClient) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*ConfirmResult, error) {
	if !b.breaker.Allow(b.Name()) {
		return nil, b.openErr()
	}
	res, err := b.inner.Confirm(ctx, paymentID, confirmation)
	b.record(err)
	return res, err
}

func (b *breakerClient) Void(ctx context.Context, paymentID string) error {
	if !b.breaker.Allow(b.Name()) {
		return b.openErr()
	}
	err := b.inner.Void(ctx, paymentID)
	b.record(err)
	return err
}

func (b *breakerClient) Refund(ctx context.Context, paymentID, amount string) error {
	if !b.breaker.Allow(b.Name()) {
		return b.openErr()
	}
	err := b.inner.Refund(ctx, paymentID, amount)
	b.record(err)
	return err
}

func (b *breakerClient) openErr() error {
	return &Error{Provider: b.Name(), Code: "circuit_open", Transient: true, Err: ErrCircuitOpen}
}

// record feeds the breaker. Only transient failures count against the
// circuit: a declined card says nothing about provider health.
func (b *breakerClient) record(err error) {
	switch {
	case err == nil:
		b.breaker.RecordSuccess(b.Name())
	case IsTransient(err):
		b.breaker.RecordFailure(b.Name())
	}
}
