// Package provider defines the payment-provider client boundary.
//
// Each provider implements the Client interface; the Router selects one
// by payment method. All calls are synchronous — retry policy belongs to
// the caller, which distinguishes transient failures via *Error.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/sagapay/internal/payment"
)

var ErrNoProvider = errors.New("provider: no client registered for payment method")

// InitiateResult is the provider's response to starting a payment.
type InitiateResult struct {
	PaymentID   string `json:"paymentId"`
	ClientToken string `json:"clientToken,omitempty"` // client secret or approval URL
	Status      string `json:"status"`
}

// ConfirmResult is the provider's response to confirming a payment.
type ConfirmResult struct {
	PaymentID   string `json:"paymentId"`
	Status      string `json:"status"`
	ProviderRef string `json:"providerRef,omitempty"`
}

// Client is a single provider's payment API.
type Client interface {
	Name() string
	Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error)
	Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*ConfirmResult, error)
	Void(ctx context.Context, paymentID string) error
	Refund(ctx context.Context, paymentID, amount string) error
}

// Error wraps a provider failure with retryability classification.
// Transient failures (network, provider 5xx) may be retried within the
// step budget; everything else is permanent.
type Error struct {
	Provider  string
	Code      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// Router selects a provider client by payment method. Constructed once at
// startup and passed by reference — no hidden singleton.
type Router struct {
	clients map[payment.Method]Client
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{clients: make(map[payment.Method]Client)}
}

// Register binds a client to a payment method.
func (r *Router) Register(method payment.Method, client Client) {
	r.clients[method] = client
}

// For returns the client for a payment method.
func (r *Router) For(method payment.Method) (Client, error) {
	if c, ok := r.clients[method]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, method)
}

// ByName returns the client with the given provider name.
func (r *Router) ByName(name string) (Client, error) {
	for _, c := range r.clients {
		if c.Name() == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, name)
}
