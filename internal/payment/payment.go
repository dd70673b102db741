// Package payment defines the shared payment request and result types
// exchanged between the risk validator, the saga orchestrator, and the
// provider clients.
package payment

import (
	"errors"
	"time"
)

var (
	ErrExpired       = errors.New("payment: request expired")
	ErrUnknownMethod = errors.New("payment: unknown payment method")
)

// Method identifies how the payment settles.
type Method string

const (
	MethodCreditCard Method = "credit_card"
	MethodPayPal     Method = "paypal"
	MethodUSDC       Method = "usdc" // web3 settlement
)

// Valid reports whether m is a known payment method.
func (m Method) Valid() bool {
	switch m {
	case MethodCreditCard, MethodPayPal, MethodUSDC:
		return true
	}
	return false
}

// RiskMetadata carries client-side signals used by the risk validator.
type RiskMetadata struct {
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	IPAddress         string    `json:"ipAddress,omitempty"`
	AccountCreatedAt  time.Time `json:"accountCreatedAt,omitempty"`
}

// Request is a validated payment submission. Immutable once it passes
// validation — the orchestrator copies what it needs into the saga.
type Request struct {
	ID             string       `json:"id"`
	CorrelationID  string       `json:"correlationId,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey"`
	UserID         string       `json:"userId"`
	Amount         string       `json:"amount"`
	Currency       string       `json:"currency"`
	CreditAmount   string       `json:"creditAmount"`
	Method         Method       `json:"paymentMethod"`
	Risk           RiskMetadata `json:"riskMetadata,omitempty"`
	ExpiresAt      time.Time    `json:"expiresAt,omitempty"`
}

// Expired reports whether the request is past its expiry timestamp.
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Result is the caller-facing outcome of ProcessPayment.
type Result struct {
	Status      string   `json:"status"`
	SagaID      string   `json:"sagaId,omitempty"`
	PaymentID   string   `json:"paymentId,omitempty"`
	ClientToken string   `json:"clientToken,omitempty"` // client secret or approval URL
	Errors      []string `json:"errors,omitempty"`
	NextSteps   []string `json:"nextSteps,omitempty"`
}
