// Package credits tracks per-user credit balances.
//
// Flow:
//  1. A payment saga completes its confirm step
//  2. The allocate-credits step credits the user's balance
//  3. Compensation deducts previously allocated credits
//
// Every mutation carries a caller-supplied reference ("sagaId:stepId");
// a reference that was already applied is a no-op returning the original
// transaction, which is what makes compensation retries safe.
package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sagapay/internal/idgen"
	"github.com/mbd888/sagapay/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("credits: insufficient balance")
	ErrInvalidAmount       = errors.New("credits: invalid amount")
	ErrTxnNotFound         = errors.New("credits: transaction not found")
	ErrDuplicateReference  = errors.New("credits: reference already applied")
)

// Transaction records a single balance mutation.
type Transaction struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"` // allocate, deduct
	Amount      string    `json:"amount"`
	Reference   string    `json:"reference"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance represents a user's credit balance.
type Balance struct {
	UserID    string    `json:"userId"`
	Available string    `json:"available"`
	TotalIn   string    `json:"totalIn"`
	TotalOut  string    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists credit balances and transactions. Credit and Debit
// enforce reference uniqueness atomically with the balance mutation,
// returning ErrDuplicateReference when the reference already landed;
// the fast-path FindByReference check in Ledger cannot be relied on
// under concurrency.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Credit(ctx context.Context, txn *Transaction) error
	Debit(ctx context.Context, txn *Transaction) error
	FindByReference(ctx context.Context, reference string) (*Transaction, error)
	History(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// Ledger manages user credit balances.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new credit ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (l *Ledger) WithLogger(lg *slog.Logger) *Ledger {
	l.logger = lg
	return l
}

// Allocate credits a user's balance. Idempotent by reference: if the
// reference was already applied, the original transaction is returned
// and the balance is untouched.
func (l *Ledger) Allocate(ctx context.Context, userID, amount, reference string) (*Transaction, error) {
	amountBig, ok := money.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, err := l.store.FindByReference(ctx, reference); err == nil {
		l.logger.Debug("allocate replay, returning prior transaction",
			"user", userID, "reference", reference)
		return existing, nil
	} else if !errors.Is(err, ErrTxnNotFound) {
		return nil, err
	}

	txn := &Transaction{
		ID:          idgen.WithPrefix("ctx_"),
		UserID:      userID,
		Type:        "allocate",
		Amount:      amount,
		Reference:   reference,
		Description: "saga credit allocation",
		CreatedAt:   time.Now(),
	}
	if err := l.store.Credit(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			// Lost the race to a concurrent replay. The winner's
			// transaction is the canonical one.
			return l.store.FindByReference(ctx, reference)
		}
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}
	return txn, nil
}

// Deduct debits a user's balance, reversing a prior allocation. Idempotent
// by reference. A balance below the deduction amount is an error — the
// caller (compensation) surfaces it for operator attention rather than
// clamping silently.
func (l *Ledger) Deduct(ctx context.Context, userID, amount, reference string) (*Transaction, error) {
	amountBig, ok := money.Parse(amount)
	if !ok || amountBig.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	if existing, err := l.store.FindByReference(ctx, reference); err == nil {
		l.logger.Debug("deduct replay, returning prior transaction",
			"user", userID, "reference", reference)
		return existing, nil
	} else if !errors.Is(err, ErrTxnNotFound) {
		return nil, err
	}

	bal, err := l.store.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if money.Cmp(bal.Available, amount) < 0 {
		return nil, ErrInsufficientBalance
	}

	txn := &Transaction{
		ID:          idgen.WithPrefix("ctx_"),
		UserID:      userID,
		Type:        "deduct",
		Amount:      amount,
		Reference:   reference,
		Description: "saga credit reversal",
		CreatedAt:   time.Now(),
	}
	if err := l.store.Debit(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return l.store.FindByReference(ctx, reference)
		}
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	return txn, nil
}

// Applied reports whether a reference has already been applied to the
// ledger. Compensation uses this to distinguish "allocation happened,
// reverse it" from "allocation never landed, nothing to reverse".
func (l *Ledger) Applied(ctx context.Context, reference string) (bool, error) {
	if _, err := l.store.FindByReference(ctx, reference); err == nil {
		return true, nil
	} else if errors.Is(err, ErrTxnNotFound) {
		return false, nil
	} else {
		return false, err
	}
}

// GetBalance returns a user's current balance.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// History returns recent transactions for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.History(ctx, userID, limit)
}
