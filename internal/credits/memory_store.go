package credits

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/sagapay/internal/money"
)

// MemoryStore is an in-memory credit store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	txns     []*Transaction
	byRef    map[string]*Transaction
}

// NewMemoryStore creates a new in-memory credit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		byRef:    make(map[string]*Transaction),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Available: "0.00",
		TotalIn:   "0.00",
		TotalOut:  "0.00",
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkReference(txn); err != nil {
		return err
	}

	bal := m.balance(txn.UserID)
	avail, _ := money.Parse(bal.Available)
	in, _ := money.Parse(bal.TotalIn)
	amount, _ := money.Parse(txn.Amount)

	bal.Available = money.Format(new(big.Int).Add(avail, amount))
	bal.TotalIn = money.Format(new(big.Int).Add(in, amount))
	bal.UpdatedAt = time.Now()

	m.record(txn)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, txn *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkReference(txn); err != nil {
		return err
	}

	bal := m.balance(txn.UserID)
	avail, _ := money.Parse(bal.Available)
	out, _ := money.Parse(bal.TotalOut)
	amount, _ := money.Parse(txn.Amount)

	if avail.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}

	bal.Available = money.Format(new(big.Int).Sub(avail, amount))
	bal.TotalOut = money.Format(new(big.Int).Add(out, amount))
	bal.UpdatedAt = time.Now()

	m.record(txn)
	return nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if txn, ok := m.byRef[reference]; ok {
		cp := *txn
		return &cp, nil
	}
	return nil, ErrTxnNotFound
}

func (m *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.txns {
		if txn.UserID == userID {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// balance returns the stored balance for a user, creating it if needed.
// Caller holds the lock.
func (m *MemoryStore) balance(userID string) *Balance {
	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{
			UserID:    userID,
			Available: "0.00",
			TotalIn:   "0.00",
			TotalOut:  "0.00",
		}
		m.balances[userID] = bal
	}
	return bal
}

// checkReference rejects a transaction whose reference already landed,
// mirroring the UNIQUE constraint on the postgres table. Caller holds
// the lock, so the check and the balance mutation are one atomic step.
func (m *MemoryStore) checkReference(txn *Transaction) error {
	if txn.Reference == "" {
		return nil
	}
	if _, ok := m.byRef[txn.Reference]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.Reference)
	}
	return nil
}

// record stores the transaction. Caller holds the lock.
func (m *MemoryStore) record(txn *Transaction) {
	cp := *txn
	m.txns = append(m.txns, &cp)
	if txn.Reference != "" {
		m.byRef[txn.Reference] = &cp
	}
}
