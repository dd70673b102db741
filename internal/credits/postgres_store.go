package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists credit balances and transactions in PostgreSQL.
// Balance mutations and their transaction rows commit atomically.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM credit_balances
		WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.TotalIn, &bal.TotalOut, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		bal.Available, bal.TotalIn, bal.TotalOut = "0.00", "0.00", "0.00"
		return bal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

func (s *PostgresStore) Credit(ctx context.Context, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, available, total_in, total_out, updated_at)
		VALUES ($1, $2, $2, 0, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			available = credit_balances.available + EXCLUDED.available,
			total_in  = credit_balances.total_in + EXCLUDED.available,
			updated_at = NOW()
	`, txn.UserID, txn.Amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if err := insertTxn(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Debit(ctx context.Context, txn *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE credit_balances SET
			available = available - $2,
			total_out = total_out + $2,
			updated_at = NOW()
		WHERE user_id = $1 AND available >= $2
	`, txn.UserID, txn.Amount)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrInsufficientBalance
	}

	if err := insertTxn(ctx, tx, txn); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	txn := &Transaction{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM credit_transactions
		WHERE reference = $1
	`, reference).Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount,
		&txn.Reference, &txn.Description, &txn.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTxnNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, reference, description, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		txn := &Transaction{}
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &txn.Amount,
			&txn.Reference, &txn.Description, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

func insertTxn(ctx context.Context, tx *sql.Tx, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txn.ID, txn.UserID, txn.Type, txn.Amount, txn.Reference, txn.Description, txn.CreatedAt)
	if err != nil {
		// The UNIQUE constraint on reference is the idempotency backstop;
		// the surrounding tx rolls the balance mutation back with it.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, txn.Reference)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}
