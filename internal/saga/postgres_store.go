package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sagapay/internal/payment"
)

// PostgresStore persists sagas in PostgreSQL. Steps and the
// compensation plan are owned by the saga and stored as JSONB documents
// on the aggregate row; Update is compare-and-swap on version.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed saga store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sagaColumns = `id, payment_id, user_id, correlation_id, idempotency_key,
	amount, currency, credit_amount, method, status, reason,
	steps, compensation_plan, version, created_at, updated_at, expires_at`

func (s *PostgresStore) Create(ctx context.Context, sg *Saga) error {
	steps, plan, err := marshalPlans(sg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sagas (`+sagaColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		sg.ID, nullable(sg.PaymentID), sg.UserID, nullable(sg.CorrelationID), sg.IdempotencyKey,
		sg.Amount, sg.Currency, sg.CreditAmount, string(sg.Method), string(sg.Status), nullable(sg.Reason),
		steps, plan, sg.Version, sg.CreatedAt, sg.UpdatedAt, sg.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Saga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas WHERE id = $1
	`, id)
	return scanSaga(row)
}

func (s *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Saga, error) {
	if paymentID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas WHERE payment_id = $1
	`, paymentID)
	return scanSaga(row)
}

func (s *PostgresStore) Update(ctx context.Context, sg *Saga) error {
	steps, plan, err := marshalPlans(sg)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sagas
		SET payment_id = $1, status = $2, reason = $3,
			steps = $4, compensation_plan = $5,
			version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`,
		nullable(sg.PaymentID), string(sg.Status), nullable(sg.Reason),
		steps, plan, sg.UpdatedAt, sg.ID, sg.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		// Either the saga is gone or someone advanced it first.
		if _, gerr := s.Get(ctx, sg.ID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	sg.Version++
	return nil
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Saga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas
		WHERE expires_at < $1 AND status NOT IN ($2, $3)
		ORDER BY created_at
		LIMIT $4
	`, now, string(StatusCompleted), string(StatusCompensated), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sagas: %w", err)
	}
	return scanSagas(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Saga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sagaColumns+` FROM sagas
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas by status: %w", err)
	}
	return scanSagas(rows)
}

func marshalPlans(sg *Saga) ([]byte, []byte, error) {
	steps, err := json.Marshal(sg.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal steps: %w", err)
	}
	plan, err := json.Marshal(sg.CompensationPlan)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal compensation plan: %w", err)
	}
	return steps, plan, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*Saga, error) {
	var sg Saga
	var paymentID, correlationID, reason sql.NullString
	var method, status string
	var steps, plan []byte

	err := row.Scan(
		&sg.ID, &paymentID, &sg.UserID, &correlationID, &sg.IdempotencyKey,
		&sg.Amount, &sg.Currency, &sg.CreditAmount, &method, &status, &reason,
		&steps, &plan, &sg.Version, &sg.CreatedAt, &sg.UpdatedAt, &sg.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan saga: %w", err)
	}

	sg.PaymentID = paymentID.String
	sg.CorrelationID = correlationID.String
	sg.Reason = reason.String
	sg.Method = payment.Method(method)
	sg.Status = Status(status)
	if err := json.Unmarshal(steps, &sg.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if err := json.Unmarshal(plan, &sg.CompensationPlan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation plan: %w", err)
	}
	return &sg, nil
}

func scanSagas(rows *sql.Rows) ([]*Saga, error) {
	defer func() { _ = rows.Close() }()
	var result []*Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sg)
	}
	return result, rows.Err()
}
