package webhook

import (
	"context"
	"database/sql"
	"fmt"
)

// EventStore durably records processed events. The (provider, eventId)
// uniqueness constraint doubles as a dedup backstop across restarts,
// when the in-memory cache starts empty.
type EventStore interface {
	// Record persists a processed event. Returns ErrDuplicate if the
	// (provider, eventId) pair was already recorded.
	Record(ctx context.Context, event *Event) error
}

// PostgresEventStore persists processed webhook events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Record(ctx context.Context, event *Event) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, type, payment_id, payload, retry_attempt, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider, event_id) DO NOTHING
	`,
		event.Provider, event.ID, string(event.Type), event.PaymentID,
		[]byte(event.RawPayload), event.RetryAttempt, event.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check record result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, event.Provider, event.ID)
	}
	return nil
}
