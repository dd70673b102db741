// Package admin provides operator-only endpoints for resolving stuck
// payment sagas.
package admin

import "time"

// StuckSaga is a minimal view of a saga that needs operator attention:
// its forward plan is exhausted or its compensation partially failed.
type StuckSaga struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"paymentId,omitempty"`
	UserID    string    `json:"userId"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// RecoveryReport summarizes the results of a recovery sweep.
type RecoveryReport struct {
	Recovered        int           `json:"recovered"`
	ForceCompensated int           `json:"forceCompensated"`
	Duration         time.Duration `json:"durationMs"`
	Timestamp        time.Time     `json:"timestamp"`
}
