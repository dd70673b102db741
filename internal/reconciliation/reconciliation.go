// Package reconciliation cross-checks saga outcomes against the credit
// ledger. A completed saga must have its allocation on the ledger; a
// compensated saga whose allocation landed must also have the reversal.
// Anything else is drift that needs operator attention.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sagapay/internal/saga"
)

// LedgerSource answers whether a ledger reference has been applied.
type LedgerSource interface {
	Applied(ctx context.Context, reference string) (bool, error)
}

// Report holds the outcome of one reconciliation run.
type Report struct {
	CheckedSagas       int           `json:"checkedSagas"`
	MissingAllocations []string      `json:"missingAllocations,omitempty"`
	UnreversedCredits  []string      `json:"unreversedCredits,omitempty"`
	Healthy            bool          `json:"healthy"`
	Duration           time.Duration `json:"durationMs"`
	Timestamp          time.Time     `json:"timestamp"`
}

// Service performs reconciliation between saga state and the ledger.
type Service struct {
	sagas     saga.Store
	ledger    LedgerSource
	logger    *slog.Logger
	scanLimit int
}

// NewService creates a reconciliation service.
func NewService(sagas saga.Store, ledger LedgerSource) *Service {
	return &Service{
		sagas:     sagas,
		ledger:    ledger,
		logger:    slog.Default(),
		scanLimit: 500,
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithScanLimit caps how many sagas per status a single run examines.
func (s *Service) WithScanLimit(n int) *Service {
	if n > 0 {
		s.scanLimit = n
	}
	return s
}

// Run checks completed sagas for missing allocations and compensated
// sagas for allocations that were never reversed.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{Timestamp: start.UTC()}

	completed, err := s.sagas.ListByStatus(ctx, saga.StatusCompleted, s.scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list completed sagas: %w", err)
	}
	for _, sg := range completed {
		report.CheckedSagas++
		ref, ok := allocationRef(sg)
		if !ok {
			continue
		}
		applied, err := s.ledger.Applied(ctx, ref)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to check allocation %s: %w", ref, err)
		}
		if !applied {
			report.MissingAllocations = append(report.MissingAllocations, sg.ID)
		}
	}

	compensated, err := s.sagas.ListByStatus(ctx, saga.StatusCompensated, s.scanLimit)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to list compensated sagas: %w", err)
	}
	for _, sg := range compensated {
		report.CheckedSagas++
		ref, ok := allocationRef(sg)
		if !ok {
			continue
		}
		applied, err := s.ledger.Applied(ctx, ref)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to check allocation %s: %w", ref, err)
		}
		if !applied {
			// Allocation never landed, nothing to reverse.
			continue
		}
		reversed, err := s.ledger.Applied(ctx, ref+":reversal")
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to check reversal %s: %w", ref, err)
		}
		if !reversed {
			report.UnreversedCredits = append(report.UnreversedCredits, sg.ID)
		}
	}

	report.Healthy = len(report.MissingAllocations) == 0 && len(report.UnreversedCredits) == 0
	report.Duration = time.Since(start) / time.Millisecond

	reconcileMissingAllocations.Set(float64(len(report.MissingAllocations)))
	reconcileUnreversedCredits.Set(float64(len(report.UnreversedCredits)))
	reconcileDuration.Observe(time.Since(start).Seconds())

	if !report.Healthy {
		s.logger.Warn("reconciliation found drift",
			"missing_allocations", len(report.MissingAllocations),
			"unreversed_credits", len(report.UnreversedCredits))
	}
	return report, nil
}

// allocationRef rebuilds the ledger reference the allocate step uses.
func allocationRef(sg *saga.Saga) (string, bool) {
	step := sg.StepByName(saga.StepAllocateCredits)
	if step == nil {
		return "", false
	}
	return sg.ID + ":" + step.ID, true
}
