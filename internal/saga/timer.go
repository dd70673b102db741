package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for stuck and expired sagas.
type Timer struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

// NewTimer creates a recovery sweep timer.
func NewTimer(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger,
		stop:         make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in saga sweep", "panic", fmt.Sprint(r))
		}
	}()

	recovered, compensated, err := t.orchestrator.RecoverStuckSagas(ctx)
	if err != nil {
		t.logger.Warn("saga sweep failed", "error", err)
		return
	}
	if recovered > 0 || compensated > 0 {
		t.logger.Info("saga sweep finished",
			"recovered", recovered, "forceCompensated", compensated)
	}
}
