// Package scheduler runs coordinator cycles on a fixed period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jobagent/jobagent/internal/coordinator"
)

// Cycler runs one lifecycle cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (*coordinator.Report, error)
}

// Loop runs cycles strictly one after another.
type Loop struct {
	cycler Cycler
	period time.Duration
	logger *slog.Logger
}

// New returns a Loop running c every period.
func New(c Cycler, period time.Duration, logger *slog.Logger) (*Loop, error) {
	if period <= 0 {
		return nil, fmt.Errorf("cycle period must be positive, got %s", period)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cycler: c, period: period, logger: logger}, nil
}

// Run runs one cycle immediately and then one per period until ctx is
// cancelled. A cycle in flight when ctx is cancelled runs to completion.
// A failed or panicking cycle is logged and the loop continues.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("scheduler started", "period", l.period)
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		l.runOnce(ctx)
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	// Stopping is only honored between cycles.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	rep, err := l.cycler.RunCycle(ctx)
	switch {
	case errors.Is(err, coordinator.ErrCycleInProgress):
		l.logger.Warn("previous cycle still running; skipping")
	case err != nil:
		attrs := []any{"error", err}
		if rep != nil {
			attrs = append(attrs, "cycle_id", rep.CycleID)
		}
		l.logger.Error("cycle failed", attrs...)
	}
}
