package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer is given a non-positive interval.
const DefaultInterval = 10 * time.Minute

// Timer runs the reconciliation checks on a fixed interval and keeps the
// latest report for the admin endpoint.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	running  atomic.Bool

	last     atomic.Pointer[Report]
	failures atomic.Int64 // consecutive unhealthy runs
}

func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger.With("component", "reconciliation"),
		quit:     make(chan struct{}),
	}
}

func (t *Timer) Running() bool { return t.running.Load() }

// Last returns the most recent scheduled report, or nil before the first run.
func (t *Timer) Last() *Report { return t.last.Load() }

// Failures is the number of consecutive runs that were not healthy.
func (t *Timer) Failures() int { return int(t.failures.Load()) }

// Start blocks until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	tick := time.NewTicker(t.interval)
	defer tick.Stop()

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.quit:
			return
		case <-tick.C:
			t.safeRun(ctx)
		}
	}
}

// Stop is safe to call more than once.
func (t *Timer) Stop() {
	t.quitOnce.Do(func() { close(t.quit) })
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("reconciliation run panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if report != nil {
		t.last.Store(report)
	}
	if err == nil && report != nil && report.Healthy {
		t.failures.Store(0)
		return
	}
	n := t.failures.Add(1)
	t.logger.Warn("reconciliation unhealthy", "consecutive", n, "error", err)
}
