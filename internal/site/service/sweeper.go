package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Sweeper periodically evicts idle sites and runs their event expiry.
type Sweeper struct {
	tracker  *Tracker
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// SweeperOption configures Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval overrides the sweep interval when greater than zero.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweeperClock(clk clock.Clock) SweeperOption {
	return func(s *Sweeper) {
		if clk != nil {
			s.clock = clk
		}
	}
}

func NewSweeper(tracker *Tracker, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		tracker:  tracker,
		interval: time.Second,
		clock:    clock.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start sweeps periodically until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Resident int
	Evicted  int
}

// RunOnce performs a single sweep over the resident sites.
func (s *Sweeper) RunOnce(ctx context.Context) SweepResult {
	evicted := s.tracker.Sweep(ctx)
	res := SweepResult{Resident: len(s.tracker.Sites()), Evicted: evicted}
	if evicted > 0 {
		s.logger.DebugContext(ctx, "site sweep", "resident", res.Resident, "evicted", res.Evicted)
	}
	return res
}
