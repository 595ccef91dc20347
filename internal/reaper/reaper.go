// Package reaper periodically evicts connections that died without telling
// the registry.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is implemented by the connection registry.
type Sweeper interface {
	Sweep() int
}

// Observer records how many connections each sweep removed.
type Observer interface {
	Reaped(n int)
}

type Reaper struct {
	sweeper  Sweeper
	observer Observer
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
}

func New(s Sweeper, obs Observer, interval time.Duration, logger *slog.Logger) (*Reaper, error) {
	if interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	r := &Reaper{
		sweeper:  s,
		observer: obs,
		interval: interval,
		logger:   logger.With(slog.String("component", "reaper")),
		// a slow sweep never overlaps the next tick
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { r.SweepOnce() }); err != nil {
		return nil, fmt.Errorf("failed to schedule sweep: %w", err)
	}
	return r, nil
}

// SweepOnce runs a single pass and returns the number of evicted connections.
func (r *Reaper) SweepOnce() int {
	n := r.sweeper.Sweep()
	if n > 0 {
		r.logger.Info("Reaped dead connections", slog.Int("count", n))
	} else {
		r.logger.Debug("Sweep found nothing to reap")
	}
	if r.observer != nil {
		r.observer.Reaped(n)
	}
	return n
}

// Start begins the schedule in the background.
func (r *Reaper) Start() {
	r.logger.Info("Reaper started", slog.Duration("interval", r.interval))
	r.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (r *Reaper) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		r.logger.Info("Reaper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
