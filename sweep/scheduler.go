// Package sweep schedules the eager daily reset of the keyrotor ledger.
//
// Lazy reset already makes every read and commit day-correct, so the
// scheduled sweep only keeps stored counters tidy. It is idempotent and may
// run as often as convenient.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mileusna/crontab"

	"github.com/ineyio/keyrotor"
)

// DefaultTimeout bounds a single sweep run.
const DefaultTimeout = time.Minute

// Sweeper runs one sweep. *keyrotor.Enforcer implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (keyrotor.SweepResult, error)
}

// Scheduler runs a Sweeper on a cron schedule.
type Scheduler struct {
	ctab     *crontab.Crontab
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout sets the per-run timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler. schedule is a five-field cron expression; an
// empty schedule disables periodic runs.
func New(sweeper Sweeper, schedule string, opts ...Option) *Scheduler {
	s := &Scheduler{
		sweeper:  sweeper,
		schedule: schedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run sweeps once, then on every schedule tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.schedule == "" {
		s.logger.Info("sweep schedule disabled")
		<-ctx.Done()
		return nil
	}

	s.ctab = crontab.New()
	if err := s.ctab.AddJob(s.schedule, s.job(ctx)); err != nil {
		s.ctab.Shutdown()
		return fmt.Errorf("keyrotor/sweep: schedule %q: %w", s.schedule, err)
	}
	s.logger.Info("sweep scheduled", "schedule", s.schedule, "timeout", s.timeout.String())

	// execute once on start
	s.RunOnce(ctx)

	<-ctx.Done()
	s.ctab.Shutdown()
	return nil
}

// job returns the scheduled callback. Runs started by it are cancelled
// together with ctx.
func (s *Scheduler) job(ctx context.Context) func() {
	return func() {
		s.RunOnce(ctx)
	}
}

// RunOnce performs a single sweep bounded by the configured timeout.
func (s *Scheduler) RunOnce(ctx context.Context) (keyrotor.SweepResult, error) {
	jobCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.sweeper.Sweep(jobCtx)
	if err != nil {
		s.logger.Error("sweep failed", "day", res.Day, "err", err)
		return res, err
	}
	return res, nil
}
