// Package scheduler provides the recurring timer that drives reminder dispatch.
//
// A Scheduler is an owned object: the process that creates it starts it once
// and stops it on shutdown. Ticks that arrive while the previous run of a
// job is still in flight are skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("scheduler already running")
	// ErrInvalidInterval is returned by Every for non-positive intervals.
	ErrInvalidInterval = errors.New("interval must be positive")
)

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Opts holds configuration for a Scheduler.
type Opts struct {
	Location *time.Location
}

// Option configures a Scheduler.
type Option func(*Opts)

// WithLocation sets the timezone used to evaluate schedules.
func WithLocation(loc *time.Location) Option {
	return func(o *Opts) { o.Location = loc }
}

// Scheduler runs jobs on fixed intervals.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a stopped scheduler.
func New(opts ...Option) *Scheduler {
	cfg := Opts{Location: time.Local}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := slogLogger{}
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// Every registers job to run once per interval.
func (s *Scheduler) Every(interval time.Duration, job func()) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(job))
	slog.Debug("Scheduler.Every: job registered", "interval", interval)
	return nil
}

// Start begins running registered jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	s.cron.Start()
	s.running = true
	slog.Info("Scheduler.Start: scheduler started", "jobs", len(s.cron.Entries()))
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish or for ctx
// to be done. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.cron.Stop()
	s.mu.Unlock()

	select {
	case <-done.Done():
		slog.Info("Scheduler.Stop: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running jobs: %w", ctx.Err())
	}
}

// Running reports whether the scheduler has been started and not stopped.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
