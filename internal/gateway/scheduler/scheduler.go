// Package scheduler runs the router's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// KeyResetter clears per-day key state, satisfied by *keypool.Pool
type KeyResetter interface {
	ResetDaily()
}

// Sweeper drops expired cache entries, satisfied by *cache.Cache
type Sweeper interface {
	EvictExpired() int
}

// Config holds the job schedules in cron syntax. An empty schedule
// disables the job.
type Config struct {
	KeyResetSchedule string
	CacheSweepEvery  time.Duration
}

// Scheduler runs the daily key reset and the cache sweep. Both jobs are
// also done lazily on the request path, the schedule only keeps state
// fresh for status reporting and bounds cache memory.
type Scheduler struct {
	keys    KeyResetter
	cache   Sweeper
	config  Config
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *zap.Logger
	running bool
}

// New creates a scheduler. A nil cache disables the sweep.
func New(keys KeyResetter, cache Sweeper, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		keys:   keys,
		cache:  cache,
		config: cfg,
		cron:   cron.New(),
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Start validates the schedules and starts the cron loop. The scheduler
// stops when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	jobs := 0

	if s.config.KeyResetSchedule != "" && s.keys != nil {
		if _, err := cron.ParseStandard(s.config.KeyResetSchedule); err != nil {
			return fmt.Errorf("invalid key reset schedule %q: %w", s.config.KeyResetSchedule, err)
		}
		if _, err := s.cron.AddFunc(s.config.KeyResetSchedule, s.RunKeyReset); err != nil {
			return fmt.Errorf("failed to schedule key reset: %w", err)
		}
		jobs++
	}

	if s.config.CacheSweepEvery > 0 && s.cache != nil {
		spec := "@every " + s.config.CacheSweepEvery.String()
		if _, err := s.cron.AddFunc(spec, s.RunCacheSweep); err != nil {
			return fmt.Errorf("failed to schedule cache sweep: %w", err)
		}
		jobs++
	}

	if jobs == 0 {
		s.logger.Info("no maintenance jobs configured")
		return nil
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("scheduler started",
		zap.String("key_reset_schedule", s.config.KeyResetSchedule),
		zap.Duration("cache_sweep_every", s.config.CacheSweepEvery),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunKeyReset clears exhaustion flags and daily counters
func (s *Scheduler) RunKeyReset() {
	s.keys.ResetDaily()
	s.logger.Info("scheduled key reset completed")
}

// RunCacheSweep evicts expired cache entries
func (s *Scheduler) RunCacheSweep() {
	removed := s.cache.EvictExpired()
	if removed > 0 {
		s.logger.Info("cache sweep completed", zap.Int("evicted", removed))
		return
	}
	s.logger.Debug("cache sweep completed, nothing expired")
}

// Stop stops the scheduler and waits for running jobs to complete
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.logger.Info("scheduler stopped")
	}
}

// IsRunning reports whether the cron loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRuns returns the next run time of each scheduled job
func (s *Scheduler) NextRuns() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}
