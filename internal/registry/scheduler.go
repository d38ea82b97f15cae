package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler refreshes a Registry on a fixed interval, on top of the lazy
// TTL refresh done by readers.
type Scheduler struct {
	registry *Registry
	interval time.Duration
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler that refreshes reg every interval.
func NewScheduler(reg *Registry, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: reg,
		interval: interval,
		// A refresh that overruns the interval makes the next tick skip
		// rather than pile up.
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger.With(zap.String("component", "registry.scheduler")),
	}
}

// Start schedules the refresh job. The scheduler stops by itself when ctx
// is cancelled. Jobs run under ctx, so cancelling it also aborts a refresh
// in flight, which then leaves the current snapshot in place. A
// non-positive interval disables scheduling.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info("periodic model refresh disabled")
		return nil
	}
	if s.running {
		return nil
	}

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling model refresh: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("periodic model refresh scheduled", zap.Duration("interval", s.interval))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	snap := s.registry.refreshBound(ctx)
	s.logger.Debug("scheduled refresh finished", zap.Int("models", snap.Len()))
}

// Stop stops the cron and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("periodic model refresh stopped")
}

// Running reports whether the job is scheduled.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
