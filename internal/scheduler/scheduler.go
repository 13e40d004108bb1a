// Copyright 2025 James Ross
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/repeat"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

// Config drives the two recurring sweeps a Scheduler performs.
type Config struct {
	// StalledInterval is both the CAS window for moveStalledJobs and the
	// sweep's own polling period: a scheduler wakes at this cadence, and the
	// script itself refuses to do real work twice in the same window even if
	// several scheduler instances are running.
	StalledInterval time.Duration
	// MaxStalledCount bounds how many times a job may be recovered from a
	// stalled active slot before it is failed permanently.
	MaxStalledCount int64
	// DelayedPollInterval bounds how long promoteDelayed ever sleeps even
	// with no known next-due delayed job (a safety net against a missed
	// wake-up notification).
	DelayedPollInterval time.Duration
	// PromoteBatch caps how many delayed jobs one promoteDelayed call moves.
	PromoteBatch int64
}

func (c Config) withDefaults() Config {
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalledCount <= 0 {
		c.MaxStalledCount = 1
	}
	if c.DelayedPollInterval <= 0 {
		c.DelayedPollInterval = 5 * time.Second
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 1000
	}
	return c
}

// Scheduler runs the delayed-job promotion loop, the stalled-job recovery
// sweep, and (when repeatMgr is set) repeat-job production, each on its own
// goroutine. Any number of Scheduler instances may run against the same
// queue concurrently; moveStalledJobs' CAS and promoteDelayed's idempotent
// ZRANGEBYSCORE+ZREM keep duplicate sweeps harmless.
type Scheduler struct {
	lib       *scripts.Library
	keys      queue.Keys
	cfg       Config
	logger    *zap.Logger
	repeatMgr *repeat.Manager
}

// New builds a Scheduler. repeatMgr may be nil if the queue has no
// registered repeat jobs.
func New(lib *scripts.Library, keys queue.Keys, cfg Config, logger *zap.Logger, repeatMgr *repeat.Manager) *Scheduler {
	return &Scheduler{lib: lib, keys: keys, cfg: cfg.withDefaults(), logger: logger, repeatMgr: repeatMgr}
}

// Run blocks until ctx is canceled, driving all sweeps concurrently.
func (s *Scheduler) Run(ctx context.Context) {
	done := make(chan struct{}, 3)
	go func() { s.runDelayedLoop(ctx); done <- struct{}{} }()
	go func() { s.runStalledLoop(ctx); done <- struct{}{} }()
	go func() { s.runRepeatLoop(ctx); done <- struct{}{} }()
	for i := 0; i < 3; i++ {
		<-done
	}
}

func (s *Scheduler) runDelayedLoop(ctx context.Context) {
	sleep := s.cfg.DelayedPollInterval
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			n, nextDue, err := s.lib.PromoteDelayed(ctx, s.keys, s.cfg.PromoteBatch)
			if err != nil {
				s.logger.Warn("promoteDelayed failed", zap.Error(err))
				timer.Reset(s.cfg.DelayedPollInterval)
				continue
			}
			if n > 0 {
				obs.DelayedPromoted.Add(float64(n))
			}
			timer.Reset(nextSleep(nextDue, s.cfg.DelayedPollInterval))
		}
	}
}

func nextSleep(nextDueMs int64, maxSleep time.Duration) time.Duration {
	if nextDueMs < 0 {
		return maxSleep
	}
	d := time.Until(time.UnixMilli(nextDueMs))
	if d <= 0 {
		return time.Millisecond
	}
	if d > maxSleep {
		return maxSleep
	}
	return d
}

func (s *Scheduler) runStalledLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, failed, err := s.lib.MoveStalledJobs(ctx, s.keys, s.cfg.StalledInterval, s.cfg.MaxStalledCount)
			if err != nil {
				s.logger.Warn("moveStalledJobs failed", zap.Error(err))
				continue
			}
			if recovered > 0 {
				obs.StalledRecovered.Add(float64(recovered))
				s.logger.Warn("recovered stalled jobs", zap.Int64("count", recovered))
			}
			if failed > 0 {
				obs.StalledExhausted.Add(float64(failed))
				s.logger.Warn("stalled jobs exhausted retries", zap.Int64("count", failed))
			}
		}
	}
}

func (s *Scheduler) runRepeatLoop(ctx context.Context) {
	if s.repeatMgr == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.repeatMgr.Tick(ctx); err != nil {
				s.logger.Warn("repeat tick failed", zap.Error(err))
			}
		}
	}
}
