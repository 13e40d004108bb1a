// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/breaker"
	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/events"
	"github.com/flyingrobots/taskqueue/internal/joblog"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/ratelimit"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

// ProgressFunc reports fractional completion back to observers of the job.
type ProgressFunc func(progress float64)

// Processor is user code. A non-nil error fails the job (moveToFailed,
// with retry governed by Worker.MaxAttempts/Backoff); the returned bytes
// become the job's return value on success.
type Processor func(ctx context.Context, job *queue.Job, report ProgressFunc) ([]byte, error)

// emptyPollInterval bounds how long a slot sleeps after finding the queue
// empty before checking again; the events subscription wakes it sooner
// whenever something is added, resumed, or promoted.
const emptyPollInterval = 500 * time.Millisecond

// Worker runs Concurrency independent processing slots against one queue.
// Each slot is: dequeue via moveToActive, run Processor under a renewed
// lock, report the outcome via moveToCompleted/moveToFailed. A shared
// circuit breaker gates dequeue attempts on backing-store health, not on
// individual job outcomes — a processor returning errors for legitimate
// business reasons should not trip it.
type Worker struct {
	cfg  *config.Config
	rdb  *redis.Client
	lib  *scripts.Library
	keys queue.Keys
	log  *zap.Logger
	cb   *breaker.CircuitBreaker
	proc Processor

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// New builds a Worker bound to one named queue, running proc for every job
// it dequeues.
func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger, proc Processor) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Worker{
		cfg:    cfg,
		rdb:    rdb,
		lib:    scripts.New(rdb),
		keys:   queue.NewKeys(cfg.Queue.Prefix, cfg.Queue.Name),
		log:    log,
		cb:     cb,
		proc:   proc,
		wakeCh: make(chan struct{}),
	}
}

func (w *Worker) broadcastWake() {
	w.wakeMu.Lock()
	close(w.wakeCh)
	w.wakeCh = make(chan struct{})
	w.wakeMu.Unlock()
}

func (w *Worker) waitForWake(timeout time.Duration) {
	w.wakeMu.Lock()
	ch := w.wakeCh
	w.wakeMu.Unlock()
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// Run blocks until ctx is canceled, then waits up to Worker.DrainTimeout for
// in-flight jobs to finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	sub := events.Subscribe(ctx, w.rdb, w.keys)
	defer sub.Close()
	go func() {
		for range sub.Channel() {
			w.broadcastWake()
		}
	}()

	go w.reportBreakerState(ctx)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runSlot(ctx)
		}()
	}
	slotsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(slotsDone)
	}()
	select {
	case <-slotsDone:
	case <-ctx.Done():
		select {
		case <-slotsDone:
		case <-time.After(w.cfg.Worker.DrainTimeout):
			w.log.Warn("drain timeout elapsed with jobs still in flight")
		}
	}
	return nil
}

func (w *Worker) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			switch w.cb.State() {
			case breaker.Closed:
				obs.CircuitBreakerState.Set(0)
			case breaker.HalfOpen:
				obs.CircuitBreakerState.Set(1)
			case breaker.Open:
				obs.CircuitBreakerState.Set(2)
			}
		}
	}
}

func (w *Worker) runSlot(ctx context.Context) {
	limiter := ratelimit.Config{
		Max:         w.cfg.Worker.Limiter.Max,
		Duration:    w.cfg.Worker.Limiter.Duration,
		GroupKey:    w.cfg.Worker.Limiter.GroupKey,
		WorkerDelay: w.cfg.Worker.Limiter.WorkerDelay,
	}

	for ctx.Err() == nil {
		if !w.cb.Allow() {
			w.waitForWake(w.cfg.Worker.StalledInterval)
			continue
		}

		token := uuid.NewString()
		res, err := w.lib.MoveToActive(ctx, w.keys, token, w.cfg.Worker.LockDuration, limiter)
		if err != nil {
			if err == queue.ErrQueuePaused {
				w.waitForWake(emptyPollInterval)
				continue
			}
			w.log.Warn("moveToActive failed", zap.Error(err))
			w.cb.Record(false)
			w.waitForWake(emptyPollInterval)
			continue
		}
		if res == nil {
			w.waitForWake(emptyPollInterval)
			continue
		}
		if res.Job == nil {
			// rate-limited: honor the suggested delay (or the queue-level
			// policy of sleeping locally) before asking again.
			if limiter.WorkerDelay {
				obs.RateLimited.Inc()
				select {
				case <-ctx.Done():
					return
				case <-time.After(res.RetryAfter):
				}
			} else {
				obs.RateLimited.Inc()
				w.waitForWake(emptyPollInterval)
			}
			continue
		}

		w.cb.Record(true)
		start := time.Now()
		w.processJob(ctx, res.Job, token)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job, token string) {
	lockCtx, cancelRenewal := context.WithCancel(ctx)
	defer cancelRenewal()
	go w.renewLock(lockCtx, job.ID, token)

	spanCtx, span := obs.ContextWithJobSpan(ctx, *job)
	defer span.End()

	report := func(p float64) {
		if err := w.lib.UpdateProgress(spanCtx, w.keys, job.ID, p); err != nil {
			w.log.Warn("updateProgress failed", zap.String("id", job.ID), zap.Error(err))
		}
	}

	returnValue, procErr := w.proc(spanCtx, job, report)
	cancelRenewal()

	if procErr == nil {
		obs.SetSpanSuccess(spanCtx)
		removeOn := resolveRemovePolicy(job.Opts.RemoveOnComplete, w.cfg.Producer.RemoveOnCompleteCount)
		if err := w.lib.MoveToCompleted(ctx, w.keys, job.ID, returnValue, token, removeOn); err != nil {
			w.log.Error("moveToCompleted failed", zap.String("id", job.ID), zap.Error(err))
			return
		}
		obs.JobsCompleted.Inc()
		w.log.Info("job completed", zap.String("id", job.ID), zap.String("name", job.Name))
		return
	}

	obs.RecordError(spanCtx, procErr)
	reason := procErr.Error()
	if upe, ok := procErr.(*queue.UserProcessorError); ok {
		reason = upe.Reason
		for _, line := range upe.Stacktrace {
			if err := joblog.Append(ctx, w.rdb, w.keys, job.ID, line); err != nil {
				w.log.Warn("joblog append failed", zap.String("id", job.ID), zap.Error(err))
			}
		}
	}

	removeOn := resolveRemovePolicy(job.Opts.RemoveOnFail, w.cfg.Producer.RemoveOnFailCount)
	retried, err := w.lib.MoveToFailed(ctx, w.keys, job.ID, reason, token, removeOn, resolveMaxAttempts(w.cfg, job), w.backoffFor())
	if err != nil {
		w.log.Error("moveToFailed failed", zap.String("id", job.ID), zap.Error(err))
		return
	}
	if retried {
		obs.JobsRetried.Inc()
		w.log.Warn("job retry scheduled", zap.String("id", job.ID), zap.String("reason", reason))
		return
	}
	obs.JobsFailed.Inc()
	w.log.Error("job failed", zap.String("id", job.ID), zap.String("reason", reason))
}

// resolveRemovePolicy merges a job's explicit retention override with the
// queue's configured default. A per-job policy (Opts.RemoveOnComplete or
// Opts.RemoveOnFail) wins when set; otherwise the job keeps the default
// retention count (0 meaning keep forever).
func resolveRemovePolicy(jobPolicy queue.RemovePolicy, defaultCount int64) queue.RemovePolicy {
	if jobPolicy.Enabled {
		return jobPolicy
	}
	return queue.RemovePolicy{Count: defaultCount}
}

func resolveMaxAttempts(cfg *config.Config, job *queue.Job) int {
	if job.Opts.Attempts > 0 {
		return job.Opts.Attempts
	}
	return cfg.Worker.MaxAttempts
}

func (w *Worker) backoffFor() queue.Backoff {
	return queue.Backoff{Type: queue.BackoffType(w.cfg.Worker.Backoff.Type), Delay: w.cfg.Worker.Backoff.Base}
}

func (w *Worker) renewLock(ctx context.Context, jobID, token string) {
	ticker := time.NewTicker(w.cfg.Worker.LockRenewTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.lib.ExtendLock(ctx, w.keys, jobID, token, w.cfg.Worker.LockDuration)
			if err != nil {
				w.log.Warn("extendLock error", zap.String("id", jobID), zap.Error(err))
				continue
			}
			if !ok {
				obs.LockExtendFailures.Inc()
				w.log.Warn("lost lock ownership, another worker may recover this job", zap.String("id", jobID))
				return
			}
		}
	}
}
