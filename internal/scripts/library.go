// Copyright 2025 James Ross
package scripts

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/ratelimit"
)

// Library holds the atomic script set and the client that runs them. Every
// exported method here corresponds to one state-transition contract.
// Outside this type, the producer's Remove, Drain and Clean and the repeat
// manager's schedule set write to a queue's containers with plain commands.
type Library struct {
	rdb *redis.Client

	addJob          *redis.Script
	moveToActive    *redis.Script
	moveToCompleted *redis.Script
	moveToFailed    *redis.Script
	retryJob        *redis.Script
	extendLock      *redis.Script
	updateProgress  *redis.Script
	promoteDelayed  *redis.Script
	moveStalledJobs *redis.Script
	pause           *redis.Script
	resume          *redis.Script
	obliterate      *redis.Script
}

// New builds a Library bound to rdb. Scripts are registered client-side
// (EVALSHA with automatic fallback to EVAL on NOSCRIPT, handled by
// redis.Script.Run) so there is no separate load step against the store.
func New(rdb *redis.Client) *Library {
	return &Library{
		rdb:             rdb,
		addJob:          redis.NewScript(addJobLua),
		moveToActive:    redis.NewScript(moveToActiveLua),
		moveToCompleted: redis.NewScript(moveToCompletedLua),
		moveToFailed:    redis.NewScript(moveToFailedLua),
		retryJob:        redis.NewScript(retryJobLua),
		extendLock:      redis.NewScript(extendLockLua),
		updateProgress:  redis.NewScript(updateProgressLua),
		promoteDelayed:  redis.NewScript(promoteDelayedLua),
		moveStalledJobs: redis.NewScript(moveStalledJobsLua),
		pause:           redis.NewScript(pauseLua),
		resume:          redis.NewScript(resumeLua),
		obliterate:      redis.NewScript(obliterateLua),
	}
}

func boolToFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// deleteImmediately reports whether removeOn requests unconditional removal
// (DEL the job hash) rather than retention in the completed/failed zset,
// optionally trimmed to Count. Only an explicit Enabled policy with no
// retention count means "remove always"; Count > 0 always retains, trimmed.
func deleteImmediately(removeOn queue.RemovePolicy) bool {
	return removeOn.Enabled && removeOn.Count <= 0
}

// AddJob enqueues a job. If job.Opts.JobID is set, the call is idempotent:
// a pre-existing job with that id (optionally suffixed by groupSuffix) is
// left untouched and created reports false. A non-empty groupSuffix is
// appended to the id as ":"+groupSuffix; every caller in this module
// passes an empty suffix.
func (l *Library) AddJob(ctx context.Context, keys queue.Keys, job queue.Job, groupSuffix string) (id string, created bool, err error) {
	optsJSON, err := json.Marshal(job.Opts)
	if err != nil {
		return "", false, err
	}
	now := time.Now().UnixMilli()
	delayMs := job.Opts.Delay.Milliseconds()

	keysArg := []string{
		keys.Wait(), keys.Delayed(), keys.Priority(), keys.ID(), keys.Events(), keys.WaitingChildren(),
	}
	res, err := l.addJob.Run(ctx, l.rdb, keysArg,
		keys.Base(), job.Opts.JobID, job.Name, string(job.Data), string(optsJSON),
		now, job.Opts.Parent, job.Opts.Priority, delayMs, groupSuffix,
		keys.EventsChannel(), eventsStreamMaxLen, boolToFlag(job.Opts.LIFO),
	).Result()
	if err != nil {
		return "", false, &queue.ScriptError{Op: "addJob", Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return "", false, &queue.ScriptError{Op: "addJob", Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	id, _ = reply[0].(string)
	flag, _ := reply[1].(int64)
	return id, flag == 1, nil
}

// eventsStreamMaxLen bounds the capped events stream; it has the same value
// as events.StreamMaxLen.
const eventsStreamMaxLen = 10000

// ActiveResult is what moveToActive hands back: either a job to process, a
// delay to honor before asking again (rate-limited), or neither (queue
// empty or paused, distinguished by the returned error).
type ActiveResult struct {
	Job        *queue.Job
	RetryAfter time.Duration
}

// MoveToActive dequeues the next runnable job, honoring priority order and
// (if limiter.Enabled()) the queue's rate limit. A nil result with a nil
// error means the queue is currently empty.
func (l *Library) MoveToActive(ctx context.Context, keys queue.Keys, token string, lockDuration time.Duration, limiter ratelimit.Config) (*ActiveResult, error) {
	now := time.Now().UnixMilli()
	keysArg := []string{keys.Wait(), keys.Active(), keys.Priority(), keys.Delayed(), keys.Meta(), keys.Events()}

	var limiterMax, limiterDurMs int64
	if limiter.Enabled() {
		limiterMax = limiter.Max
		limiterDurMs = limiter.Duration.Milliseconds()
	}

	res, err := l.moveToActive.Run(ctx, l.rdb, keysArg,
		keys.Base(), token, now, lockDuration.Milliseconds(),
		keys.EventsChannel(), eventsStreamMaxLen,
		limiterMax, limiterDurMs, limiter.GroupKey,
	).Result()
	if err != nil {
		return nil, &queue.ScriptError{Op: "moveToActive", Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 3 {
		return nil, &queue.ScriptError{Op: "moveToActive", Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	tag, _ := reply[2].(string)
	switch tag {
	case "paused":
		return nil, queue.ErrQueuePaused
	case "empty":
		return nil, nil
	case "limited":
		ms, _ := reply[1].(int64)
		return &ActiveResult{RetryAfter: time.Duration(ms) * time.Millisecond}, nil
	case "ok":
		id, _ := reply[0].(string)
		fieldsRaw, _ := reply[1].([]interface{})
		fields := make(map[string]string, len(fieldsRaw)/2)
		for i := 0; i+1 < len(fieldsRaw); i += 2 {
			k, _ := fieldsRaw[i].(string)
			v, _ := fieldsRaw[i+1].(string)
			fields[k] = v
		}
		job, found, err := queue.FromHash(fields)
		if err != nil {
			return nil, &queue.ScriptError{Op: "moveToActive", Err: err}
		}
		if !found {
			job.ID = id
		}
		return &ActiveResult{Job: &job}, nil
	default:
		return nil, &queue.ScriptError{Op: "moveToActive", Err: fmt.Errorf("unknown tag %q", tag)}
	}
}

// MoveToCompleted finalizes a successfully processed job. Returns
// ErrLockMismatch if token no longer owns the job, ErrJobNotFound if the
// job vanished underneath the caller.
func (l *Library) MoveToCompleted(ctx context.Context, keys queue.Keys, id string, returnValue []byte, token string, removeOn queue.RemovePolicy) error {
	now := time.Now().UnixMilli()
	keysArg := []string{
		keys.Active(), keys.Completed(), keys.Events(), keys.WaitingChildren(),
		keys.Wait(), keys.Priority(), keys.MetricsCompleted(),
	}
	res, err := l.moveToCompleted.Run(ctx, l.rdb, keysArg,
		keys.Base(), id, string(returnValue), token, now,
		boolToFlag(deleteImmediately(removeOn)), removeOn.Count,
		keys.EventsChannel(), eventsStreamMaxLen,
	).Result()
	if err != nil {
		return &queue.ScriptError{Op: "moveToCompleted", Err: err}
	}
	return interpretAckReply(res, "moveToCompleted")
}

// MoveToFailed records a processing failure. If the job has remaining
// attempts it is rescheduled (with backoff) and retried=true; otherwise it
// is finalized into failed and any flow parent waiting on it is handled per
// Opts.IgnoreDependencyOnFailure.
func (l *Library) MoveToFailed(ctx context.Context, keys queue.Keys, id, reason, token string, removeOn queue.RemovePolicy, maxAttempts int, backoff queue.Backoff) (retried bool, err error) {
	now := time.Now().UnixMilli()
	keysArg := []string{
		keys.Active(), keys.Failed(), keys.Events(), keys.WaitingChildren(),
		keys.Wait(), keys.Priority(), keys.Delayed(), keys.MetricsFailed(),
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res, err := l.moveToFailed.Run(ctx, l.rdb, keysArg,
		keys.Base(), id, reason, token, now,
		boolToFlag(deleteImmediately(removeOn)), removeOn.Count,
		keys.EventsChannel(), eventsStreamMaxLen,
		maxAttempts, string(backoff.Type), backoff.Delay.Milliseconds(), maxBackoffMs,
	).Result()
	if err != nil {
		return false, &queue.ScriptError{Op: "moveToFailed", Err: err}
	}
	if err := interpretAckReply(res, "moveToFailed"); err != nil {
		return false, err
	}
	reply, _ := res.([]interface{})
	tag, _ := reply[1].(string)
	return tag == "retry", nil
}

// maxBackoffMs caps computed exponential backoff; §4.1 leaves the ceiling
// unspecified, a day is a generous but finite bound.
const maxBackoffMs = int64(24 * time.Hour / time.Millisecond)

// RetryJob moves a job directly from failed back to wait, bypassing backoff.
// Returns ErrNotFailed if id isn't currently in failed.
func (l *Library) RetryJob(ctx context.Context, keys queue.Keys, id string, resetAttempts bool) error {
	keysArg := []string{keys.Failed(), keys.Wait(), keys.Priority(), keys.Events()}
	res, err := l.retryJob.Run(ctx, l.rdb, keysArg,
		keys.Base(), id, boolToFlag(resetAttempts), keys.EventsChannel(), eventsStreamMaxLen,
	).Result()
	if err != nil {
		return &queue.ScriptError{Op: "retryJob", Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return &queue.ScriptError{Op: "retryJob", Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	tag, _ := reply[1].(string)
	switch tag {
	case "not_failed":
		return queue.ErrNotFailed
	case "not_found":
		return queue.ErrJobNotFound
	default:
		return nil
	}
}

// ExtendLock renews a worker's lock on an active job. Returns false if the
// caller no longer owns the lock (another worker recovered it as stalled).
func (l *Library) ExtendLock(ctx context.Context, keys queue.Keys, id, token string, duration time.Duration) (bool, error) {
	res, err := l.extendLock.Run(ctx, l.rdb, []string{keys.Lock(id)}, token, duration.Milliseconds()).Result()
	if err != nil {
		return false, &queue.ScriptError{Op: "extendLock", Err: err}
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// UpdateProgress records a processor's progress report and fans it out.
func (l *Library) UpdateProgress(ctx context.Context, keys queue.Keys, id string, progress float64) error {
	res, err := l.updateProgress.Run(ctx, l.rdb, []string{keys.Job(id), keys.Events()},
		strconv.FormatFloat(progress, 'f', -1, 64), keys.EventsChannel(), eventsStreamMaxLen, id,
	).Result()
	if err != nil {
		return &queue.ScriptError{Op: "updateProgress", Err: err}
	}
	n, _ := res.(int64)
	if n == 0 {
		return queue.ErrJobNotFound
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into wait, up to limit per call.
// nextDue is the fire time (ms since epoch) of the next still-pending
// delayed job, or -1 if none remain; callers use it to size their next
// sleep.
func (l *Library) PromoteDelayed(ctx context.Context, keys queue.Keys, limit int64) (promoted int64, nextDue int64, err error) {
	now := time.Now().UnixMilli()
	res, err := l.promoteDelayed.Run(ctx, l.rdb, []string{keys.Delayed(), keys.Wait(), keys.Paused(), keys.Meta(), keys.Priority(), keys.Events()},
		now, limit, keys.EventsChannel(), eventsStreamMaxLen,
	).Result()
	if err != nil {
		return 0, 0, &queue.ScriptError{Op: "promoteDelayed", Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, &queue.ScriptError{Op: "promoteDelayed", Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	promoted, _ = reply[0].(int64)
	packedNext, _ := reply[1].(int64)
	if packedNext < 0 {
		return promoted, -1, nil
	}
	return promoted, packedNext / 4096, nil
}

// MoveStalledJobs performs the CAS-gated stall sweep: exactly one scheduler
// wins per stalledInterval window, comparing the active list against the
// previous sweep's snapshot so only jobs stalled across a *whole* interval
// are touched.
func (l *Library) MoveStalledJobs(ctx context.Context, keys queue.Keys, interval time.Duration, maxStalledCount int64) (recovered, failed int64, err error) {
	now := time.Now().UnixMilli()
	keysArg := []string{
		keys.StalledCheck(), keys.Active(), keys.Stalled(), keys.Wait(),
		keys.Failed(), keys.Events(), keys.MetricsFailed(),
	}
	res, err := l.moveStalledJobs.Run(ctx, l.rdb, keysArg,
		keys.Base(), now, interval.Milliseconds(), maxStalledCount,
		keys.EventsChannel(), eventsStreamMaxLen,
	).Result()
	if err != nil {
		return 0, 0, &queue.ScriptError{Op: "moveStalledJobs", Err: err}
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, 0, &queue.ScriptError{Op: "moveStalledJobs", Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	recovered, _ = reply[0].(int64)
	failed, _ = reply[1].(int64)
	return recovered, failed, nil
}

// Pause moves wait atomically to paused and marks the queue. Returns false
// if already paused.
func (l *Library) Pause(ctx context.Context, keys queue.Keys) (bool, error) {
	res, err := l.pause.Run(ctx, l.rdb, []string{keys.Wait(), keys.Paused(), keys.Meta()}, keys.EventsChannel()).Result()
	if err != nil {
		return false, &queue.ScriptError{Op: "pause", Err: err}
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Resume is the inverse of Pause.
func (l *Library) Resume(ctx context.Context, keys queue.Keys) (bool, error) {
	res, err := l.resume.Run(ctx, l.rdb, []string{keys.Wait(), keys.Paused(), keys.Meta()}, keys.EventsChannel()).Result()
	if err != nil {
		return false, &queue.ScriptError{Op: "resume", Err: err}
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Obliterate deletes every key under a queue's prefix. Refuses when the
// queue has active jobs unless force is set, per ErrObliterateActive.
func (l *Library) Obliterate(ctx context.Context, keys queue.Keys, force bool) error {
	res, err := l.obliterate.Run(ctx, l.rdb, []string{keys.Active()}, keys.Base(), boolToFlag(force)).Result()
	if err != nil {
		return &queue.ScriptError{Op: "obliterate", Err: err}
	}
	n, _ := res.(int64)
	if n == 0 {
		return queue.ErrObliterateActive
	}
	return nil
}

func interpretAckReply(res interface{}, op string) error {
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return &queue.ScriptError{Op: op, Err: fmt.Errorf("unexpected reply %#v", res)}
	}
	ok2, _ := reply[0].(int64)
	tag, _ := reply[1].(string)
	if ok2 == 1 {
		return nil
	}
	switch tag {
	case "lock_mismatch":
		return queue.ErrLockMismatch
	case "not_found":
		return queue.ErrJobNotFound
	default:
		return &queue.ScriptError{Op: op, Err: fmt.Errorf("tag %q", tag)}
	}
}
