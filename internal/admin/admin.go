// Copyright 2025 James Ross
package admin

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/producer"
	"github.com/flyingrobots/taskqueue/internal/queue"
)

// DiscoverQueues scans the store for every queue's meta key under prefix
// and returns the names matching pattern (a doublestar glob, "*" for all).
// This is how a fleet-wide admin command finds queues it was never told
// about by name, since Keys only ever binds one process to one queue.
func DiscoverQueues(ctx context.Context, rdb *redis.Client, prefix, pattern string) ([]string, error) {
	if prefix == "" {
		prefix = "taskqueue"
	}
	if pattern == "" {
		pattern = "*"
	}
	scanPattern := fmt.Sprintf("{%s:*}:meta", prefix)
	names := make([]string, 0)
	var cursor uint64
	for {
		keys, cur, err := rdb.Scan(ctx, cursor, scanPattern, 500).Result()
		if err != nil {
			return nil, err
		}
		cursor = cur
		for _, k := range keys {
			name := extractQueueName(k, prefix)
			if name == "" {
				continue
			}
			matched, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("admin: invalid queue pattern %q: %w", pattern, err)
			}
			if matched {
				names = append(names, name)
			}
		}
		if cursor == 0 {
			break
		}
	}
	sort.Strings(names)
	return names, nil
}

func extractQueueName(metaKey, prefix string) string {
	start := "{" + prefix + ":"
	const suffix = "}:meta"
	if !strings.HasPrefix(metaKey, start) || !strings.HasSuffix(metaKey, suffix) {
		return ""
	}
	return metaKey[len(start) : len(metaKey)-len(suffix)]
}

// QueueStats is one queue's container sizes and pause state.
type QueueStats struct {
	Name            string `json:"name"`
	Paused          bool   `json:"paused"`
	Waiting         int64  `json:"waiting"`
	Active          int64  `json:"active"`
	Delayed         int64  `json:"delayed"`
	WaitingChildren int64  `json:"waitingChildren"`
	Completed       int64  `json:"completed"`
	Failed          int64  `json:"failed"`
}

// Stats reports container sizes for every queue matching pattern.
func Stats(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, pattern string) ([]QueueStats, error) {
	names, err := DiscoverQueues(ctx, rdb, cfg.Queue.Prefix, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]QueueStats, 0, len(names))
	for _, name := range names {
		qcfg := *cfg
		qcfg.Queue.Name = name
		pr := producer.New(&qcfg, rdb, log)
		counts, err := pr.GetJobCounts(ctx)
		if err != nil {
			return nil, err
		}
		paused, err := pr.IsPaused(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, QueueStats{
			Name:            name,
			Paused:          paused,
			Waiting:         counts.Waiting,
			Active:          counts.Active,
			Delayed:         counts.Delayed,
			WaitingChildren: counts.WaitingChildren,
			Completed:       counts.Completed,
			Failed:          counts.Failed,
		})
	}
	return out, nil
}

// PeekResult is a snapshot of jobs currently sitting in one queue state.
type PeekResult struct {
	Queue string      `json:"queue"`
	State string      `json:"state"`
	Jobs  []queue.Job `json:"jobs"`
}

// Peek lists up to n jobs from the named queue's state container.
func Peek(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName string, state queue.State, n int64) (PeekResult, error) {
	if n <= 0 {
		n = 10
	}
	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)
	jobs, err := pr.GetJobs(ctx, state, n)
	if err != nil {
		return PeekResult{}, err
	}
	return PeekResult{Queue: queueName, State: string(state), Jobs: jobs}, nil
}

// PurgeFailed removes every job currently in the failed state.
func PurgeFailed(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName string) (int64, error) {
	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)
	return pr.Clean(ctx, 0, queue.StateFailed)
}

// PurgeAll deletes every key belonging to a queue, refusing when jobs are
// active unless force is set.
func PurgeAll(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName string, force bool) error {
	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)
	return pr.Obliterate(ctx, force)
}

// Retry resubmits a failed job.
func Retry(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName, jobID string, resetAttempts bool) error {
	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)
	return pr.Retry(ctx, jobID, resetAttempts)
}

// SetPaused pauses or resumes a queue.
func SetPaused(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName string, paused bool) error {
	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)
	if paused {
		return pr.Pause(ctx)
	}
	return pr.Resume(ctx)
}

// BenchResult summarizes an enqueue-to-completion throughput run.
type BenchResult struct {
	Count      int           `json:"count"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughputJobsPerSec"`
	P50        time.Duration `json:"p50Latency"`
	P95        time.Duration `json:"p95Latency"`
}

// Bench enqueues count synthetic jobs at rate jobs/sec and waits (up to
// timeout) for them all to reach completed, then reports enqueue-to-finish
// latency percentiles computed from each job's recorded Timestamp/FinishedOn.
func Bench(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger, queueName string, count, rate, payloadSize int, timeout time.Duration) (BenchResult, error) {
	res := BenchResult{Count: count}
	if count <= 0 {
		return res, fmt.Errorf("admin: bench count must be > 0")
	}
	if rate <= 0 {
		rate = 100
	}
	if payloadSize <= 0 {
		payloadSize = 64
	}

	qcfg := *cfg
	qcfg.Queue.Name = queueName
	pr := producer.New(&qcfg, rdb, log)

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = 'x'
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()
	start := time.Now()
	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
		if _, err := pr.Add(ctx, "bench", payload, queue.Options{}); err != nil {
			return res, err
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		counts, err := pr.GetJobCounts(ctx)
		if err != nil {
			return res, err
		}
		if counts.Completed >= int64(count) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	res.Duration = time.Since(start)
	if res.Duration > 0 {
		res.Throughput = float64(count) / res.Duration.Seconds()
	}

	completed, err := pr.GetJobs(ctx, queue.StateCompleted, int64(count))
	if err != nil {
		return res, err
	}
	lats := make([]float64, 0, len(completed))
	for _, j := range completed {
		if j.Timestamp.IsZero() || j.FinishedOn.IsZero() {
			continue
		}
		lats = append(lats, j.FinishedOn.Sub(j.Timestamp).Seconds())
	}
	if len(lats) > 0 {
		sort.Float64s(lats)
		res.P50 = time.Duration(lats[int(math.Round(0.50*float64(len(lats)-1)))] * float64(time.Second))
		res.P95 = time.Duration(lats[int(math.Round(0.95*float64(len(lats)-1)))] * float64(time.Second))
	}
	return res, nil
}
