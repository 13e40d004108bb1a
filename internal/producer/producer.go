// Copyright 2025 James Ross
package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/events"
	"github.com/flyingrobots/taskqueue/internal/flow"
	"github.com/flyingrobots/taskqueue/internal/joblog"
	"github.com/flyingrobots/taskqueue/internal/obs"
	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/repeat"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

// JobHandle is the lightweight reference an Add call returns: enough to
// look the job back up or wait on its outcome, without pinning the full
// Job payload in the caller's memory.
type JobHandle struct {
	ID   string
	Name string
}

// Producer is the client-facing half of the engine for one queue:
// enqueueing, pause/resume, introspection (GetWorkers reads the active
// list and its locks) and administrative cleanup (Remove, Drain, Clean).
type Producer struct {
	cfg    *config.Config
	rdb    *redis.Client
	lib    *scripts.Library
	keys   queue.Keys
	log    *zap.Logger
	repeat *repeat.Manager
}

// New builds a Producer bound to one named queue.
func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Producer {
	keys := queue.NewKeys(cfg.Queue.Prefix, cfg.Queue.Name)
	lib := scripts.New(rdb)
	return &Producer{
		cfg:    cfg,
		rdb:    rdb,
		lib:    lib,
		keys:   keys,
		log:    log,
		repeat: repeat.NewManager(rdb, lib, keys, log),
	}
}

// Add enqueues a single job. If opts.Repeat is set, the call instead
// registers a recurring series and returns the series key as the handle id;
// the scheduler's repeat loop is what actually produces occurrences.
func (p *Producer) Add(ctx context.Context, name string, data []byte, opts queue.Options) (JobHandle, error) {
	if err := opts.Validate(); err != nil {
		return JobHandle{}, err
	}
	if opts.Repeat != nil {
		if err := p.repeat.Register(ctx, name, data, opts); err != nil {
			return JobHandle{}, err
		}
		return JobHandle{ID: repeat.Key(name, *opts.Repeat), Name: name}, nil
	}

	_, enqSpan := obs.StartEnqueueSpan(ctx, p.cfg.Queue.Name, opts.Priority)
	defer enqSpan.End()

	// Rate-limiter group bucketing reads GroupKey out of job Data inside
	// moveToActive itself; Add does not need to resolve it up front.
	job := queue.Job{Name: name, Data: data, Opts: opts}
	id, created, err := p.lib.AddJob(ctx, p.keys, job, "")
	if err != nil {
		obs.RecordError(ctx, err)
		return JobHandle{}, err
	}
	if created {
		obs.JobsAdded.Inc()
		p.log.Info("job added", zap.String("id", id), zap.String("name", name), zap.String("queue", p.cfg.Queue.Name))
	}
	return JobHandle{ID: id, Name: name}, nil
}

// AddBulk enqueues many jobs, stopping at the first error. Unlike Add, it
// does not special-case opts.Repeat — bulk submission of repeat series is
// rejected, since each series needs its own independent schedule state.
func (p *Producer) AddBulk(ctx context.Context, jobs []queue.Job) ([]JobHandle, error) {
	handles := make([]JobHandle, 0, len(jobs))
	for _, j := range jobs {
		if j.Opts.Repeat != nil {
			return handles, fmt.Errorf("taskqueue: AddBulk does not support repeat jobs, use Add")
		}
		h, err := p.Add(ctx, j.Name, j.Data, j.Opts)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// AddFlow submits a parent/child dependency tree in one call; see package
// flow for the placement order this relies on.
func (p *Producer) AddFlow(ctx context.Context, root flow.Node) (flow.Result, error) {
	return flow.Add(ctx, p.lib, p.keys, root)
}

// Pause halts new activations: moveToActive will return ErrQueuePaused
// until Resume. Already-active jobs continue to completion.
func (p *Producer) Pause(ctx context.Context) error {
	_, err := p.lib.Pause(ctx, p.keys)
	return err
}

// Resume reverses Pause.
func (p *Producer) Resume(ctx context.Context) error {
	_, err := p.lib.Resume(ctx, p.keys)
	return err
}

// Retry moves a job back from failed to wait, optionally resetting its
// attempt counter so it gets a fresh run of backoff/maxAttempts.
func (p *Producer) Retry(ctx context.Context, id string, resetAttempts bool) error {
	return p.lib.RetryJob(ctx, p.keys, id, resetAttempts)
}

// IsPaused reports the queue's current pause flag.
func (p *Producer) IsPaused(ctx context.Context) (bool, error) {
	v, err := p.rdb.HGet(ctx, p.keys.Meta(), "paused").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// JobCounts reports how many ids currently occupy each container.
type JobCounts struct {
	Waiting, Active, Delayed, WaitingChildren, Completed, Failed int64
}

// GetJobCounts reports the sizes of the wait, active, delayed,
// waiting-children, completed and failed containers in one pipelined
// LLEN/ZCARD round trip rather than a full scan. The paused list is not
// counted, so Waiting reads 0 while the queue is paused.
func (p *Producer) GetJobCounts(ctx context.Context) (JobCounts, error) {
	pipe := p.rdb.Pipeline()
	wait := pipe.LLen(ctx, p.keys.Wait())
	active := pipe.LLen(ctx, p.keys.Active())
	delayed := pipe.ZCard(ctx, p.keys.Delayed())
	waitingChildren := pipe.ZCard(ctx, p.keys.WaitingChildren())
	completed := pipe.ZCard(ctx, p.keys.Completed())
	failed := pipe.ZCard(ctx, p.keys.Failed())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return JobCounts{}, err
	}
	return JobCounts{
		Waiting:         wait.Val(),
		Active:          active.Val(),
		Delayed:         delayed.Val(),
		WaitingChildren: waitingChildren.Val(),
		Completed:       completed.Val(),
		Failed:          failed.Val(),
	}, nil
}

// GetJob fetches a single job by id.
func (p *Producer) GetJob(ctx context.Context, id string) (queue.Job, bool, error) {
	fields, err := p.rdb.HGetAll(ctx, p.keys.Job(id)).Result()
	if err != nil {
		return queue.Job{}, false, err
	}
	return queue.FromHash(fields)
}

// GetJobs lists up to limit jobs from the named container. Lists are read
// from the left end, the end opposite to the one moveToActive pops, so the
// next job to run in wait comes last; delayed and waiting-children come in
// ascending score order, completed and failed newest first.
func (p *Producer) GetJobs(ctx context.Context, state queue.State, limit int64) ([]queue.Job, error) {
	var ids []string
	var err error
	switch state {
	case queue.StateWaiting:
		ids, err = p.rdb.LRange(ctx, p.keys.Wait(), 0, limit-1).Result()
	case queue.StateActive:
		ids, err = p.rdb.LRange(ctx, p.keys.Active(), 0, limit-1).Result()
	case queue.StateDelayed:
		ids, err = p.rdb.ZRange(ctx, p.keys.Delayed(), 0, limit-1).Result()
	case queue.StateWaitingChildren:
		ids, err = p.rdb.ZRange(ctx, p.keys.WaitingChildren(), 0, limit-1).Result()
	case queue.StateCompleted:
		ids, err = p.rdb.ZRevRange(ctx, p.keys.Completed(), 0, limit-1).Result()
	case queue.StateFailed:
		ids, err = p.rdb.ZRevRange(ctx, p.keys.Failed(), 0, limit-1).Result()
	default:
		return nil, fmt.Errorf("taskqueue: unsupported state %q", state)
	}
	if err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(ids))
	for _, id := range ids {
		j, found, err := p.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

// GetJobLogs returns the append-only processor log lines recorded for id,
// transparently decompressing any entries the worker stored zstd-packed
// (see internal/joblog).
func (p *Producer) GetJobLogs(ctx context.Context, id string) ([]string, error) {
	return joblog.Get(ctx, p.rdb, p.keys, id)
}

// GetWorkers returns the distinct lock tokens held on the jobs in active.
// There is no worker-registry container in this keyspace, and the worker
// takes a fresh token for each dequeue, so each entry stands for one locked
// in-flight job rather than one worker process.
func (p *Producer) GetWorkers(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.LRange(ctx, p.keys.Active(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	owners := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		owner, err := p.rdb.Get(ctx, p.keys.Lock(id)).Result()
		if err == nil && owner != "" {
			owners[owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(owners))
	for o := range owners {
		out = append(out, o)
	}
	return out, nil
}

// Remove deletes a job outright, regardless of its current state. It does
// not run moveToFailed/moveToCompleted bookkeeping (no event, no parent
// cascade) — it is an administrative hard delete, not a lifecycle
// transition.
func (p *Producer) Remove(ctx context.Context, id string) error {
	pipe := p.rdb.Pipeline()
	pipe.LRem(ctx, p.keys.Wait(), 0, id)
	pipe.LRem(ctx, p.keys.Active(), 0, id)
	pipe.ZRem(ctx, p.keys.Delayed(), id)
	pipe.ZRem(ctx, p.keys.Priority(), id)
	pipe.ZRem(ctx, p.keys.WaitingChildren(), id)
	pipe.ZRem(ctx, p.keys.Completed(), id)
	pipe.ZRem(ctx, p.keys.Failed(), id)
	pipe.Del(ctx, p.keys.Job(id), p.keys.Lock(id), p.keys.Logs(id), p.keys.Dependencies(id))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	p.rdb.Publish(ctx, p.keys.EventsChannel(), fmt.Sprintf(`{"event":"removed","jobId":"%s"}`, id))
	return nil
}

// Drain removes every waiting/delayed job, leaving active jobs to finish.
func (p *Producer) Drain(ctx context.Context) error {
	waiting, err := p.rdb.LRange(ctx, p.keys.Wait(), 0, -1).Result()
	if err != nil {
		return err
	}
	delayed, err := p.rdb.ZRange(ctx, p.keys.Delayed(), 0, -1).Result()
	if err != nil {
		return err
	}
	for _, id := range append(waiting, delayed...) {
		if err := p.Remove(ctx, id); err != nil {
			return err
		}
	}
	p.rdb.Publish(ctx, p.keys.EventsChannel(), `{"event":"drained"}`)
	return nil
}

// Clean removes finished jobs older than age from completed and/or failed.
func (p *Producer) Clean(ctx context.Context, age int64, states ...queue.State) (int64, error) {
	var removed int64
	cutoff := fmt.Sprintf("%d", nowMillis()-age)
	for _, st := range states {
		var key string
		switch st {
		case queue.StateCompleted:
			key = p.keys.Completed()
		case queue.StateFailed:
			key = p.keys.Failed()
		default:
			continue
		}
		ids, err := p.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if err := p.Remove(ctx, id); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		p.rdb.Publish(ctx, p.keys.EventsChannel(), fmt.Sprintf(`{"event":"cleaned","count":%d}`, removed))
	}
	return removed, nil
}

// Obliterate deletes every key belonging to this queue, refusing when jobs
// are active unless force is set.
func (p *Producer) Obliterate(ctx context.Context, force bool) error {
	return p.lib.Obliterate(ctx, p.keys, force)
}

// Subscribe opens an events subscription scoped to this queue.
func (p *Producer) Subscribe(ctx context.Context) *events.Subscription {
	return events.Subscribe(ctx, p.rdb, p.keys)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
