//go:build worker_tests
// +build worker_tests

// Copyright 2025 James Ross
package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/producer"
	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/ratelimit"
)

func setupWorkerTest(t *testing.T, proc Processor) (*Worker, *producer.Producer, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, _ := config.Load("")
	cfg.Redis.Addr = mr.Addr()
	cfg.Worker.Concurrency = 1
	cfg.Worker.LockDuration = 2 * time.Second
	cfg.Worker.LockRenewTime = 500 * time.Millisecond
	cfg.Worker.Backoff = config.Backoff{Type: "fixed", Base: time.Millisecond}
	log, _ := zap.NewDevelopment()

	w := New(cfg, rdb, log, proc)
	pr := producer.New(cfg, rdb, log)
	return w, pr, func() { mr.Close() }
}

func TestProcessJobSuccessMovesToCompleted(t *testing.T) {
	proc := Processor(func(ctx context.Context, job *queue.Job, report ProgressFunc) ([]byte, error) {
		report(1.0)
		return []byte(`"ok"`), nil
	})
	w, pr, cleanup := setupWorkerTest(t, proc)
	defer cleanup()
	ctx := context.Background()

	if _, err := pr.Add(ctx, "resize-image", []byte(`{"path":"a.png"}`), queue.Options{JobID: "j1"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := w.lib.MoveToActive(ctx, w.keys, "tok-1", w.cfg.Worker.LockDuration, ratelimit.Config{})
	if err != nil {
		t.Fatalf("moveToActive: %v", err)
	}
	if res == nil || res.Job == nil {
		t.Fatalf("expected a job, got %+v", res)
	}
	w.processJob(ctx, res.Job, "tok-1")

	counts, err := pr.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Completed != 1 {
		t.Fatalf("expected 1 completed job, got %d", counts.Completed)
	}
	if counts.Active != 0 {
		t.Fatalf("expected active to drain, got %d", counts.Active)
	}
}

func TestProcessJobFailureWithNoRetriesLeftMovesToFailed(t *testing.T) {
	proc := Processor(func(ctx context.Context, job *queue.Job, report ProgressFunc) ([]byte, error) {
		return nil, errors.New("boom")
	})
	w, pr, cleanup := setupWorkerTest(t, proc)
	defer cleanup()
	ctx := context.Background()
	w.cfg.Worker.MaxAttempts = 1

	if _, err := pr.Add(ctx, "resize-image", []byte(`{"path":"a.png"}`), queue.Options{JobID: "j2"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := w.lib.MoveToActive(ctx, w.keys, "tok-2", w.cfg.Worker.LockDuration, ratelimit.Config{})
	if err != nil {
		t.Fatalf("moveToActive: %v", err)
	}
	if res == nil || res.Job == nil {
		t.Fatalf("expected a job, got %+v", res)
	}
	w.processJob(ctx, res.Job, "tok-2")

	counts, err := pr.GetJobCounts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Failed != 1 {
		t.Fatalf("expected job to land in failed (maxAttempts=1), got %d", counts.Failed)
	}
}
