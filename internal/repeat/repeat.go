// Copyright 2025 James Ross
package repeat

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

// parser accepts the standard five-field cron expression plus the optional
// seconds field, matching what operators expect from a BullMQ-style
// "cron" repeat option.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Key derives the deterministic repeat-series identifier from a job name
// and its RepeatSpec. Every tick of the same series reuses this key as its
// forced JobID, which is what makes re-registering an identical repeat spec
// a no-op instead of a duplicate series.
func Key(name string, spec queue.RepeatSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%s", name, spec.Cron, spec.Every, spec.TZ)
	return "repeat:" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Next computes the next fire time strictly after after, honoring TZ when
// Cron is set or falling back to a fixed Every interval.
func Next(spec queue.RepeatSpec, after time.Time) (time.Time, error) {
	if spec.Cron != "" {
		loc := time.UTC
		if spec.TZ != "" {
			l, err := time.LoadLocation(spec.TZ)
			if err != nil {
				return time.Time{}, fmt.Errorf("taskqueue: invalid repeat tz %q: %w", spec.TZ, err)
			}
			loc = l
		}
		sched, err := parser.Parse(spec.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("taskqueue: invalid cron expression %q: %w", spec.Cron, err)
		}
		return sched.Next(after.In(loc)), nil
	}
	if spec.Every > 0 {
		return after.Add(spec.Every), nil
	}
	return time.Time{}, fmt.Errorf("taskqueue: repeat spec has neither cron nor every")
}

// Manager schedules recurring job production. Registered series live in a
// sorted set (keys.Repeat()) scored by next fire time; Tick promotes every
// due series into a concrete job via the same addJob path a one-shot
// producer call uses, then reschedules itself for the next occurrence.
type Manager struct {
	rdb    *redis.Client
	lib    *scripts.Library
	keys   queue.Keys
	logger *zap.Logger

	// counts tracks how many times each series has fired, enforcing
	// RepeatSpec.Limit without a second round trip per tick.
	counts map[string]int
}

// NewManager builds a repeat Manager for one queue.
func NewManager(rdb *redis.Client, lib *scripts.Library, keys queue.Keys, logger *zap.Logger) *Manager {
	return &Manager{rdb: rdb, lib: lib, keys: keys, logger: logger, counts: map[string]int{}}
}

// Register enrolls a repeating job definition. An Every series has its
// first occurrence scheduled immediately; a Cron series at its next
// matching time.
func (m *Manager) Register(ctx context.Context, name string, data []byte, opts queue.Options) error {
	if opts.Repeat == nil {
		return fmt.Errorf("taskqueue: Register called without Opts.Repeat")
	}
	key := Key(name, *opts.Repeat)
	now := time.Now()
	first, err := Next(*opts.Repeat, now.Add(-time.Millisecond))
	if err != nil {
		return err
	}
	if opts.Repeat.Cron == "" {
		first = now
	}
	entry := seriesEntry{name: name, data: data, opts: opts, repeatKey: key}
	if err := m.saveEntry(ctx, entry); err != nil {
		return err
	}
	return m.rdb.ZAdd(ctx, m.keys.Repeat(), redis.Z{Score: float64(first.UnixMilli()), Member: key}).Err()
}

type seriesEntry struct {
	name      string
	data      []byte
	opts      queue.Options
	repeatKey string
}

func (m *Manager) saveEntry(ctx context.Context, e seriesEntry) error {
	// The series definition is stored as a job hash under its own repeat key
	// so Tick can re-read name/data/opts without the caller re-supplying
	// them on every occurrence.
	job := queue.Job{ID: e.repeatKey, Name: e.name, Data: e.data, Opts: e.opts}
	hash, err := job.ToHash()
	if err != nil {
		return err
	}
	return m.rdb.HSet(ctx, m.keys.Job(e.repeatKey)+":series", hash).Err()
}

func (m *Manager) loadEntry(ctx context.Context, repeatKey string) (seriesEntry, error) {
	fields, err := m.rdb.HGetAll(ctx, m.keys.Job(repeatKey)+":series").Result()
	if err != nil {
		return seriesEntry{}, err
	}
	job, found, err := queue.FromHash(fields)
	if err != nil {
		return seriesEntry{}, err
	}
	if !found {
		return seriesEntry{}, fmt.Errorf("taskqueue: repeat series %q not found", repeatKey)
	}
	return seriesEntry{name: job.Name, data: job.Data, opts: job.Opts, repeatKey: repeatKey}, nil
}

// Tick produces jobs for every series due at or before now, then
// reschedules each to its next occurrence. It is safe to call from several
// scheduler instances concurrently: each occurrence's JobID is derived from
// the series key and its scheduled fire time, so ZRANGEBYSCORE+ZREM races
// are resolved by addJob's own JobID idempotency, and a double-fire
// produces at most one duplicate-suppressed AddJob call rather than a
// duplicate job.
func (m *Manager) Tick(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := m.rdb.ZRangeByScoreWithScores(ctx, m.keys.Repeat(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}

	produced := 0
	for _, z := range due {
		key, _ := z.Member.(string)
		entry, err := m.loadEntry(ctx, key)
		if err != nil {
			m.logger.Warn("repeat series missing, dropping", zap.String("repeatKey", key), zap.Error(err))
			m.rdb.ZRem(ctx, m.keys.Repeat(), key)
			continue
		}
		if entry.opts.Repeat.Limit > 0 && m.counts[key] >= entry.opts.Repeat.Limit {
			m.rdb.ZRem(ctx, m.keys.Repeat(), key)
			continue
		}

		tickID := fmt.Sprintf("%s:%d", key, int64(z.Score))
		instOpts := entry.opts
		instOpts.JobID = tickID
		instOpts.Repeat = nil
		job := queue.Job{Name: entry.name, Data: entry.data, Opts: instOpts}
		if _, created, err := m.lib.AddJob(ctx, m.keys, job, ""); err != nil {
			m.logger.Error("repeat tick addJob failed", zap.String("repeatKey", key), zap.Error(err))
			continue
		} else if created {
			produced++
			m.counts[key]++
		}

		next, err := Next(*entry.opts.Repeat, now)
		if err != nil || (entry.opts.Repeat.Limit > 0 && m.counts[key] >= entry.opts.Repeat.Limit) {
			m.rdb.ZRem(ctx, m.keys.Repeat(), key)
			continue
		}
		m.rdb.ZAdd(ctx, m.keys.Repeat(), redis.Z{Score: float64(next.UnixMilli()), Member: key})
	}
	return produced, nil
}
