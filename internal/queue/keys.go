// Copyright 2025 James Ross
package queue

import "fmt"

// Keys is the canonical keyspace for a single queue. Every suffix lives
// under a "{prefix:name}:suffix" hash tag so multi-key scripts land on one
// shard when the backing store is clustered.
type Keys struct {
	Prefix string
	Name   string
}

// NewKeys builds a Keys set, defaulting Prefix to "taskqueue" when empty.
func NewKeys(prefix, name string) Keys {
	if prefix == "" {
		prefix = "taskqueue"
	}
	return Keys{Prefix: prefix, Name: name}
}

func (k Keys) base() string {
	return fmt.Sprintf("{%s:%s}", k.Prefix, k.Name)
}

// Base returns the shared hash-tag prefix scripts use to derive per-job keys
// (job hash, lock, dependency set) without a KEYS entry per possible id.
func (k Keys) Base() string { return k.base() }

func (k Keys) Wait() string            { return k.base() + ":wait" }
func (k Keys) Paused() string          { return k.base() + ":paused" }
func (k Keys) Active() string          { return k.base() + ":active" }
func (k Keys) Delayed() string         { return k.base() + ":delayed" }
func (k Keys) Priority() string        { return k.base() + ":priority" }
func (k Keys) Completed() string       { return k.base() + ":completed" }
func (k Keys) Failed() string          { return k.base() + ":failed" }
func (k Keys) WaitingChildren() string { return k.base() + ":waiting-children" }
func (k Keys) Stalled() string         { return k.base() + ":stalled" }
func (k Keys) StalledCheck() string    { return k.base() + ":stalled-check" }
func (k Keys) Limiter() string         { return k.base() + ":limiter" }
func (k Keys) LimiterGroup(group string) string {
	if group == "" {
		return k.Limiter()
	}
	return k.base() + ":limiter:" + group
}
func (k Keys) ID() string       { return k.base() + ":id" }
func (k Keys) Events() string   { return k.base() + ":events" }
func (k Keys) Meta() string     { return k.base() + ":meta" }
func (k Keys) Repeat() string   { return k.base() + ":repeat" }
func (k Keys) MetricsCompleted() string     { return k.base() + ":metrics:completed" }
func (k Keys) MetricsCompletedData() string { return k.base() + ":metrics:completed:data" }
func (k Keys) MetricsFailed() string        { return k.base() + ":metrics:failed" }
func (k Keys) MetricsFailedData() string    { return k.base() + ":metrics:failed:data" }

// Job returns the per-job hash key.
func (k Keys) Job(id string) string { return fmt.Sprintf("%s:%s", k.base(), id) }

// Lock returns the per-job lock key.
func (k Keys) Lock(id string) string { return fmt.Sprintf("%s:%s:lock", k.base(), id) }

// Logs returns the per-job append-only log key.
func (k Keys) Logs(id string) string { return fmt.Sprintf("%s:%s:logs", k.base(), id) }

// Dependencies returns the set of unresolved child ids for a parent job.
func (k Keys) Dependencies(id string) string { return fmt.Sprintf("%s:%s:dependencies", k.base(), id) }

// EventsChannel is the pub/sub channel name mirrored by the events stream.
func (k Keys) EventsChannel() string { return k.base() + ":events" }

// AsSlice returns the fixed-order key vector scripts take as KEYS.
func (k Keys) AsSlice(extra ...string) []string {
	base := []string{
		k.Wait(), k.Paused(), k.Active(), k.Delayed(), k.Priority(),
		k.Completed(), k.Failed(), k.WaitingChildren(),
		k.Stalled(), k.StalledCheck(), k.Limiter(), k.ID(), k.Events(), k.Meta(),
	}
	return append(base, extra...)
}
