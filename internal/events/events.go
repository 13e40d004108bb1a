// Copyright 2025 James Ross
package events

import (
	"context"
	"encoding/json"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/redis/go-redis/v9"
)

// Name enumerates the lifecycle events published for a queue. The job
// transition scripts append one of these to the queue's capped stream and
// publish on its pub/sub channel within the same atomic region as the
// state change it describes, so observers never see those transitions
// reordered relative to each other on a given queue. The pause and resume
// scripts publish on the channel only, and the producer's Remove, Drain and
// Clean publish from the client after their writes, with no stream entry.
type Name string

const (
	Added           Name = "added"
	Waiting         Name = "waiting"
	Active          Name = "active"
	Progress        Name = "progress"
	Completed       Name = "completed"
	Failed          Name = "failed"
	Delayed         Name = "delayed"
	Stalled         Name = "stalled"
	Paused          Name = "paused"
	Resumed         Name = "resumed"
	Drained         Name = "drained"
	Removed         Name = "removed"
	Cleaned         Name = "cleaned"
)

// StreamMaxLen bounds the events stream with approximate trimming (XADD
// MAXLEN ~). Retention is bounded, not exact: the store is free to keep a
// few extra entries in exchange for not rewalking the whole stream.
const StreamMaxLen = 10000

// Event is the JSON payload published on {prefix:name}:events and mirrored
// into the capped stream of the same name.
type Event struct {
	Event     Name            `json:"event"`
	JobID     string          `json:"jobId,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Decode parses a pub/sub message body into an Event.
func Decode(payload string) (Event, error) {
	var e Event
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}

// Subscription wraps a store pub/sub connection scoped to one queue's
// events channel. Workers use it to wake from a blocking fetch when the
// queue transitions out of paused or a delayed job becomes due sooner than
// expected; external callers use it to observe lifecycle events.
type Subscription struct {
	ps *redis.PubSub
}

// Subscribe opens a dedicated connection subscribed to the queue's events
// channel. The caller owns the returned Subscription and must Close it.
func Subscribe(ctx context.Context, rdb *redis.Client, keys queue.Keys) *Subscription {
	return &Subscription{ps: rdb.Subscribe(ctx, keys.EventsChannel())}
}

// Channel exposes decoded events as they arrive. Malformed payloads are
// dropped rather than surfaced, matching the at-least-once, best-effort
// delivery contract of the events channel.
func (s *Subscription) Channel() <-chan Event {
	out := make(chan Event)
	raw := s.ps.Channel()
	go func() {
		defer close(out)
		for msg := range raw {
			ev, err := Decode(msg.Payload)
			if err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

// Close releases the underlying pub/sub connection.
func (s *Subscription) Close() error { return s.ps.Close() }
