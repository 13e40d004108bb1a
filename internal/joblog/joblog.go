// Copyright 2025 James Ross

// Package joblog stores the append-only processor log lines for a job,
// transparently compressing large entries so a chatty processor (batch
// imports, transcodes) doesn't bloat the backing list with raw text.
package joblog

import (
	"bytes"
	"context"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/taskqueue/internal/queue"
)

// compressThreshold is the point past which a log line is stored zstd-
// compressed rather than verbatim. Most progress lines are a few dozen
// bytes and aren't worth the codec overhead.
const compressThreshold = 512

// compressedPrefix marks a list entry as zstd-compressed payload rather
// than a plain log line.
const compressedPrefix = "\x01zstd:"

// Append adds one processor log line for id.
func Append(ctx context.Context, rdb *redis.Client, keys queue.Keys, id, line string) error {
	entry := line
	if len(line) > compressThreshold {
		compressed, err := compress(line)
		if err != nil {
			return err
		}
		entry = compressedPrefix + compressed
	}
	return rdb.RPush(ctx, keys.Logs(id), entry).Err()
}

// Get returns every log line recorded for id, in append order.
func Get(ctx context.Context, rdb *redis.Client, keys queue.Keys, id string) ([]string, error) {
	raw, err := rdb.LRange(ctx, keys.Logs(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(raw))
	for i, entry := range raw {
		if len(entry) > len(compressedPrefix) && entry[:len(compressedPrefix)] == compressedPrefix {
			decoded, err := decompress(entry[len(compressedPrefix):])
			if err != nil {
				return nil, err
			}
			lines[i] = decoded
			continue
		}
		lines[i] = entry
	}
	return lines, nil
}

func compress(line string) (string, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", err
	}
	if _, err := w.Write([]byte(line)); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decompress(payload string) (string, error) {
	r, err := zstd.NewReader(bytes.NewReader([]byte(payload)))
	if err != nil {
		return "", err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
