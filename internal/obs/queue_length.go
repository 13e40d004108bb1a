// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/queue"
)

// StartQueueLengthUpdater samples the wait list length on an interval and
// updates the queue_length gauge. Other containers (active, delayed,
// failed, completed) are exposed on demand via the admin layer's stats
// call rather than polled continuously here — they change far less often,
// and a ZCARD per sample across every container would multiply this loop's
// store traffic for little observability gain.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	keys := queue.NewKeys(cfg.Queue.Prefix, cfg.Queue.Name)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := rdb.LLen(ctx, keys.Wait()).Result()
				if err != nil {
					log.Debug("queue length poll error", String("queue", cfg.Queue.Name), Err(err))
					continue
				}
				QueueLength.WithLabelValues(cfg.Queue.Name).Set(float64(n))
			}
		}
	}()
}
