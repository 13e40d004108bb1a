package admin

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/config"
	"github.com/flyingrobots/taskqueue/internal/producer"
	"github.com/flyingrobots/taskqueue/internal/queue"
)

func setupAdminTest(t *testing.T) (*config.Config, *redis.Client, *zap.Logger, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Redis.Addr = mr.Addr()
	log, _ := zap.NewDevelopment()
	return cfg, rdb, log, func() { mr.Close() }
}

func TestDiscoverQueuesFiltersByGlobPattern(t *testing.T) {
	cfg, rdb, log, cleanup := setupAdminTest(t)
	defer cleanup()
	ctx := context.Background()

	for _, name := range []string{"emails-high", "emails-low", "video-transcode"} {
		qcfg := *cfg
		qcfg.Queue.Name = name
		pr := producer.New(&qcfg, rdb, log)
		_, err := pr.Add(ctx, "noop", []byte(`{}`), queue.Options{})
		require.NoError(t, err)
	}

	names, err := DiscoverQueues(ctx, rdb, cfg.Queue.Prefix, "emails-*")
	require.NoError(t, err)
	require.Equal(t, []string{"emails-high", "emails-low"}, names)

	all, err := DiscoverQueues(ctx, rdb, cfg.Queue.Prefix, "*")
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestStatsReportsWaitingCountPerQueue(t *testing.T) {
	cfg, rdb, log, cleanup := setupAdminTest(t)
	defer cleanup()
	ctx := context.Background()

	qcfg := *cfg
	qcfg.Queue.Name = "reports"
	pr := producer.New(&qcfg, rdb, log)
	for i := 0; i < 3; i++ {
		_, err := pr.Add(ctx, "build-report", []byte(`{}`), queue.Options{})
		require.NoError(t, err)
	}

	stats, err := Stats(ctx, cfg, rdb, log, "reports")
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(3), stats[0].Waiting)
}

func TestPurgeFailedRemovesOnlyFailedJobs(t *testing.T) {
	cfg, rdb, log, cleanup := setupAdminTest(t)
	defer cleanup()
	ctx := context.Background()

	qcfg := *cfg
	qcfg.Queue.Name = "imports"
	pr := producer.New(&qcfg, rdb, log)
	_, err := pr.Add(ctx, "import-file", []byte(`{}`), queue.Options{})
	require.NoError(t, err)

	purged, err := PurgeFailed(ctx, cfg, rdb, log, "imports")
	require.NoError(t, err)
	require.Equal(t, int64(0), purged)

	counts, err := pr.GetJobCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts.Waiting)
}

func TestBenchEnqueuesAndReportsThroughput(t *testing.T) {
	cfg, rdb, log, cleanup := setupAdminTest(t)
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Bench(ctx, cfg, rdb, log, "bench-queue", 5, 1000, 16, 200*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 5, res.Count)
	require.Greater(t, res.Duration, time.Duration(0))
}
