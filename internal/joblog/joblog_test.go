package joblog

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/taskqueue/internal/queue"
)

func setupJoblogTest(t *testing.T) (*redis.Client, queue.Keys, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, queue.NewKeys("taskqueue", "test"), func() { mr.Close() }
}

func TestAppendThenGetRoundTripsShortLines(t *testing.T) {
	rdb, keys, cleanup := setupJoblogTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, Append(ctx, rdb, keys, "job-1", "starting up"))
	require.NoError(t, Append(ctx, rdb, keys, "job-1", "50% done"))

	lines, err := Get(ctx, rdb, keys, "job-1")
	require.NoError(t, err)
	require.Equal(t, []string{"starting up", "50% done"}, lines)
}

func TestAppendCompressesLongLinesTransparently(t *testing.T) {
	rdb, keys, cleanup := setupJoblogTest(t)
	defer cleanup()
	ctx := context.Background()

	long := strings.Repeat("stack frame at offset 0x1234\n", 64)
	require.NoError(t, Append(ctx, rdb, keys, "job-2", long))

	raw, err := rdb.LRange(ctx, keys.Logs("job-2"), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1)
	require.True(t, strings.HasPrefix(raw[0], compressedPrefix))

	lines, err := Get(ctx, rdb, keys, "job-2")
	require.NoError(t, err)
	require.Equal(t, []string{long}, lines)
}
