package scripts

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/ratelimit"
)

func setupLibraryTest(t *testing.T) (*Library, queue.Keys, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := queue.NewKeys("taskqueue", "test")
	return New(rdb), keys, func() { mr.Close() }
}

func TestAddJobThenMoveToActiveReturnsTheSameJob(t *testing.T) {
	lib, keys, cleanup := setupLibraryTest(t)
	defer cleanup()
	ctx := context.Background()

	id, created, err := lib.AddJob(ctx, keys, queue.Job{Name: "resize", Data: []byte(`{}`)}, "")
	require.NoError(t, err)
	require.True(t, created)

	res, err := lib.MoveToActive(ctx, keys, "token-1", time.Minute, ratelimit.Config{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Job)
	require.Equal(t, id, res.Job.ID)
}

func TestAddJobIsIdempotentOnExplicitJobID(t *testing.T) {
	lib, keys, cleanup := setupLibraryTest(t)
	defer cleanup()
	ctx := context.Background()

	job := queue.Job{Name: "resize", Data: []byte(`{}`), Opts: queue.Options{JobID: "fixed-1"}}
	id1, created1, err := lib.AddJob(ctx, keys, job, "")
	require.NoError(t, err)
	id2, created2, err := lib.AddJob(ctx, keys, job, "")
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.True(t, created1)
	require.False(t, created2)
}

func TestMoveToCompletedThenTerminalMoveToFailed(t *testing.T) {
	lib, keys, cleanup := setupLibraryTest(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := lib.AddJob(ctx, keys, queue.Job{Name: "a"}, "")
	require.NoError(t, err)
	res, err := lib.MoveToActive(ctx, keys, "token-1", time.Minute, ratelimit.Config{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Job)

	require.NoError(t, lib.MoveToCompleted(ctx, keys, id, []byte(`"ok"`), "token-1", queue.RemovePolicy{}))

	// a second job, failed with no retries left
	id2, _, err := lib.AddJob(ctx, keys, queue.Job{Name: "b"}, "")
	require.NoError(t, err)
	res2, err := lib.MoveToActive(ctx, keys, "token-2", time.Minute, ratelimit.Config{})
	require.NoError(t, err)
	require.NotNil(t, res2)
	require.NotNil(t, res2.Job)

	retried, err := lib.MoveToFailed(ctx, keys, id2, "boom", "token-2", queue.RemovePolicy{}, 1, queue.Backoff{})
	require.NoError(t, err)
	require.False(t, retried, "expected no retry with maxAttempts=1")
}

func TestExtendLockFailsForWrongToken(t *testing.T) {
	lib, keys, cleanup := setupLibraryTest(t)
	defer cleanup()
	ctx := context.Background()

	id, _, err := lib.AddJob(ctx, keys, queue.Job{Name: "a"}, "")
	require.NoError(t, err)
	res, err := lib.MoveToActive(ctx, keys, "real-token", time.Minute, ratelimit.Config{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Job)
	require.Equal(t, id, res.Job.ID)

	ok, err := lib.ExtendLock(ctx, keys, id, "wrong-token", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "expected extendLock to fail for a mismatched token")

	ok, err = lib.ExtendLock(ctx, keys, id, "real-token", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expected extendLock to succeed for the owning token")
}

func TestPauseBlocksMoveToActiveUntilResume(t *testing.T) {
	lib, keys, cleanup := setupLibraryTest(t)
	defer cleanup()
	ctx := context.Background()

	_, _, err := lib.AddJob(ctx, keys, queue.Job{Name: "a"}, "")
	require.NoError(t, err)
	_, err = lib.Pause(ctx, keys)
	require.NoError(t, err)

	_, err = lib.MoveToActive(ctx, keys, "t", time.Minute, ratelimit.Config{})
	require.ErrorIs(t, err, queue.ErrQueuePaused)

	_, err = lib.Resume(ctx, keys)
	require.NoError(t, err)
	res, err := lib.MoveToActive(ctx, keys, "t", time.Minute, ratelimit.Config{})
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, res.Job)
}
