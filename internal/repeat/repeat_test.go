package repeat

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

func TestKeyIsStableForIdenticalSpecs(t *testing.T) {
	spec := queue.RepeatSpec{Cron: "*/5 * * * *"}
	require.Equal(t, Key("report", spec), Key("report", spec))

	other := queue.RepeatSpec{Cron: "*/10 * * * *"}
	require.NotEqual(t, Key("report", spec), Key("report", other))
}

func TestNextWithEveryAddsTheInterval(t *testing.T) {
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := Next(queue.RepeatSpec{Every: time.Hour}, after)
	require.NoError(t, err)
	require.True(t, next.Equal(after.Add(time.Hour)))
}

func TestNextRequiresCronOrEvery(t *testing.T) {
	_, err := Next(queue.RepeatSpec{}, time.Now())
	require.Error(t, err)
}

func setupManagerTest(t *testing.T) (*Manager, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := queue.NewKeys("taskqueue", "test")
	log, _ := zap.NewDevelopment()
	lib := scripts.New(rdb)
	return NewManager(rdb, lib, keys, log), func() { mr.Close() }
}

func TestRegisterThenTickProducesOneJobImmediately(t *testing.T) {
	mgr, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	err := mgr.Register(ctx, "daily-report", []byte(`{}`), queue.Options{
		Repeat: &queue.RepeatSpec{Every: time.Hour},
	})
	require.NoError(t, err)

	produced, err := mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, produced)

	// nothing else is due for another hour
	produced, err = mgr.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, produced)
}

func TestTickStopsProducingOnceLimitReached(t *testing.T) {
	mgr, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	err := mgr.Register(ctx, "one-shot-ish", []byte(`{}`), queue.Options{
		Repeat: &queue.RepeatSpec{Every: time.Millisecond, Limit: 1},
	})
	require.NoError(t, err)

	total := 0
	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		produced, err := mgr.Tick(ctx)
		require.NoError(t, err)
		total += produced
	}
	require.Equal(t, 1, total)
}
