package flow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

func setupFlowTest(t *testing.T) (*scripts.Library, *redis.Client, queue.Keys, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	keys := queue.NewKeys("taskqueue", "test")
	return scripts.New(rdb), rdb, keys, func() { mr.Close() }
}

func TestAddRequiresExplicitRootJobID(t *testing.T) {
	lib, _, keys, cleanup := setupFlowTest(t)
	defer cleanup()

	_, err := Add(context.Background(), lib, keys, Node{Name: "render"})
	require.Error(t, err)
}

func TestAddRequiresExplicitChildJobID(t *testing.T) {
	lib, _, keys, cleanup := setupFlowTest(t)
	defer cleanup()

	root := Node{
		Name: "render",
		Opts: queue.Options{JobID: "parent-1"},
		Children: []Node{
			{Name: "transcode"},
		},
	}
	_, err := Add(context.Background(), lib, keys, root)
	require.Error(t, err)
}

func TestAddSubmitsChildrenBeforeParentAndLinksParentOnChildren(t *testing.T) {
	lib, rdb, keys, cleanup := setupFlowTest(t)
	defer cleanup()
	ctx := context.Background()

	root := Node{
		Name: "render",
		Opts: queue.Options{JobID: "parent-1"},
		Children: []Node{
			{Name: "transcode-1080p", Opts: queue.Options{JobID: "child-1"}},
			{Name: "transcode-720p", Opts: queue.Options{JobID: "child-2"}},
		},
	}

	res, err := Add(ctx, lib, keys, root)
	require.NoError(t, err)
	require.Equal(t, "parent-1", res.JobID)
	require.Len(t, res.Children, 2)

	fields, err := rdb.HGetAll(ctx, keys.Job("child-1")).Result()
	require.NoError(t, err)
	child, found, err := queue.FromHash(fields)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "parent-1", child.Opts.Parent)

	parentFields, err := rdb.HGetAll(ctx, keys.Job("parent-1")).Result()
	require.NoError(t, err)
	_, found, err = queue.FromHash(parentFields)
	require.NoError(t, err)
	require.True(t, found)
}
