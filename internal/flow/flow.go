// Copyright 2025 James Ross
package flow

import (
	"context"
	"fmt"

	"github.com/flyingrobots/taskqueue/internal/queue"
	"github.com/flyingrobots/taskqueue/internal/scripts"
)

// Node describes one job in a dependency tree submitted via AddFlow. A node
// with Children is only eligible to run once every child has completed (or
// failed with Opts.IgnoreDependencyOnFailure set); see moveToCompleted and
// moveToFailed for the actual gating logic.
type Node struct {
	Name     string
	Data     []byte
	Opts     queue.Options
	Children []Node
}

// Result mirrors the submitted tree with the ids addJob assigned.
type Result struct {
	JobID    string
	Name     string
	Children []Result
}

// Add submits a flow tree in a single logical call. Children are placed
// first (bottom-up, post-order) so each child's dependency registration
// against its parent id happens before the parent itself is queued; the
// parent is added last with its JobID forced, which is what lets addJob's
// single script decide the parent belongs in waiting-children rather than
// wait — its own dependency set is already non-empty by the time it runs.
func Add(ctx context.Context, lib *scripts.Library, keys queue.Keys, root Node) (Result, error) {
	if root.Opts.JobID == "" {
		return Result{}, fmt.Errorf("taskqueue: flow root must have an explicit JobID")
	}
	if err := root.Opts.Validate(); err != nil {
		return Result{}, err
	}
	return addNode(ctx, lib, keys, root)
}

func addNode(ctx context.Context, lib *scripts.Library, keys queue.Keys, n Node) (Result, error) {
	childResults := make([]Result, 0, len(n.Children))
	for _, child := range n.Children {
		if child.Opts.JobID == "" {
			return Result{}, fmt.Errorf("taskqueue: flow child %q must have an explicit JobID", child.Name)
		}
		if err := child.Opts.Validate(); err != nil {
			return Result{}, err
		}
		child.Opts.Parent = n.Opts.JobID
		cr, err := addNode(ctx, lib, keys, child)
		if err != nil {
			return Result{}, err
		}
		childResults = append(childResults, cr)
	}

	job := queue.Job{Name: n.Name, Data: n.Data, Opts: n.Opts}
	id, _, err := lib.AddJob(ctx, keys, job, "")
	if err != nil {
		return Result{}, err
	}
	return Result{JobID: id, Name: n.Name, Children: childResults}, nil
}
