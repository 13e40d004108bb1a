// Copyright 2025 James Ross
package queue

import "errors"

// Sentinel error kinds per the error-handling design: each transition that
// can be refused by a script surfaces one of these, never a bare string.
var (
	// ErrLockMismatch: caller's token no longer owns the job's lock.
	ErrLockMismatch = errors.New("taskqueue: lock mismatch")
	// ErrJobNotFound: a transition targeted a missing job id.
	ErrJobNotFound = errors.New("taskqueue: job not found")
	// ErrQueuePaused: moveToActive found the queue paused.
	ErrQueuePaused = errors.New("taskqueue: queue paused")
	// ErrClientClosed: the call arrived after the owning client closed.
	ErrClientClosed = errors.New("taskqueue: client closed")
	// ErrNotActive: retry/ack targeted a job outside the expected state.
	ErrNotActive = errors.New("taskqueue: job not active")
	// ErrNotFailed: retryJob called on a job that isn't in the failed set.
	ErrNotFailed = errors.New("taskqueue: job not failed")
	// ErrObliterateActive: obliterate refused because active is non-empty.
	ErrObliterateActive = errors.New("taskqueue: queue has active jobs")
	// ErrInvalidOptions: an enqueue call's Options failed range validation.
	ErrInvalidOptions = errors.New("taskqueue: invalid options")
)

// ScriptError wraps a backing-store script failure. It always indicates a
// bug in the script or an incompatible store, never a user-facing retry
// condition.
type ScriptError struct {
	Op  string
	Err error
}

func (e *ScriptError) Error() string { return "taskqueue: script error in " + e.Op + ": " + e.Err.Error() }
func (e *ScriptError) Unwrap() error { return e.Err }

// UserProcessorError records the error a job processor returned, carried on
// the job as FailedReason/Stacktrace and used to drive retry policy.
type UserProcessorError struct {
	Reason     string
	Stacktrace []string
}

func (e *UserProcessorError) Error() string { return e.Reason }
