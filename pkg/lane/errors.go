package lane

import (
	"errors"
	"fmt"
)

var (
	// ErrLaneFull means the job's lane queue was at capacity and the job
	// was dropped.
	ErrLaneFull = errors.New("lane full")

	// ErrPoolClosed means the pool no longer accepts jobs.
	ErrPoolClosed = errors.New("pool closed")
)

// RejectedError describes a job Submit refused. It unwraps to ErrLaneFull
// or ErrPoolClosed.
type RejectedError struct {
	Pool   string
	Key    string
	Kind   string
	Lane   int
	Reason error
}

func (e *RejectedError) Error() string {
	if errors.Is(e.Reason, ErrPoolClosed) {
		return fmt.Sprintf("%s: %s job for %q rejected: %v", e.Pool, e.Kind, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s: %s job for %q rejected: lane %d: %v", e.Pool, e.Kind, e.Key, e.Lane, e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Reason }
