package port

import (
	"context"
	"encoding/json"

	"github.com/chiwei-platform/fleetform/internal/domain"
)

// TaskHandler executes one queued task's payload; the queue calls it with
// at-most-one concurrent invocation per AppName.
type TaskHandler func(ctx context.Context, task domain.Task) (json.RawMessage, error)

// TaskQueue provides at-most-one-writer-per-app semantics and durable
// resumption when a database is attached.
type TaskQueue interface {
	// Enqueue appends a task and returns immediately; it does not wait for
	// the task to run.
	Enqueue(ctx context.Context, task domain.Task) error

	// Run starts consuming tasks with handler until ctx is cancelled.
	Run(ctx context.Context, handler TaskHandler)

	// Get returns the current state of a task by id.
	Get(ctx context.Context, id string) (domain.Task, bool, error)
}
