package domain

import (
	"encoding/json"
	"time"
)

// TaskKind is the mutating operation a Task carries.
type TaskKind string

const (
	TaskCreate  TaskKind = "create"
	TaskDelete  TaskKind = "delete"
	TaskRestore TaskKind = "restore"
)

// TaskStatus is the lifecycle of a queued task.
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
)

// Task is a durable (when a database is attached) or in-memory unit of work
// processed by the task queue, at most one `running` per AppName.
type Task struct {
	ID            string          `json:"id"`
	AppName       string          `json:"appName"`
	Kind          TaskKind        `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        TaskStatus      `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ResultSuccess json.RawMessage `json:"resultSuccess,omitempty"`
	ResultError   string          `json:"resultError,omitempty"`
}

// StatusChangeState is the state of an entry in the status change registry.
type StatusChangeState string

const (
	StatusPending StatusChangeState = "pending"
	StatusReady   StatusChangeState = "ready"
	StatusFailed  StatusChangeState = "failed"
)

// StatusChange is a process-local handle to an in-flight or recently
// completed operation, used by the async HTTP responder.
type StatusChange struct {
	ID        string
	AppName   string
	State     StatusChangeState
	Result    []Service
	Err       error
	CreatedAt time.Time
}
