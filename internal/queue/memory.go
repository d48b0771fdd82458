// Package queue provides two TaskQueue implementations: an in-memory queue
// for single-instance deployments, and a PostgreSQL-backed durable queue for
// multi-instance deployments. Both guarantee at-most-one running task per
// app.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
)

// Memory is an in-process TaskQueue: one buffered channel and one worker
// goroutine per app, so tasks for different apps run concurrently while
// tasks for the same app are strictly serialized.
type Memory struct {
	mu      sync.RWMutex
	tasks   map[string]domain.Task
	queues  map[string]chan domain.Task
	started map[string]bool
	handler port.TaskHandler
	ctx     context.Context
	ready   chan struct{}
}

func NewMemory() *Memory {
	return &Memory{
		tasks:   make(map[string]domain.Task),
		queues:  make(map[string]chan domain.Task),
		started: make(map[string]bool),
		ready:   make(chan struct{}),
	}
}

// Run stores handler, unblocks any worker goroutines waiting on it, then
// blocks until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, handler port.TaskHandler) {
	m.mu.Lock()
	m.handler = handler
	m.ctx = ctx
	m.mu.Unlock()
	close(m.ready)
	<-ctx.Done()
}

// Enqueue appends task to its app's queue, starting that app's worker
// goroutine on first use.
func (m *Memory) Enqueue(ctx context.Context, task domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = domain.TaskQueued

	m.mu.Lock()
	m.tasks[task.ID] = task
	ch, ok := m.queues[task.AppName]
	if !ok {
		ch = make(chan domain.Task, 64)
		m.queues[task.AppName] = ch
	}
	needsWorker := !m.started[task.AppName]
	if needsWorker {
		m.started[task.AppName] = true
	}
	m.mu.Unlock()

	if needsWorker {
		go m.worker(task.AppName, ch)
	}

	select {
	case ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the current state of a task by id.
func (m *Memory) Get(_ context.Context, id string) (domain.Task, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *Memory) worker(appName string, ch chan domain.Task) {
	for task := range ch {
		// Wait for Run to have installed a handler; Enqueue can race ahead
		// of the goroutine that calls Run, and a task must never be
		// silently dropped for arriving first.
		<-m.ready

		m.mu.RLock()
		handler, ctx := m.handler, m.ctx
		m.mu.RUnlock()

		task.Status = domain.TaskRunning
		m.setTask(task)

		result, err := handler(ctx, task)
		task.Status = domain.TaskDone
		if err != nil {
			task.ResultError = err.Error()
			slog.Warn("task failed", "app", appName, "task", task.ID, "kind", task.Kind, "error", err)
		} else {
			task.ResultSuccess = result
		}
		m.setTask(task)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (m *Memory) setTask(task domain.Task) {
	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()
}

var _ port.TaskQueue = (*Memory)(nil)
