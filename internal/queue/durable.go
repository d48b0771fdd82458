package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chiwei-platform/fleetform/internal/domain"
	"github.com/chiwei-platform/fleetform/internal/port"
)

// createTableSQL defines the app_task table, which only the queue package
// uses; it owns its own minimal SQL so it can run FOR UPDATE SKIP LOCKED,
// which gorm has no first-class support for.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS app_task (
	id             text PRIMARY KEY,
	app_name       text NOT NULL,
	kind           text NOT NULL,
	payload        jsonb NOT NULL DEFAULT '{}',
	status         text NOT NULL,
	created_at     timestamptz NOT NULL,
	locked_at      timestamptz,
	result_success jsonb,
	result_error   text
);
CREATE INDEX IF NOT EXISTS app_task_app_status_idx ON app_task (app_name, status);
`

// Durable is a PostgreSQL-backed TaskQueue: tasks survive process restarts,
// and at most one task per AppName is claimed at a time via
// SELECT ... FOR UPDATE SKIP LOCKED.
type Durable struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	leaseExpiry  time.Duration
}

func NewDurable(pool *pgxpool.Pool, pollInterval, leaseExpiry time.Duration) *Durable {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if leaseExpiry <= 0 {
		leaseExpiry = 5 * time.Minute
	}
	return &Durable{pool: pool, pollInterval: pollInterval, leaseExpiry: leaseExpiry}
}

// Migrate creates app_task if it does not already exist.
func (d *Durable) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, createTableSQL)
	return err
}

func (d *Durable) Enqueue(ctx context.Context, task domain.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Payload == nil {
		task.Payload = json.RawMessage("{}")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO app_task (id, app_name, kind, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.AppName, string(task.Kind), task.Payload, string(domain.TaskQueued), task.CreatedAt)
	return err
}

func (d *Durable) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, app_name, kind, payload, status, created_at, result_success, result_error
		FROM app_task WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// Run polls for the oldest queued task of every app that has no task
// currently running, claims it under FOR UPDATE SKIP LOCKED, and executes
// it with handler. Orphaned rows left `running` past leaseExpiry (a crashed
// worker) are reclaimed on the next poll.
func (d *Durable) Run(ctx context.Context, handler port.TaskHandler) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reclaimExpiredLeases(ctx)
			for {
				claimed, err := d.claimAndRun(ctx, handler)
				if err != nil {
					slog.Error("durable queue: claim failed", "error", err)
					break
				}
				if !claimed {
					break
				}
			}
		}
	}
}

// claimAndRun claims the oldest queued task whose app has no task running
// and executes it inline; it returns claimed=true if a task ran, so the
// caller can keep draining the backlog between poll ticks.
func (d *Durable) claimAndRun(ctx context.Context, handler port.TaskHandler) (bool, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, app_name, kind, payload, status, created_at, result_success, result_error
		FROM app_task
		WHERE status = $1
		  AND app_name NOT IN (SELECT app_name FROM app_task WHERE status = $2)
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
		string(domain.TaskQueued), string(domain.TaskRunning))

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE app_task SET status = $1, locked_at = now() WHERE id = $2`,
		string(domain.TaskRunning), task.ID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}

	task.Status = domain.TaskRunning
	result, runErr := handler(ctx, task)

	if runErr != nil {
		_, err := d.pool.Exec(ctx, `UPDATE app_task SET status = $1, result_error = $2 WHERE id = $3`,
			string(domain.TaskDone), runErr.Error(), task.ID)
		if err != nil {
			return true, err
		}
		slog.Warn("durable task failed", "app", task.AppName, "task", task.ID, "kind", task.Kind, "error", runErr)
		return true, nil
	}

	_, err = d.pool.Exec(ctx, `UPDATE app_task SET status = $1, result_success = $2 WHERE id = $3`,
		string(domain.TaskDone), result, task.ID)
	return true, err
}

// reclaimExpiredLeases resets tasks stuck `running` past leaseExpiry back to
// `queued`, recovering from a worker that crashed mid-task.
func (d *Durable) reclaimExpiredLeases(ctx context.Context) {
	cutoff := time.Now().Add(-d.leaseExpiry)
	tag, err := d.pool.Exec(ctx, `
		UPDATE app_task SET status = $1, locked_at = NULL
		WHERE status = $2 AND locked_at < $3`,
		string(domain.TaskQueued), string(domain.TaskRunning), cutoff)
	if err != nil {
		slog.Error("durable queue: reclaim failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		slog.Warn("durable queue: reclaimed orphaned tasks", "count", tag.RowsAffected())
	}
}

type row interface {
	Scan(dest ...any) error
}

func scanTask(r row) (domain.Task, error) {
	var (
		t             domain.Task
		kind, status  string
		resultSuccess []byte
		resultError   *string
	)
	if err := r.Scan(&t.ID, &t.AppName, &kind, &t.Payload, &status, &t.CreatedAt, &resultSuccess, &resultError); err != nil {
		return domain.Task{}, err
	}
	t.Kind = domain.TaskKind(kind)
	t.Status = domain.TaskStatus(status)
	if len(resultSuccess) > 0 {
		t.ResultSuccess = resultSuccess
	}
	if resultError != nil {
		t.ResultError = *resultError
	}
	return t, nil
}

var _ port.TaskQueue = (*Durable)(nil)

// ErrNotConfigured is returned by callers that need a database but the
// operator left the [database] table unset.
var ErrNotConfigured = fmt.Errorf("%w: no [database] configured", domain.ErrNotSupported)
