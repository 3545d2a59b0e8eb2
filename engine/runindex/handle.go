package runindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/infra/sqlite"
	"github.com/flowline/flowline/engine/task"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/logger"
)

var ErrTaskNotFound = errors.New("task not found in run")

// RunHandle is the exclusive writer of one run. It holds the run's file lock
// until Close.
type RunHandle struct {
	ix     *Index
	lock   *flock.Flock
	mu     sync.Mutex
	run    Run
	closed bool
}

// CreateRun allocates a run ID, takes its writer lock and persists the run
// together with every task row in a single transaction.
func (ix *Index) CreateRun(ctx context.Context, wf *workflow.Workflow, opts *CreateOptions) (*RunHandle, error) {
	if opts == nil {
		opts = &CreateOptions{}
	}
	id, err := core.NewID()
	if err != nil {
		return nil, core.NewIndexError(ix.paths.IndexFile, err)
	}
	lock, err := ix.acquire(id)
	if err != nil {
		return nil, err
	}
	origin := opts.Origin
	if origin == "" {
		origin = core.OriginStart
	}
	backend := opts.Backend
	if backend == "" {
		backend = "local"
	}
	run := Run{
		ID:            id,
		Status:        core.RunRunning,
		Origin:        origin,
		ParentID:      opts.ParentID,
		TaskCount:     wf.Len(),
		MaxConcurrent: opts.MaxConcurrent,
		Backend:       backend,
		StartedAt:     time.Now().UTC(),
	}
	err = sqlite.WithTx(ctx, ix.writer.DB(), nil, func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, &run); err != nil {
			return err
		}
		for _, n := range wf.Nodes() {
			st := &TaskState{Name: n.Name(), Status: core.StatusPending}
			if carried, ok := opts.Carry[n.Name()]; ok && carried != nil {
				st = carried
			}
			if err := insertTask(ctx, tx, id, n.Index, n.Spec, st, run.StartedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		ix.release(ctx, lock)
		return nil, core.NewIndexError(id.String(), err)
	}
	logger.FromContext(ctx).Debug("Run created", "run_id", id, "tasks", run.TaskCount, "origin", origin)
	return &RunHandle{ix: ix, lock: lock, run: run}, nil
}

// AttachRun reopens an existing run for writing. It fails with ErrRunLocked
// while another handle, in this or another process, owns the run.
func (ix *Index) AttachRun(ctx context.Context, id core.ID) (*RunHandle, error) {
	lock, err := ix.acquire(id)
	if err != nil {
		return nil, err
	}
	run, err := getRun(ctx, ix.writer.DB(), id)
	if err != nil {
		ix.release(ctx, lock)
		return nil, readError(id, err)
	}
	return &RunHandle{ix: ix, lock: lock, run: *run}, nil
}

func (ix *Index) acquire(id core.ID) (*flock.Flock, error) {
	path := ix.paths.RunLockFile(id)
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, core.NewIndexError(path, err)
	}
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunLocked)
	}
	return lock, nil
}

func (ix *Index) release(ctx context.Context, lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		logger.FromContext(ctx).Warn("Failed to release run lock", "path", lock.Path(), "error", err)
	}
}

func (h *RunHandle) ID() core.ID {
	return h.run.ID
}

// Run returns a copy of the run row as last written through this handle.
func (h *RunHandle) Run() Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run
}

// RecordTransition durably applies upd to a task and appends the change to
// the audit log. Both writes commit together or not at all.
func (h *RunHandle) RecordTransition(ctx context.Context, name string, upd *Update) error {
	if upd == nil || !upd.Status.IsValid() {
		return fmt.Errorf("task %q: invalid status update", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	now := time.Now().UTC()
	err := sqlite.WithTx(ctx, h.ix.writer.DB(), nil, func(tx *sql.Tx) error {
		var from core.StatusType
		err := tx.QueryRowContext(
			ctx,
			`SELECT status FROM tasks WHERE run_id = ? AND name = ?`,
			h.run.ID, name,
		).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %q: %w", name, ErrTaskNotFound)
		}
		if err != nil {
			return fmt.Errorf("sqlite: get task status: %w", err)
		}
		const update = `UPDATE tasks SET status = ?, attempts = ?, exit_code = ?, error = ?,
			started_at = COALESCE(?, started_at), ended_at = ?, updated_at = ?
			WHERE run_id = ? AND name = ?`
		if _, err := tx.ExecContext(
			ctx, update,
			upd.Status, upd.Attempts, nullExitCode(upd.ExitCode), upd.Error,
			sqlite.NullTime(upd.StartedAt), sqlite.NullTime(upd.EndedAt), sqlite.FormatTime(now),
			h.run.ID, name,
		); err != nil {
			return fmt.Errorf("sqlite: update task: %w", err)
		}
		const audit = `INSERT INTO transitions (run_id, task_name, from_status, to_status, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(
			ctx, audit, h.run.ID, name, from, upd.Status, upd.Detail, sqlite.FormatTime(now),
		); err != nil {
			return fmt.Errorf("sqlite: insert transition: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return err
		}
		return core.NewIndexError(h.run.ID.String(), err)
	}
	return nil
}

// Finish stores the final run status.
func (h *RunHandle) Finish(ctx context.Context, status core.RunStatus, detail string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	ended := time.Now().UTC()
	const q = `UPDATE runs SET status = ?, detail = ?, ended_at = ? WHERE id = ?`
	if _, err := h.ix.writer.DB().ExecContext(
		ctx, q, status, detail, sqlite.FormatTime(ended), h.run.ID,
	); err != nil {
		return core.NewIndexError(h.run.ID.String(), fmt.Errorf("sqlite: finish run: %w", err))
	}
	h.run.Status = status
	h.run.Detail = detail
	h.run.EndedAt = &ended
	logger.FromContext(ctx).Debug("Run finished", "run_id", h.run.ID, "status", status)
	return nil
}

// Close releases the writer lock. It is safe to call more than once.
func (h *RunHandle) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.ix.release(ctx, h.lock)
}

func insertRun(ctx context.Context, tx *sql.Tx, r *Run) error {
	const q = `INSERT INTO runs (id, status, origin, parent_id, task_count, max_concurrent, backend, detail, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	parent := sql.NullString{String: r.ParentID.String(), Valid: !r.ParentID.IsZero()}
	if _, err := tx.ExecContext(
		ctx, q,
		r.ID, r.Status, r.Origin, parent, r.TaskCount, r.MaxConcurrent, r.Backend, r.Detail,
		sqlite.FormatTime(r.StartedAt),
	); err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

func insertTask(
	ctx context.Context,
	tx *sql.Tx,
	runID core.ID,
	position int,
	spec *task.Spec,
	st *TaskState,
	now time.Time,
) error {
	data, err := sqlite.ToJSONText(spec)
	if err != nil {
		return fmt.Errorf("task %q: %w", spec.Name, err)
	}
	const q = `INSERT INTO tasks (run_id, name, position, spec, status, attempts, exit_code, error,
		started_at, ended_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(
		ctx, q,
		runID, spec.Name, position, string(data), st.Status, st.Attempts, nullExitCode(st.ExitCode), st.Error,
		sqlite.NullTime(st.StartedAt), sqlite.NullTime(st.EndedAt), sqlite.FormatTime(now),
	); err != nil {
		return fmt.Errorf("sqlite: create task %q: %w", spec.Name, err)
	}
	return nil
}
