package runindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/infra/sqlite"
	"github.com/flowline/flowline/engine/task"
)

const (
	runColumns  = `id, status, origin, parent_id, task_count, max_concurrent, backend, detail, started_at, ended_at`
	taskColumns = `name, position, spec, status, attempts, exit_code, error, started_at, ended_at, updated_at`
)

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// LoadRun returns a consistent snapshot of a run. It reads committed state
// only and is safe to call while the run is being written.
func (ix *Index) LoadRun(ctx context.Context, id core.ID) (*RunSnapshot, error) {
	var snap *RunSnapshot
	err := sqlite.WithTx(ctx, ix.reader.DB(), nil, func(tx *sql.Tx) error {
		run, err := getRun(ctx, tx, id)
		if err != nil {
			return err
		}
		tasks, err := listTasks(ctx, tx, id)
		if err != nil {
			return err
		}
		snap = &RunSnapshot{Run: run, Tasks: tasks}
		run.Counts = snap.Counts()
		return nil
	})
	if err != nil {
		return nil, readError(id, err)
	}
	return snap, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
// A non-positive limit lists every run.
func (ix *Index) ListRuns(ctx context.Context, limit int, statuses ...core.RunStatus) ([]*Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + sqlite.Placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*Run
	err := sqlite.WithTx(ctx, ix.reader.DB(), nil, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("sqlite: list runs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sqlite: iter runs: %w", err)
		}
		return countTasks(ctx, tx, out)
	})
	if err != nil {
		return nil, core.NewIndexError(ix.paths.IndexFile, err)
	}
	return out, nil
}

// Transitions returns the audit log of a run in recording order.
func (ix *Index) Transitions(ctx context.Context, id core.ID) ([]*Transition, error) {
	const q = `SELECT id, run_id, task_name, from_status, to_status, detail, recorded_at
		FROM transitions WHERE run_id = ? ORDER BY id`
	rows, err := ix.reader.DB().QueryContext(ctx, q, id)
	if err != nil {
		return nil, core.NewIndexError(id.String(), fmt.Errorf("sqlite: list transitions: %w", err))
	}
	defer rows.Close()
	var out []*Transition
	for rows.Next() {
		var tr Transition
		var recorded string
		if err := rows.Scan(&tr.Seq, &tr.RunID, &tr.Task, &tr.From, &tr.To, &tr.Detail, &recorded); err != nil {
			return nil, core.NewIndexError(id.String(), fmt.Errorf("sqlite: scan transition: %w", err))
		}
		if tr.RecordedAt, err = sqlite.ParseTime(recorded); err != nil {
			return nil, core.NewIndexError(id.String(), err)
		}
		out = append(out, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, core.NewIndexError(id.String(), fmt.Errorf("sqlite: iter transitions: %w", err))
	}
	return out, nil
}

func getRun(ctx context.Context, q querier, id core.ID) (*Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

func listTasks(ctx context.Context, q querier, id core.ID) ([]*TaskState, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()
	var out []*TaskState
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter tasks: %w", err)
	}
	return out, nil
}

func countTasks(ctx context.Context, q querier, runs []*Run) error {
	if len(runs) == 0 {
		return nil
	}
	byID := make(map[core.ID]*Run, len(runs))
	args := make([]any, len(runs))
	for i, r := range runs {
		byID[r.ID] = r
		r.Counts = make(map[core.StatusType]int)
		args[i] = r.ID
	}
	rows, err := q.QueryContext(
		ctx,
		`SELECT run_id, status, COUNT(*) FROM tasks WHERE run_id IN (`+sqlite.Placeholders(len(runs))+`)
		 GROUP BY run_id, status`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("sqlite: count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id core.ID
		var status core.StatusType
		var n int
		if err := rows.Scan(&id, &status, &n); err != nil {
			return fmt.Errorf("sqlite: scan task count: %w", err)
		}
		if r, ok := byID[id]; ok {
			r.Counts[status] = n
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: iter task counts: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r       Run
		parent  sql.NullString
		started string
		ended   sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.Status, &r.Origin, &parent, &r.TaskCount, &r.MaxConcurrent,
		&r.Backend, &r.Detail, &started, &ended,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sqlite: scan run: %w", err)
	}
	if parent.Valid {
		r.ParentID = core.ID(parent.String)
	}
	if r.StartedAt, err = sqlite.ParseTime(started); err != nil {
		return nil, err
	}
	if r.EndedAt, err = sqlite.ParseNullTime(ended); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanTask(row rowScanner) (*TaskState, error) {
	var (
		t        TaskState
		spec     []byte
		exitCode sql.NullInt64
		started  sql.NullString
		ended    sql.NullString
		updated  string
	)
	err := row.Scan(
		&t.Name, &t.Position, &spec, &t.Status, &t.Attempts, &exitCode,
		&t.Error, &started, &ended, &updated,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan task: %w", err)
	}
	t.Spec = &task.Spec{}
	if err = sqlite.FromJSONText(spec, t.Spec); err != nil {
		return nil, fmt.Errorf("task %q: %w", t.Name, err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		t.ExitCode = &code
	}
	if t.StartedAt, err = sqlite.ParseNullTime(started); err != nil {
		return nil, err
	}
	if t.EndedAt, err = sqlite.ParseNullTime(ended); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = sqlite.ParseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func readError(id core.ID, err error) error {
	if errors.Is(err, ErrRunNotFound) {
		return fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return core.NewIndexError(id.String(), err)
}

func nullExitCode(code *int) sql.NullInt64 {
	if code == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*code), Valid: true}
}
