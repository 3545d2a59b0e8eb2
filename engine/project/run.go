package project

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/executor"
	"github.com/flowline/flowline/engine/infra/monitoring"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/engine/scheduler"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/logger"
)

// Method selects which tasks of a previous run are executed again.
type Method string

const (
	// MethodRetry re-executes everything that did not complete.
	MethodRetry Method = "retry"
	// MethodResume re-executes interrupted work only. Failed tasks stay failed.
	MethodResume Method = "resume"
)

const interruptedDetail = "interrupted"

var ErrRunActive = errors.New("run is still active")

type RunOptions struct {
	// Executor replaces the backend selected by the settings.
	Executor executor.Executor
	// OnStart is called once the run is persisted, before any task executes.
	OnStart func(run runindex.Run)
}

// StartRun builds the workflow from templates and executes it as a new run.
func (p *Project) StartRun(
	ctx context.Context,
	templates []string,
	vars map[string]any,
	opts *RunOptions,
) (*scheduler.Result, error) {
	wf, err := p.Build(ctx, templates, vars)
	if err != nil {
		return nil, err
	}
	return p.execute(ctx, wf, &runindex.CreateOptions{Origin: core.OriginStart}, nil, opts)
}

// ResumeRun continues a previous run as a new run whose parent is ref. The
// workflow is rebuilt from the specifications stored with the run; completed
// tasks are carried over and not executed again. A run left running by a
// process that died is marked canceled first.
func (p *Project) ResumeRun(
	ctx context.Context,
	ref string,
	method Method,
	opts *RunOptions,
) (*scheduler.Result, error) {
	if method != MethodRetry && method != MethodResume {
		return nil, core.NewErrorf(core.ErrCodeConfig, string(method), "unknown resume method")
	}
	id, err := p.ix.ResolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	snap, err := p.ix.LoadRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Run.Status == core.RunRunning {
		if _, err := p.finalizeInterrupted(ctx, id); err != nil {
			return nil, err
		}
		if snap, err = p.ix.LoadRun(ctx, id); err != nil {
			return nil, err
		}
	}
	wf, err := workflow.Build(snap.Specs())
	if err != nil {
		return nil, err
	}
	carry := make(map[string]*runindex.TaskState)
	initial := make(map[string]core.StatusType)
	for _, st := range snap.Tasks {
		if !keep(method, st.Status) {
			continue
		}
		carried := *st
		carry[st.Name] = &carried
		initial[st.Name] = st.Status
	}
	logger.FromContext(ctx).Info(
		"Resuming run",
		"parent_id", id, "method", method, "carried", len(carry), "tasks", wf.Len(),
	)
	origin := core.OriginResume
	if method == MethodRetry {
		origin = core.OriginRetry
	}
	return p.execute(ctx, wf, &runindex.CreateOptions{
		Origin:   origin,
		ParentID: id,
		Carry:    carry,
	}, initial, opts)
}

// keep reports whether a task in status is carried into the next run as is.
func keep(method Method, status core.StatusType) bool {
	switch status {
	case core.StatusComplete:
		return true
	case core.StatusFailed, core.StatusSkipped:
		return method == MethodResume
	default:
		return false
	}
}

func (p *Project) execute(
	ctx context.Context,
	wf *workflow.Workflow,
	create *runindex.CreateOptions,
	initial map[string]core.StatusType,
	opts *RunOptions,
) (*scheduler.Result, error) {
	if opts == nil {
		opts = &RunOptions{}
	}
	log := logger.FromContext(ctx)
	exec := opts.Executor
	if exec == nil {
		var err error
		exec, err = executor.New(&p.cfg.Executor, &executor.Options{
			WorkDir: p.paths.Root,
			LogsDir: p.paths.LogsDir,
			EnvFile: p.paths.EnvFile,
		})
		if err != nil {
			return nil, err
		}
	}

	create.MaxConcurrent = p.cfg.Runtime.MaxConcurrentTasks
	create.Backend = p.cfg.Executor.Backend
	stopMetrics := p.startMonitoring(ctx, monitoring.RunInfo{
		Project:       filepath.Base(p.paths.Root),
		Backend:       create.Backend,
		MaxConcurrent: create.MaxConcurrent,
		Tasks:         wf.Len(),
	})
	defer stopMetrics()

	h, err := p.ix.CreateRun(ctx, wf, create)
	if err != nil {
		return nil, err
	}
	defer h.Close(ctx)
	log.Info("Run started", "run_id", h.ID(), "tasks", wf.Len(), "max_concurrent", create.MaxConcurrent)
	if opts.OnStart != nil {
		opts.OnStart(h.Run())
	}

	sched := scheduler.New(exec, &scheduler.Options{
		MaxConcurrent: p.cfg.Runtime.MaxConcurrentTasks,
		RetryBackoff:  p.cfg.Executor.RetryBackoff,
	})
	res, err := sched.Run(ctx, wf, h, initial)
	if err != nil {
		if ferr := h.Finish(context.WithoutCancel(ctx), core.RunFailed, err.Error()); ferr != nil {
			log.Warn("Failed to mark aborted run", "run_id", h.ID(), "error", ferr)
		}
		return nil, err
	}
	return res, nil
}

// startMonitoring serves scheduler metrics for the duration of a run when
// enabled. The returned func stops the endpoint.
func (p *Project) startMonitoring(ctx context.Context, info monitoring.RunInfo) func() {
	mc := p.cfg.Monitoring
	if !mc.Enabled {
		return func() {}
	}
	log := logger.FromContext(ctx)
	svc := monitoring.NewMonitoringServiceWithFallback(ctx, &monitoring.Config{
		Enabled: mc.Enabled,
		Addr:    mc.Addr,
		Path:    mc.Path,
	})
	if !svc.IsInitialized() {
		return func() {}
	}
	svc.SetAsGlobal()
	svc.RecordRun(ctx, info)
	if err := svc.Start(ctx); err != nil {
		log.Warn("Metrics endpoint unavailable", "error", err)
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			log.Warn("Failed to stop metrics endpoint", "error", err)
		}
	}
}

// finalizeInterrupted marks a run whose writer is gone as canceled and
// reports whether it did. Task states are read again once the writer lock is
// held, so a run that finished in the meantime is left untouched. It fails
// with ErrRunActive while a writer still holds the run.
func (p *Project) finalizeInterrupted(ctx context.Context, id core.ID) (bool, error) {
	h, err := p.ix.AttachRun(ctx, id)
	if errors.Is(err, runindex.ErrRunLocked) {
		return false, fmt.Errorf("run %s: %w", id, ErrRunActive)
	}
	if err != nil {
		return false, err
	}
	defer h.Close(ctx)
	if h.Run().Status != core.RunRunning {
		return false, nil
	}
	snap, err := p.ix.LoadRun(ctx, id)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	for _, st := range snap.Tasks {
		if st.Status.IsTerminal() {
			continue
		}
		if err := h.RecordTransition(ctx, st.Name, &runindex.Update{
			Status:   core.StatusCanceled,
			Attempts: st.Attempts,
			ExitCode: st.ExitCode,
			Error:    interruptedDetail,
			EndedAt:  &now,
			Detail:   interruptedDetail,
		}); err != nil {
			return false, err
		}
	}
	if err := h.Finish(ctx, core.RunCanceled, interruptedDetail); err != nil {
		return false, err
	}
	logger.FromContext(ctx).Warn("Marked interrupted run as canceled", "run_id", id)
	return true, nil
}

// RecoverRuns finalizes every run still marked running whose writer is gone
// and returns their ids. Runs with a live writer are left alone.
func (p *Project) RecoverRuns(ctx context.Context) ([]core.ID, error) {
	runs, err := p.ix.ListRuns(ctx, 0, core.RunRunning)
	if err != nil {
		return nil, err
	}
	var recovered []core.ID
	for _, r := range runs {
		finalized, err := p.finalizeInterrupted(ctx, r.ID)
		if errors.Is(err, ErrRunActive) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		if finalized {
			recovered = append(recovered, r.ID)
		}
	}
	return recovered, nil
}

// InspectRun returns a snapshot of a run. It is safe to call while the run is
// executing in another process. ref may be a run id or "latest".
func (p *Project) InspectRun(ctx context.Context, ref string) (*runindex.RunSnapshot, error) {
	id, err := p.ix.ResolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.ix.LoadRun(ctx, id)
}

// History returns the status transitions of a run in the order they were recorded.
func (p *Project) History(ctx context.Context, ref string) ([]*runindex.Transition, error) {
	id, err := p.ix.ResolveRunID(ctx, ref)
	if err != nil {
		return nil, err
	}
	return p.ix.Transitions(ctx, id)
}

// ListRuns lists runs, newest first. A limit of zero lists all of them.
func (p *Project) ListRuns(ctx context.Context, limit int, statuses ...core.RunStatus) ([]*runindex.Run, error) {
	return p.ix.ListRuns(ctx, limit, statuses...)
}
