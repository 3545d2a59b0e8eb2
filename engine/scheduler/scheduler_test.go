package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/executor"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/engine/task"
	"github.com/flowline/flowline/engine/workflow"
)

type behavior func(ctx context.Context, attempt int) (*executor.Outcome, error)

// fakeExecutor succeeds unless a behavior is registered for the task.
type fakeExecutor struct {
	mu       sync.Mutex
	running  int
	peak     int
	calls    map[string]int
	order    []string
	behavior map[string]behavior
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{calls: map[string]int{}, behavior: map[string]behavior{}}
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd *executor.Command) (*executor.Outcome, error) {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.calls[cmd.Name()]++
	f.order = append(f.order, cmd.Name())
	b := f.behavior[cmd.Name()]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()
	if b != nil {
		return b(ctx, cmd.Attempt)
	}
	time.Sleep(5 * time.Millisecond)
	return &executor.Outcome{Success: true, Detail: "exit code 0"}, nil
}

func (f *fakeExecutor) callsOf(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func failWith(code int, line string) behavior {
	return func(context.Context, int) (*executor.Outcome, error) {
		return &executor.Outcome{ExitCode: code, Detail: line}, nil
	}
}

func blockUntilDone(started chan<- struct{}) behavior {
	return func(ctx context.Context, _ int) (*executor.Outcome, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return &executor.Outcome{ExitCode: -1, Detail: "terminated: " + ctx.Err().Error()}, nil
	}
}

func sp(name string, after ...string) *task.Spec {
	return &task.Spec{Name: name, Cmd: task.Command{Line: "true"}, After: after}
}

type harness struct {
	ix *runindex.Index
	wf *workflow.Workflow
	h  *runindex.RunHandle
}

func newHarness(t *testing.T, carry map[string]*runindex.TaskState, specs ...*task.Spec) *harness {
	t.Helper()
	ctx := context.Background()
	ix, err := runindex.Create(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close(ctx) })
	wf, err := workflow.Build(specs)
	require.NoError(t, err)
	h, err := ix.CreateRun(ctx, wf, &runindex.CreateOptions{Carry: carry})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close(ctx) })
	return &harness{ix: ix, wf: wf, h: h}
}

func (hs *harness) statuses(t *testing.T) map[string]core.StatusType {
	t.Helper()
	snap, err := hs.ix.LoadRun(context.Background(), hs.h.ID())
	require.NoError(t, err)
	out := make(map[string]core.StatusType, len(snap.Tasks))
	for _, st := range snap.Tasks {
		out[st.Name] = st.Status
	}
	return out
}

func TestScheduler_Run(t *testing.T) {
	t.Run("Should complete every task and record the run", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c", "a"), sp("d", "b", "c"))
		exec := newFakeExecutor()
		res, err := New(exec, &Options{MaxConcurrent: 4}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.Equal(t, 4, res.Counts[core.StatusComplete])
		assert.Empty(t, res.Failures)
		assert.NoError(t, res.Err())
		for name, st := range hs.statuses(t) {
			assert.Equal(t, core.StatusComplete, st, name)
		}
		snap, err := hs.ix.LoadRun(context.Background(), hs.h.ID())
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, snap.Run.Status)
		assert.NotNil(t, snap.Run.EndedAt)
		assert.Equal(t, "4/4 tasks complete", snap.Run.Detail)
	})

	t.Run("Should record every transition of a task", func(t *testing.T) {
		hs := newHarness(t, nil, sp("only"))
		_, err := New(newFakeExecutor(), nil).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		trs, err := hs.ix.Transitions(context.Background(), hs.h.ID())
		require.NoError(t, err)
		var path []string
		for _, tr := range trs {
			path = append(path, string(tr.From)+">"+string(tr.To))
		}
		assert.Equal(t, []string{"pending>ready", "ready>running", "running>complete"}, path)
	})

	t.Run("Should never dispatch before predecessors complete", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c", "b"))
		exec := newFakeExecutor()
		_, err := New(exec, &Options{MaxConcurrent: 3}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, exec.order)
		assert.Equal(t, 1, exec.peak)
	})
}

func TestScheduler_Failures(t *testing.T) {
	t.Run("Should skip the downstream of a failed task", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c", "b"))
		exec := newFakeExecutor()
		exec.behavior["b"] = failWith(2, "exit code 2: boom")
		res, err := New(exec, nil).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, res.Status)
		assert.Equal(t, map[string]core.StatusType{
			"a": core.StatusComplete,
			"b": core.StatusFailed,
			"c": core.StatusSkipped,
		}, hs.statuses(t))
		assert.Zero(t, exec.callsOf("c"))
		require.Len(t, res.Failures, 1)
		assert.Equal(t, "b", res.Failures[0].Task)
		assert.Equal(t, "exit code 2: boom", res.Failures[0].Cause)
		require.NotNil(t, res.Failures[0].ExitCode)
		assert.Equal(t, 2, *res.Failures[0].ExitCode)

		runErr := res.Err()
		require.Error(t, runErr)
		assert.Equal(t, core.ErrCodeTaskExecution, core.CodeOf(runErr))
		assert.Contains(t, runErr.Error(), "b: exit code 2: boom")

		snap, err := hs.ix.LoadRun(context.Background(), hs.h.ID())
		require.NoError(t, err)
		c, _ := snap.Task("c")
		assert.Equal(t, `dependency "b" failed`, c.Error)
	})

	t.Run("Should keep running independent branches", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c"), sp("d", "c"))
		exec := newFakeExecutor()
		exec.behavior["a"] = failWith(1, "exit code 1")
		res, err := New(exec, &Options{MaxConcurrent: 2}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, res.Status)
		st := hs.statuses(t)
		assert.Equal(t, core.StatusFailed, st["a"])
		assert.Equal(t, core.StatusSkipped, st["b"])
		assert.Equal(t, core.StatusComplete, st["c"])
		assert.Equal(t, core.StatusComplete, st["d"])
	})

	t.Run("Should fail an attempt that cannot start", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"))
		exec := newFakeExecutor()
		exec.behavior["a"] = func(context.Context, int) (*executor.Outcome, error) {
			return nil, errors.New("exec: \"nope\": executable file not found")
		}
		res, err := New(exec, nil).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		assert.Nil(t, res.Failures[0].ExitCode)
		assert.Contains(t, res.Failures[0].Cause, "executable file not found")
	})
}

func TestScheduler_Concurrency(t *testing.T) {
	t.Run("Should run one task at a time with a limit of one", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b"), sp("c"))
		exec := newFakeExecutor()
		res, err := New(exec, &Options{MaxConcurrent: 1}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.Equal(t, 1, exec.peak)
		assert.Equal(t, []string{"a", "b", "c"}, exec.order)
	})

	t.Run("Should respect task slots", func(t *testing.T) {
		heavy := sp("heavy")
		heavy.Slots = 2
		hs := newHarness(t, nil, heavy, sp("x"), sp("y"))
		exec := newFakeExecutor()
		var overlapped bool
		exec.behavior["heavy"] = func(context.Context, int) (*executor.Outcome, error) {
			time.Sleep(20 * time.Millisecond)
			exec.mu.Lock()
			overlapped = exec.running > 1
			exec.mu.Unlock()
			return &executor.Outcome{Success: true}, nil
		}
		res, err := New(exec, &Options{MaxConcurrent: 2}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.False(t, overlapped)
		assert.Equal(t, "heavy", exec.order[0])
	})

	t.Run("Should clamp slots to the concurrency limit", func(t *testing.T) {
		big := sp("big")
		big.Slots = 64
		hs := newHarness(t, nil, big)
		res, err := New(newFakeExecutor(), &Options{MaxConcurrent: 2}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
	})
}

func TestScheduler_TimeoutAndRetries(t *testing.T) {
	t.Run("Should fail a task that exceeds its timeout without retrying", func(t *testing.T) {
		slow := sp("slow")
		slow.Timeout = "50ms"
		slow.Retries = 2
		hs := newHarness(t, nil, slow, sp("after", "slow"))
		exec := newFakeExecutor()
		exec.behavior["slow"] = blockUntilDone(nil)
		res, err := New(exec, &Options{RetryBackoff: time.Millisecond}).Run(
			context.Background(), hs.wf, hs.h, nil,
		)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, res.Status)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, "timed out after 50ms", res.Failures[0].Cause)
		assert.Equal(t, 1, exec.callsOf("slow"))
		assert.Equal(t, core.StatusSkipped, hs.statuses(t)["after"])
	})

	t.Run("Should retry failed attempts", func(t *testing.T) {
		flaky := sp("flaky")
		flaky.Retries = 2
		hs := newHarness(t, nil, flaky)
		exec := newFakeExecutor()
		exec.behavior["flaky"] = func(_ context.Context, attempt int) (*executor.Outcome, error) {
			if attempt < 3 {
				return &executor.Outcome{ExitCode: 1, Detail: "exit code 1"}, nil
			}
			return &executor.Outcome{Success: true}, nil
		}
		res, err := New(exec, &Options{RetryBackoff: time.Millisecond}).Run(
			context.Background(), hs.wf, hs.h, nil,
		)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		snap, err := hs.ix.LoadRun(context.Background(), hs.h.ID())
		require.NoError(t, err)
		st, _ := snap.Task("flaky")
		assert.Equal(t, 3, st.Attempts)
	})

	t.Run("Should fail after the last retry", func(t *testing.T) {
		broken := sp("broken")
		broken.Retries = 1
		hs := newHarness(t, nil, broken)
		exec := newFakeExecutor()
		exec.behavior["broken"] = failWith(3, "exit code 3")
		res, err := New(exec, &Options{RetryBackoff: time.Millisecond}).Run(
			context.Background(), hs.wf, hs.h, nil,
		)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		assert.Equal(t, 2, res.Failures[0].Attempts)
		assert.Equal(t, 2, exec.callsOf("broken"))
	})

	t.Run("Should fail a task with an invalid timeout", func(t *testing.T) {
		bad := sp("bad")
		bad.Timeout = "soon"
		hs := newHarness(t, nil, bad)
		exec := newFakeExecutor()
		res, err := New(exec, nil).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, res.Status)
		assert.Zero(t, exec.callsOf("bad"))
	})
}

func TestScheduler_Cancellation(t *testing.T) {
	t.Run("Should cancel undispatched tasks and keep finished ones", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c", "b"), sp("d", "a"))
		exec := newFakeExecutor()
		started := make(chan struct{})
		exec.behavior["b"] = blockUntilDone(started)
		exec.behavior["d"] = blockUntilDone(nil)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-started
			cancel()
		}()
		res, err := New(exec, &Options{MaxConcurrent: 1}).Run(ctx, hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunCanceled, res.Status)
		assert.Equal(t, map[string]core.StatusType{
			"a": core.StatusComplete,
			"b": core.StatusCanceled,
			"c": core.StatusCanceled,
			"d": core.StatusCanceled,
		}, hs.statuses(t))
		assert.Zero(t, exec.callsOf("c"))
		assert.Zero(t, exec.callsOf("d"))

		trs, err := hs.ix.Transitions(context.Background(), hs.h.ID())
		require.NoError(t, err)
		for _, tr := range trs {
			if tr.Task == "a" {
				assert.NotEqual(t, core.StatusCanceled, tr.To)
			}
		}
		runErr := res.Err()
		require.Error(t, runErr)
		assert.Contains(t, runErr.Error(), "run canceled")
	})

	t.Run("Should complete a running task that still succeeds", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"))
		exec := newFakeExecutor()
		started := make(chan struct{})
		exec.behavior["a"] = func(ctx context.Context, _ int) (*executor.Outcome, error) {
			close(started)
			<-ctx.Done()
			return &executor.Outcome{Success: true}, nil
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-started
			cancel()
		}()
		res, err := New(exec, nil).Run(ctx, hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunCanceled, res.Status)
		st := hs.statuses(t)
		assert.Equal(t, core.StatusComplete, st["a"])
		assert.Equal(t, core.StatusCanceled, st["b"])
	})

	t.Run("Should report complete when the cancel arrives after the last task", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b", "a"))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		rec := &cancelingRecorder{RunHandle: hs.h, task: "b", cancel: cancel}
		res, err := New(newFakeExecutor(), nil).Run(ctx, hs.wf, rec, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.Equal(t, 2, res.Counts[core.StatusComplete])
		snap, err := hs.ix.LoadRun(context.Background(), hs.h.ID())
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, snap.Run.Status)
	})

	t.Run("Should cancel everything when started with a canceled context", func(t *testing.T) {
		hs := newHarness(t, nil, sp("a"), sp("b"))
		exec := newFakeExecutor()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := New(exec, nil).Run(ctx, hs.wf, hs.h, nil)
		require.NoError(t, err)
		assert.Equal(t, core.RunCanceled, res.Status)
		assert.Equal(t, 2, res.Counts[core.StatusCanceled])
		assert.Empty(t, exec.order)
	})
}

func TestScheduler_InitialStates(t *testing.T) {
	t.Run("Should not run carried complete tasks", func(t *testing.T) {
		carry := map[string]*runindex.TaskState{"a": {Status: core.StatusComplete, Attempts: 1}}
		hs := newHarness(t, carry, sp("a"), sp("b", "a"))
		exec := newFakeExecutor()
		res, err := New(exec, nil).Run(
			context.Background(), hs.wf, hs.h, map[string]core.StatusType{"a": core.StatusComplete},
		)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.Equal(t, []string{"b"}, exec.order)
	})

	t.Run("Should skip dependents of a carried failure", func(t *testing.T) {
		carry := map[string]*runindex.TaskState{"a": {Status: core.StatusFailed, Error: "exit code 1"}}
		hs := newHarness(t, carry, sp("a"), sp("b", "a"), sp("c", "b"), sp("d"))
		exec := newFakeExecutor()
		res, err := New(exec, nil).Run(
			context.Background(), hs.wf, hs.h, map[string]core.StatusType{"a": core.StatusFailed},
		)
		require.NoError(t, err)
		assert.Equal(t, core.RunFailed, res.Status)
		assert.Equal(t, []string{"d"}, exec.order)
		st := hs.statuses(t)
		assert.Equal(t, core.StatusSkipped, st["b"])
		assert.Equal(t, core.StatusSkipped, st["c"])
	})

	t.Run("Should restart non-terminal carried tasks", func(t *testing.T) {
		carry := map[string]*runindex.TaskState{"a": {Status: core.StatusPending}}
		hs := newHarness(t, carry, sp("a"))
		exec := newFakeExecutor()
		res, err := New(exec, nil).Run(
			context.Background(), hs.wf, hs.h, map[string]core.StatusType{"a": core.StatusRunning},
		)
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, res.Status)
		assert.Equal(t, 1, exec.callsOf("a"))
	})
}

// cancelingRecorder cancels the run once task completes.
type cancelingRecorder struct {
	*runindex.RunHandle
	task   string
	cancel context.CancelFunc
}

func (r *cancelingRecorder) RecordTransition(ctx context.Context, name string, upd *runindex.Update) error {
	if err := r.RunHandle.RecordTransition(ctx, name, upd); err != nil {
		return err
	}
	if name == r.task && upd.Status == core.StatusComplete {
		r.cancel()
	}
	return nil
}

// brokenRecorder fails every write after the first n.
type brokenRecorder struct {
	mu     sync.Mutex
	id     core.ID
	writes int
	n      int
}

func (r *brokenRecorder) ID() core.ID {
	return r.id
}

func (r *brokenRecorder) RecordTransition(context.Context, string, *runindex.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	if r.writes > r.n {
		return core.NewIndexError(r.id.String(), errors.New("disk I/O error"))
	}
	return nil
}

func (r *brokenRecorder) Finish(context.Context, core.RunStatus, string) error {
	return nil
}

func TestScheduler_IndexErrors(t *testing.T) {
	t.Run("Should abort the run and stop running tasks", func(t *testing.T) {
		wf, err := workflow.Build([]*task.Spec{sp("a"), sp("b"), sp("c", "a")})
		require.NoError(t, err)
		exec := newFakeExecutor()
		exec.behavior["b"] = blockUntilDone(nil)
		// a and b become ready and start, then completing a cannot be written.
		rec := &brokenRecorder{id: core.MustNewID(), n: 4}
		res, err := New(exec, &Options{MaxConcurrent: 2}).Run(context.Background(), wf, rec, nil)
		require.Error(t, err)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, core.ErrCodeIndexIO, core.CodeOf(err))
		assert.Zero(t, exec.callsOf("c"))
		exec.mu.Lock()
		defer exec.mu.Unlock()
		assert.Zero(t, exec.running, "workers must be stopped when Run returns")
	})

	t.Run("Should abort before dispatch when the first write fails", func(t *testing.T) {
		wf, err := workflow.Build([]*task.Spec{sp("a")})
		require.NoError(t, err)
		exec := newFakeExecutor()
		_, err = New(exec, nil).Run(context.Background(), wf, &brokenRecorder{id: core.MustNewID()}, nil)
		require.ErrorIs(t, err, ErrAborted)
		assert.Empty(t, exec.order)
	})
}

func TestScheduler_Metrics(t *testing.T) {
	t.Run("Should count task outcomes and runs", func(t *testing.T) {
		resetMetricsForTesting()
		t.Cleanup(resetMetricsForTesting)
		prev := otel.GetMeterProvider()
		reader := sdkmetric.NewManualReader()
		otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
		t.Cleanup(func() { otel.SetMeterProvider(prev) })

		hs := newHarness(t, nil, sp("a"), sp("b", "a"), sp("c"))
		exec := newFakeExecutor()
		exec.behavior["a"] = failWith(1, "exit code 1")
		_, err := New(exec, &Options{MaxConcurrent: 2}).Run(context.Background(), hs.wf, hs.h, nil)
		require.NoError(t, err)

		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		sums := map[string]map[string]int64{}
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				data, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					continue
				}
				sums[m.Name] = map[string]int64{}
				for _, dp := range data.DataPoints {
					status, _ := dp.Attributes.Value("status")
					sums[m.Name][status.AsString()] += dp.Value
				}
			}
		}
		assert.Equal(t, int64(2), sums["flowline_scheduler_tasks_dispatched_total"][""])
		assert.Equal(t, int64(1), sums["flowline_scheduler_tasks_total"]["failed"])
		assert.Equal(t, int64(1), sums["flowline_scheduler_tasks_total"]["skipped"])
		assert.Equal(t, int64(1), sums["flowline_scheduler_tasks_total"]["complete"])
		assert.Equal(t, int64(1), sums["flowline_scheduler_runs_total"]["failed"])
	})
}
