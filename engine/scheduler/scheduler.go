package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/executor"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/logger"
)

const defaultRetryBackoff = time.Second

// ErrAborted is wrapped by index failures that stopped a run.
var ErrAborted = errors.New("run aborted")

// Recorder is the durable side of a run. Every transition is written through
// it before the scheduler takes its next decision.
type Recorder interface {
	ID() core.ID
	RecordTransition(ctx context.Context, name string, upd *runindex.Update) error
	Finish(ctx context.Context, status core.RunStatus, detail string) error
}

type Options struct {
	// MaxConcurrent bounds the slots held by running tasks.
	MaxConcurrent int
	// RetryBackoff is the base delay of the exponential backoff between attempts.
	RetryBackoff time.Duration
}

// Scheduler executes workflows. One Scheduler may run several workflows, each
// Run call owns its own state.
type Scheduler struct {
	exec          executor.Executor
	maxConcurrent int
	retryBackoff  time.Duration
}

func New(exec executor.Executor, opts *Options) *Scheduler {
	s := &Scheduler{exec: exec, maxConcurrent: 1, retryBackoff: defaultRetryBackoff}
	if opts != nil {
		if opts.MaxConcurrent > 0 {
			s.maxConcurrent = opts.MaxConcurrent
		}
		if opts.RetryBackoff > 0 {
			s.retryBackoff = opts.RetryBackoff
		}
	}
	return s
}

// Run drives wf to completion, writing every transition to rec, and marks the
// run finished. Canceling ctx cancels the run: undispatched tasks become
// canceled and running tasks are asked to stop.
//
// initial carries task statuses from a previous run. Terminal tasks are not
// executed again; missing or non-terminal tasks start pending.
//
// Task failures are reported in the Result, not as an error. A non-nil error
// means the index could not be written and the run was aborted.
func (s *Scheduler) Run(
	ctx context.Context,
	wf *workflow.Workflow,
	rec Recorder,
	initial map[string]core.StatusType,
) (*Result, error) {
	log := logger.FromContext(ctx).With("run_id", rec.ID())
	ctx = logger.ContextWithLogger(ctx, log)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	c := &coordinator{
		s:       s,
		wf:      wf,
		rec:     rec,
		wctx:    context.WithoutCancel(ctx),
		log:     log,
		nodes:   make([]*nodeState, wf.Len()),
		ready:   &readyHeap{},
		sem:     semaphore.NewWeighted(int64(s.maxConcurrent)),
		work:    make(chan *job, s.maxConcurrent),
		done:    make(chan *completion, s.maxConcurrent),
		started: time.Now(),
		metrics: schedulerMetricsRecorder(ctx),
	}

	var workers sync.WaitGroup
	for range s.maxConcurrent {
		workers.Go(func() {
			for j := range c.work {
				c.done <- s.execute(runCtx, rec.ID(), j)
			}
		})
	}

	err := c.loop(ctx, cancelRun, initial)
	close(c.work)
	workers.Wait()
	if err != nil {
		log.Error("Run aborted", "error", err)
		return nil, err
	}

	res := c.result()
	c.metrics.recordRun(ctx, res.Status, res.Duration)
	if err := rec.Finish(c.wctx, res.Status, res.Summary()); err != nil {
		return nil, err
	}
	log.Info("Run finished", "status", res.Status, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}
