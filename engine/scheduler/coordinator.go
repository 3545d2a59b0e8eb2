package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/engine/task"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/logger"
)

// nodeState is the runtime view of one task. Only the coordinator goroutine
// touches it.
type nodeState struct {
	status   core.StatusType
	waiting  int
	slots    int
	attempts int
	exitCode *int
	cause    string
	started  *time.Time
	ended    *time.Time
}

type job struct {
	index int
	spec  *task.Spec
}

type coordinator struct {
	s        *Scheduler
	wf       *workflow.Workflow
	rec      Recorder
	wctx     context.Context
	log      logger.Logger
	nodes    []*nodeState
	ready    *readyHeap
	sem      *semaphore.Weighted
	work     chan *job
	done     chan *completion
	inflight int
	canceled bool
	started  time.Time
	metrics  *schedulerMetrics
}

func (c *coordinator) loop(
	ctx context.Context,
	cancelRun context.CancelFunc,
	initial map[string]core.StatusType,
) error {
	if err := c.seed(initial); err != nil {
		return c.abort(err, cancelRun)
	}
	cancelSignal := ctx.Done()
	for {
		if c.inflight == 0 && c.settled() {
			return nil
		}
		if !c.canceled && ctx.Err() != nil {
			if err := c.cancelPending(); err != nil {
				return c.abort(err, cancelRun)
			}
			cancelSignal = nil
		}
		if !c.canceled {
			if err := c.dispatch(); err != nil {
				return c.abort(err, cancelRun)
			}
		}
		if c.inflight == 0 {
			return nil
		}
		select {
		case res := <-c.done:
			if err := c.complete(res); err != nil {
				return c.abort(err, cancelRun)
			}
		case <-cancelSignal:
			cancelSignal = nil
		}
	}
}

// settled reports whether every task reached a terminal status. A cancel
// that arrives after that point does not change the run outcome.
func (c *coordinator) settled() bool {
	for _, st := range c.nodes {
		if !st.status.IsTerminal() {
			return false
		}
	}
	return true
}

// abort stops in-flight workers and waits for them without writing anything more.
func (c *coordinator) abort(err error, cancelRun context.CancelFunc) error {
	cancelRun()
	for c.inflight > 0 {
		res := <-c.done
		c.inflight--
		c.sem.Release(int64(c.nodes[res.index].slots))
	}
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

// seed applies carried statuses and computes the first ready set. Tasks are
// visited in topological order so a skip reaches every descendant.
func (c *coordinator) seed(initial map[string]core.StatusType) error {
	for i, n := range c.wf.Nodes() {
		status := core.StatusPending
		if st, ok := initial[n.Name()]; ok && st.IsTerminal() {
			status = st
		}
		c.nodes[i] = &nodeState{
			status: status,
			slots:  min(n.Spec.SlotsOrDefault(), c.s.maxConcurrent),
		}
	}
	for _, i := range c.wf.Order() {
		st := c.nodes[i]
		if st.status != core.StatusPending {
			continue
		}
		blocked := -1
		for _, p := range c.wf.Predecessors(i) {
			switch c.nodes[p].status {
			case core.StatusComplete:
			case core.StatusFailed, core.StatusSkipped, core.StatusCanceled:
				if blocked < 0 {
					blocked = p
				}
			default:
				st.waiting++
			}
		}
		if blocked >= 0 {
			cause := fmt.Sprintf("dependency %q %s", c.wf.Node(blocked).Name(), c.nodes[blocked].status)
			if err := c.skip(i, cause); err != nil {
				return err
			}
			continue
		}
		if st.waiting == 0 {
			if err := c.markReady(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch starts ready tasks in declared order while slots are free. The
// head of the heap blocks the tasks behind it until it fits.
func (c *coordinator) dispatch() error {
	for c.ready.Len() > 0 {
		i := c.ready.Peek()
		st := c.nodes[i]
		if !c.sem.TryAcquire(int64(st.slots)) {
			return nil
		}
		heap.Pop(c.ready)
		now := time.Now().UTC()
		st.status = core.StatusRunning
		st.started = &now
		name := c.wf.Node(i).Name()
		if err := c.record(name, &runindex.Update{
			Status:    core.StatusRunning,
			StartedAt: &now,
			Detail:    "dispatched",
		}); err != nil {
			c.sem.Release(int64(st.slots))
			return err
		}
		c.log.Info("Task started", "task", name)
		c.metrics.recordDispatch(c.wctx)
		c.inflight++
		c.work <- &job{index: i, spec: c.wf.Node(i).Spec}
	}
	return nil
}

func (c *coordinator) complete(res *completion) error {
	c.inflight--
	st := c.nodes[res.index]
	c.sem.Release(int64(st.slots))

	st.attempts = res.attempts
	st.exitCode = res.exitCode
	st.ended = &res.ended
	name := c.wf.Node(res.index).Name()
	upd := &runindex.Update{
		Attempts: res.attempts,
		ExitCode: res.exitCode,
		EndedAt:  &res.ended,
		Detail:   res.detail,
	}
	switch {
	case res.success:
		st.status = core.StatusComplete
	case res.canceled:
		st.status = core.StatusCanceled
		st.cause = res.detail
		upd.Error = res.detail
	default:
		st.status = core.StatusFailed
		st.cause = res.detail
		upd.Error = res.detail
	}
	upd.Status = st.status
	if err := c.record(name, upd); err != nil {
		return err
	}
	c.metrics.recordTask(c.wctx, st.status, res.ended.Sub(*st.started))

	switch st.status {
	case core.StatusComplete:
		c.log.Info("Task complete", "task", name, "attempts", res.attempts)
		for _, succ := range c.wf.Successors(res.index) {
			next := c.nodes[succ]
			next.waiting--
			if next.status == core.StatusPending && next.waiting == 0 && !c.canceled {
				if err := c.markReady(succ); err != nil {
					return err
				}
			}
		}
	case core.StatusFailed:
		c.log.Warn("Task failed", "task", name, "attempts", res.attempts, "cause", res.detail)
		for _, d := range c.wf.Descendants(res.index) {
			if s := c.nodes[d].status; s == core.StatusPending || s == core.StatusReady {
				if err := c.skip(d, fmt.Sprintf("dependency %q failed", name)); err != nil {
					return err
				}
			}
		}
	case core.StatusCanceled:
		c.log.Info("Task canceled", "task", name)
	}
	return nil
}

// cancelPending moves every undispatched task to canceled.
func (c *coordinator) cancelPending() error {
	c.canceled = true
	c.log.Warn("Run canceled, stopping tasks", "running", c.inflight)
	*c.ready = (*c.ready)[:0]
	now := time.Now().UTC()
	for i, st := range c.nodes {
		if st.status != core.StatusPending && st.status != core.StatusReady {
			continue
		}
		st.status = core.StatusCanceled
		st.cause = "run canceled"
		st.ended = &now
		if err := c.record(c.wf.Node(i).Name(), &runindex.Update{
			Status:  core.StatusCanceled,
			Error:   st.cause,
			EndedAt: &now,
			Detail:  st.cause,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *coordinator) markReady(i int) error {
	c.nodes[i].status = core.StatusReady
	if err := c.record(c.wf.Node(i).Name(), &runindex.Update{Status: core.StatusReady}); err != nil {
		return err
	}
	heap.Push(c.ready, i)
	return nil
}

func (c *coordinator) skip(i int, cause string) error {
	st := c.nodes[i]
	now := time.Now().UTC()
	st.status = core.StatusSkipped
	st.cause = cause
	st.ended = &now
	name := c.wf.Node(i).Name()
	c.log.Info("Task skipped", "task", name, "cause", cause)
	c.metrics.recordTask(c.wctx, core.StatusSkipped, 0)
	return c.record(name, &runindex.Update{
		Status:  core.StatusSkipped,
		Error:   cause,
		EndedAt: &now,
		Detail:  cause,
	})
}

func (c *coordinator) record(name string, upd *runindex.Update) error {
	return c.rec.RecordTransition(c.wctx, name, upd)
}

func (c *coordinator) result() *Result {
	res := &Result{
		RunID:    c.rec.ID(),
		Status:   core.RunComplete,
		Counts:   make(map[core.StatusType]int),
		Duration: time.Since(c.started),
	}
	for i, st := range c.nodes {
		res.Counts[st.status]++
		if st.status == core.StatusFailed {
			res.Failures = append(res.Failures, Failure{
				Task:     c.wf.Node(i).Name(),
				ExitCode: st.exitCode,
				Attempts: st.attempts,
				Cause:    st.cause,
			})
		}
	}
	switch {
	case c.canceled:
		res.Status = core.RunCanceled
	case res.Counts[core.StatusFailed] > 0:
		res.Status = core.RunFailed
	}
	return res
}

// readyHeap orders ready tasks by declared index.
type readyHeap []int

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h readyHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h readyHeap) Peek() int          { return h[0] }
func (h *readyHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
