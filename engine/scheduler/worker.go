package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/executor"
	"github.com/flowline/flowline/pkg/logger"
)

// completion is what a worker reports back for one dispatched task.
type completion struct {
	index    int
	attempts int
	success  bool
	canceled bool
	exitCode *int
	detail   string
	ended    time.Time
}

// timeoutError is a task deadline expiry. It is never retried.
type timeoutError struct {
	after time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.after)
}

// execute runs every attempt of a task. Failed attempts are retried with
// exponential backoff; timeouts and run cancellation are final.
func (s *Scheduler) execute(ctx context.Context, runID core.ID, j *job) *completion {
	res := &completion{index: j.index}
	defer func() { res.ended = time.Now().UTC() }()

	timeout, err := j.spec.TimeoutDuration()
	if err != nil {
		res.detail = err.Error()
		return res
	}
	log := logger.FromContext(ctx).With("task", j.spec.Name)
	backoff := retry.WithMaxRetries(uint64(max(j.spec.Retries, 0)), retry.NewExponential(s.retryBackoff))
	_ = retry.Do(ctx, backoff, func(ctx context.Context) error {
		res.attempts++
		out, err := s.attempt(ctx, &executor.Command{RunID: runID, Spec: j.spec, Attempt: res.attempts}, timeout)
		switch {
		case err == nil && out.Success:
			res.success = true
			res.exitCode = &out.ExitCode
			res.detail = out.Detail
			return nil
		case err == nil:
			res.exitCode = &out.ExitCode
			res.detail = out.Detail
		default:
			res.exitCode = nil
			res.detail = err.Error()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var terr *timeoutError
		if errors.As(err, &terr) {
			return err
		}
		if res.attempts <= j.spec.Retries {
			log.Warn("Task attempt failed, retrying", "attempt", res.attempts, "cause", res.detail)
		}
		return retry.RetryableError(fmt.Errorf("attempt %d: %s", res.attempts, res.detail))
	})
	if !res.success && ctx.Err() != nil {
		res.canceled = true
		if res.detail == "" {
			res.detail = "run canceled"
		}
	}
	return res
}

// attempt executes once under the task deadline. An expired deadline is
// reported as a timeoutError unless the executor still reported success.
func (s *Scheduler) attempt(
	ctx context.Context,
	cmd *executor.Command,
	timeout time.Duration,
) (*executor.Outcome, error) {
	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, err := s.exec.Execute(actx, cmd)
	if err == nil && out == nil {
		err = errors.New("executor returned no outcome")
	}
	if err == nil && out.Success {
		return out, nil
	}
	if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		return nil, &timeoutError{after: timeout}
	}
	return out, err
}
