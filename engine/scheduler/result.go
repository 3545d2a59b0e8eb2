package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/flowline/flowline/engine/core"
)

// Failure names a task that ended failed and why.
type Failure struct {
	Task     string `json:"task"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Attempts int    `json:"attempts"`
	Cause    string `json:"cause"`
}

func (f Failure) String() string {
	if f.Cause == "" {
		return f.Task
	}
	return fmt.Sprintf("%s: %s", f.Task, f.Cause)
}

// Result is the outcome of one scheduler run.
type Result struct {
	RunID    core.ID                 `json:"run_id"`
	Status   core.RunStatus          `json:"status"`
	Counts   map[core.StatusType]int `json:"counts"`
	Failures []Failure               `json:"failures,omitempty"`
	Duration time.Duration           `json:"duration"`
}

// Summary is a one line report stored as the run detail.
func (r *Result) Summary() string {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d tasks complete", r.Counts[core.StatusComplete], total)
	for _, st := range []core.StatusType{core.StatusFailed, core.StatusSkipped, core.StatusCanceled} {
		if n := r.Counts[st]; n > 0 {
			fmt.Fprintf(&b, ", %d %s", n, st)
		}
	}
	if len(r.Failures) > 0 {
		names := make([]string, len(r.Failures))
		for i, f := range r.Failures {
			names[i] = f.Task
		}
		fmt.Fprintf(&b, " (failed: %s)", strings.Join(names, ", "))
	}
	return b.String()
}

// Err returns nil for a complete run and otherwise a coded error listing the
// failing tasks.
func (r *Result) Err() error {
	switch r.Status {
	case core.RunComplete:
		return nil
	case core.RunCanceled:
		return core.NewErrorf(core.ErrCodeTaskExecution, r.RunID.String(), "run canceled: %s", r.Summary())
	}
	causes := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		causes[i] = f.String()
	}
	return core.NewErrorf(
		core.ErrCodeTaskExecution,
		r.RunID.String(),
		"%d task(s) failed: %s",
		len(r.Failures),
		strings.Join(causes, "; "),
	)
}
