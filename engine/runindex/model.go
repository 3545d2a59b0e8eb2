package runindex

import (
	"time"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/task"
)

// Run is one persisted execution of a workflow.
type Run struct {
	ID            core.ID                 `json:"id"`
	Status        core.RunStatus          `json:"status"`
	Origin        core.RunOrigin          `json:"origin"`
	ParentID      core.ID                 `json:"parent_id,omitempty"`
	TaskCount     int                     `json:"task_count"`
	MaxConcurrent int                     `json:"max_concurrent"`
	Backend       string                  `json:"backend"`
	Detail        string                  `json:"detail,omitempty"`
	StartedAt     time.Time               `json:"started_at"`
	EndedAt       *time.Time              `json:"ended_at,omitempty"`
	Counts        map[core.StatusType]int `json:"counts,omitempty"`
}

// Duration is the wall time of the run, measured up to now while it is running.
func (r *Run) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// TaskState is the persisted state of one task inside a run.
type TaskState struct {
	Name      string          `json:"name"`
	Position  int             `json:"position"`
	Spec      *task.Spec      `json:"spec"`
	Status    core.StatusType `json:"status"`
	Attempts  int             `json:"attempts"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"started_at,omitempty"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transition is one entry of the status audit log.
type Transition struct {
	Seq        int64           `json:"seq"`
	RunID      core.ID         `json:"run_id"`
	Task       string          `json:"task"`
	From       core.StatusType `json:"from"`
	To         core.StatusType `json:"to"`
	Detail     string          `json:"detail,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// RunSnapshot is a consistent view of a run and its tasks in declared order.
type RunSnapshot struct {
	Run   *Run         `json:"run"`
	Tasks []*TaskState `json:"tasks"`
}

func (s *RunSnapshot) Task(name string) (*TaskState, bool) {
	for _, t := range s.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Counts tallies tasks per status.
func (s *RunSnapshot) Counts() map[core.StatusType]int {
	out := make(map[core.StatusType]int)
	for _, t := range s.Tasks {
		out[t.Status]++
	}
	return out
}

// WithStatus returns the tasks currently in status, in declared order.
func (s *RunSnapshot) WithStatus(status core.StatusType) []*TaskState {
	var out []*TaskState
	for _, t := range s.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Specs returns the persisted specifications in declared order.
func (s *RunSnapshot) Specs() []*task.Spec {
	out := make([]*task.Spec, len(s.Tasks))
	for i, t := range s.Tasks {
		out[i] = t.Spec
	}
	return out
}

// CreateOptions describe a new run.
type CreateOptions struct {
	Origin        core.RunOrigin
	ParentID      core.ID
	MaxConcurrent int
	Backend       string
	// Carry seeds task rows from a previous run instead of starting them pending.
	Carry map[string]*TaskState
}

// Update is a task status change together with its execution details.
type Update struct {
	Status    core.StatusType
	Attempts  int
	ExitCode  *int
	Error     string
	StartedAt *time.Time
	EndedAt   *time.Time
	// Detail is stored on the audit entry only.
	Detail string
}
