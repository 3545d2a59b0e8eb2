package executor

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gosimple/slug"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/task"
	"github.com/flowline/flowline/pkg/config"
)

const (
	BackendLocal = "local"
	BackendSlurm = "slurm"
)

// Command is one execution attempt of a task.
type Command struct {
	RunID   core.ID
	Spec    *task.Spec
	Attempt int
}

func (c *Command) Name() string {
	return c.Spec.Name
}

// Outcome reports how an attempt ended. A non-nil error from Execute means
// the attempt could not be carried out at all.
type Outcome struct {
	Success  bool
	ExitCode int
	Detail   string
	JobID    string
}

// Executor runs commands. Implementations must be safe for concurrent use and
// stop cooperatively when ctx is canceled.
type Executor interface {
	Execute(ctx context.Context, cmd *Command) (*Outcome, error)
}

// Options are shared by every backend.
type Options struct {
	// WorkDir is the working directory of every command, usually the project root.
	WorkDir string
	// LogsDir holds one directory of task logs per run.
	LogsDir string
	// EnvFile is an optional dotenv file merged into every command environment.
	EnvFile string
}

// New builds the backend selected by cfg.
func New(cfg *config.ExecutorConfig, opts *Options) (Executor, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocal(cfg, opts)
	case BackendSlurm:
		return NewSlurm(cfg, opts, nil)
	default:
		return nil, core.NewConfigError("executor.backend", fmt.Errorf("unknown backend %q", cfg.Backend))
	}
}

// LogPath is the log file of a task inside a run.
func LogPath(logsDir string, runID core.ID, name string) string {
	return filepath.Join(logsDir, runID.String(), logFileName(name))
}

func logFileName(name string) string {
	s := slug.Make(name)
	if s == "" {
		s = "task"
	}
	return s + ".log"
}
