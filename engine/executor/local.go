package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/flowline/flowline/pkg/config"
	"github.com/flowline/flowline/pkg/logger"
)

const (
	defaultKillGrace = 10 * time.Second
	tailLimit        = 4096
)

// Local runs commands as child processes of the current process.
type Local struct {
	shell     []string
	workDir   string
	logsDir   string
	killGrace time.Duration
	dotenv    map[string]string
}

func NewLocal(cfg *config.ExecutorConfig, opts *Options) (*Local, error) {
	if opts == nil {
		opts = &Options{}
	}
	shell, err := shlex.Split(cfg.Shell)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shell %q: %w", cfg.Shell, err)
	}
	if len(shell) == 0 {
		return nil, fmt.Errorf("shell is empty")
	}
	dotenv, err := loadDotEnv(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &Local{
		shell:     shell,
		workDir:   opts.WorkDir,
		logsDir:   opts.LogsDir,
		killGrace: grace,
		dotenv:    dotenv,
	}, nil
}

// argv returns the process arguments. A string command runs through the
// shell; a list command runs directly.
func (l *Local) argv(cmd *Command) []string {
	if len(cmd.Spec.Cmd.Args) > 0 {
		return cmd.Spec.Cmd.Args
	}
	return append(append([]string(nil), l.shell...), cmd.Spec.Cmd.Line)
}

func (l *Local) Execute(ctx context.Context, cmd *Command) (*Outcome, error) {
	if cmd == nil || cmd.Spec == nil {
		return nil, fmt.Errorf("command is nil")
	}
	log := logger.FromContext(ctx).With("task", cmd.Name(), "attempt", cmd.Attempt)
	argv := l.argv(cmd)

	out, closeOut, err := l.openLog(cmd)
	if err != nil {
		return nil, err
	}
	defer closeOut()
	tail := newTailBuffer(tailLimit)
	w := io.MultiWriter(out, tail)

	proc := exec.CommandContext(ctx, argv[0], argv[1:]...)
	proc.Dir = l.workDir
	proc.Env = mergeEnvironment(os.Environ(), l.dotenv, cmd.Spec.Env)
	proc.Stdout = w
	proc.Stderr = w
	if cmd.Spec.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Spec.Stdin)
	}
	setProcessGroup(proc)
	proc.WaitDelay = l.killGrace

	start := time.Now()
	log.Debug("Starting process", "argv", argv)
	runErr := proc.Run()
	duration := time.Since(start)

	if runErr == nil {
		log.Debug("Process finished", "exit_code", 0, "duration", duration)
		return &Outcome{Success: true, ExitCode: 0, Detail: "exit code 0"}, nil
	}
	var exitErr *exec.ExitError
	if ctxErr := ctx.Err(); ctxErr != nil {
		code := -1
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		log.Debug("Process stopped", "reason", ctxErr, "duration", duration)
		return &Outcome{ExitCode: code, Detail: fmt.Sprintf("terminated: %v", ctxErr)}, nil
	}
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		detail := fmt.Sprintf("exit code %d", code)
		if line := tail.LastLine(); line != "" {
			detail += ": " + line
		}
		log.Debug("Process failed", "exit_code", code, "duration", duration)
		return &Outcome{ExitCode: code, Detail: detail}, nil
	}
	return nil, fmt.Errorf("failed to execute %s: %w", argv[0], runErr)
}

// openLog opens the task log for appending, or discards output when no logs
// directory is configured.
func (l *Local) openLog(cmd *Command) (io.Writer, func(), error) {
	if l.logsDir == "" || cmd.RunID.IsZero() {
		return io.Discard, func() {}, nil
	}
	path := LogPath(l.logsDir, cmd.RunID, cmd.Name())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open task log: %w", err)
	}
	fmt.Fprintf(f, "# %s attempt %d started %s\n", cmd.Name(), cmd.Attempt, time.Now().UTC().Format(time.RFC3339))
	return f, func() { f.Close() }, nil
}
