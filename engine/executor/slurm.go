package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/sethvargo/go-retry"

	"github.com/flowline/flowline/pkg/config"
	"github.com/flowline/flowline/pkg/logger"
)

const (
	defaultPollInterval = 2 * time.Second
	maxQueryFailures    = 5
	scancelTimeout      = 10 * time.Second
	stdinDelimiter      = "FLOWLINE_STDIN"
)

var errJobNotListed = errors.New("job not yet listed by sacct")

var (
	slurmActiveStates = map[string]bool{
		"PENDING":     true,
		"RUNNING":     true,
		"CONFIGURING": true,
		"COMPLETING":  true,
		"SUSPENDED":   true,
		"REQUEUED":    true,
		"RESIZING":    true,
		"SIGNALING":   true,
		"STAGE_OUT":   true,
	}
	slurmFailedStates = map[string]bool{
		"FAILED":        true,
		"BOOT_FAIL":     true,
		"NODE_FAIL":     true,
		"CANCELLED":     true,
		"TIMEOUT":       true,
		"PREEMPTED":     true,
		"OUT_OF_MEMORY": true,
		"DEADLINE":      true,
	}
)

// Runner invokes a batch scheduler command line tool and returns its stdout.
type Runner interface {
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

// Slurm submits each attempt as a batch job and polls accounting until the
// job leaves the active states.
type Slurm struct {
	runner    Runner
	poll      time.Duration
	partition string
	account   string
	extraArgs []string
	workDir   string
	logsDir   string
	dotenv    map[string]string
}

// NewSlurm builds the slurm backend. A nil runner shells out to the real
// sbatch, sacct and scancel binaries.
func NewSlurm(cfg *config.ExecutorConfig, opts *Options, runner Runner) (*Slurm, error) {
	if opts == nil {
		opts = &Options{}
	}
	if runner == nil {
		runner = execRunner{}
	}
	dotenv, err := loadDotEnv(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	poll := cfg.Slurm.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Slurm{
		runner:    runner,
		poll:      poll,
		partition: cfg.Slurm.Partition,
		account:   cfg.Slurm.Account,
		extraArgs: cfg.Slurm.ExtraArgs,
		workDir:   opts.WorkDir,
		logsDir:   opts.LogsDir,
		dotenv:    dotenv,
	}, nil
}

func (s *Slurm) Execute(ctx context.Context, cmd *Command) (*Outcome, error) {
	if cmd == nil || cmd.Spec == nil {
		return nil, fmt.Errorf("command is nil")
	}
	log := logger.FromContext(ctx).With("task", cmd.Name(), "attempt", cmd.Attempt)
	args := append([]string{"--parsable"}, s.extraArgs...)
	out, err := s.runner.Run(ctx, s.script(cmd), "sbatch", args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &Outcome{ExitCode: -1, Detail: fmt.Sprintf("terminated: %v", ctxErr)}, nil
		}
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	jobID := parseJobID(out)
	if jobID == "" {
		return nil, fmt.Errorf("sbatch returned no job id: %q", out)
	}
	log.Info("Submitted slurm job", "job_id", jobID)

	state, code, err := s.wait(ctx, jobID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.cancel(ctx, jobID)
			return &Outcome{
				ExitCode: -1,
				JobID:    jobID,
				Detail:   fmt.Sprintf("terminated: %v (job %s canceled)", ctxErr, jobID),
			}, nil
		}
		return nil, fmt.Errorf("job %s: %w", jobID, err)
	}
	detail := fmt.Sprintf("slurm job %s %s, exit code %d", jobID, state, code)
	log.Debug("Slurm job finished", "job_id", jobID, "state", state, "exit_code", code)
	return &Outcome{
		Success:  state == "COMPLETED" && code == 0,
		ExitCode: code,
		JobID:    jobID,
		Detail:   detail,
	}, nil
}

func (s *Slurm) wait(ctx context.Context, jobID string) (string, int, error) {
	var (
		state    string
		code     int
		failures int
	)
	err := retry.Do(ctx, retry.NewConstant(s.poll), func(ctx context.Context) error {
		out, err := s.runner.Run(ctx, "", "sacct", "-XP", "--format", "JobID,State,ExitCode", "-j", jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			if failures >= maxQueryFailures {
				return fmt.Errorf("failed to query job state: %w", err)
			}
			logger.FromContext(ctx).Warn("Slurm accounting query failed", "job_id", jobID, "error", err)
			return retry.RetryableError(err)
		}
		failures = 0
		rec, ok := parseSacct(out, jobID)
		if !ok {
			return retry.RetryableError(errJobNotListed)
		}
		state, code = rec.State, rec.ExitCode
		if slurmActiveStates[state] {
			return retry.RetryableError(fmt.Errorf("job %s is %s", jobID, state))
		}
		return nil
	})
	return state, code, err
}

func (s *Slurm) cancel(ctx context.Context, jobID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scancelTimeout)
	defer cancel()
	if _, err := s.runner.Run(cctx, "", "scancel", jobID); err != nil {
		logger.FromContext(ctx).Warn("Failed to cancel slurm job", "job_id", jobID, "error", err)
	}
}

// script renders the batch script submitted on sbatch's stdin.
func (s *Slurm) script(cmd *Command) string {
	spec := cmd.Spec
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	directive := func(format string, args ...any) {
		b.WriteString("#SBATCH ")
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	name := slug.Make(spec.Name)
	if !cmd.RunID.IsZero() {
		name = cmd.RunID.String() + "-" + name
	}
	directive("-J %s", name)
	if s.logsDir != "" && !cmd.RunID.IsZero() {
		directive("-o %s", LogPath(s.logsDir, cmd.RunID, spec.Name))
	}
	if s.workDir != "" {
		directive("-D %s", filepath.Clean(s.workDir))
	}
	if spec.CPUs > 0 {
		directive("-c %d", spec.CPUs)
	}
	if spec.Mem != "" {
		directive("--mem=%s", spec.Mem)
	}
	if spec.Walltime != "" {
		directive("-t %s", spec.Walltime)
	}
	if s.partition != "" {
		directive("-p %s", s.partition)
	}
	if s.account != "" {
		directive("-A %s", s.account)
	}
	for _, layer := range []map[string]string{s.dotenv, spec.Env} {
		for _, k := range slices.Sorted(maps.Keys(layer)) {
			fmt.Fprintf(&b, "export %s=%s\n", k, shellQuote(layer[k]))
		}
	}
	line := spec.Cmd.Line
	if len(spec.Cmd.Args) > 0 {
		quoted := make([]string, len(spec.Cmd.Args))
		for i, a := range spec.Cmd.Args {
			quoted[i] = shellQuote(a)
		}
		line = strings.Join(quoted, " ")
	}
	if spec.Stdin == "" {
		b.WriteString(line)
		b.WriteByte('\n')
		return b.String()
	}
	fmt.Fprintf(&b, "%s <<'%s'\n%s", line, stdinDelimiter, spec.Stdin)
	if !strings.HasSuffix(spec.Stdin, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(stdinDelimiter + "\n")
	return b.String()
}

type sacctRecord struct {
	JobID    string
	State    string
	ExitCode int
}

// parseJobID reads "jobid[;cluster]" as printed by sbatch --parsable.
func parseJobID(out string) string {
	line := strings.TrimSpace(out)
	if i := strings.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

// parseSacct finds jobID in pipe separated sacct output with a header row.
func parseSacct(out, jobID string) (sacctRecord, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return sacctRecord{}, false
	}
	header := strings.Split(strings.TrimSpace(lines[0]), "|")
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	idCol, okID := col["JobID"]
	stateCol, okState := col["State"]
	exitCol, okExit := col["ExitCode"]
	if !okID || !okState {
		return sacctRecord{}, false
	}
	for _, line := range lines[1:] {
		fields := strings.Split(strings.TrimSpace(line), "|")
		if len(fields) <= idCol || len(fields) <= stateCol || fields[idCol] != jobID {
			continue
		}
		rec := sacctRecord{JobID: jobID}
		// "CANCELLED by 1234"
		if state := strings.Fields(fields[stateCol]); len(state) > 0 {
			rec.State = strings.TrimSuffix(state[0], "+")
		}
		if okExit && len(fields) > exitCol {
			rec.ExitCode = parseExitCode(fields[exitCol])
		}
		return rec, true
	}
	return sacctRecord{}, false
}

// parseExitCode reads sacct's "code:signal" pair.
func parseExitCode(s string) int {
	code, signal, _ := strings.Cut(strings.TrimSpace(s), ":")
	n, err := strconv.Atoi(code)
	if err != nil {
		return -1
	}
	if n == 0 {
		if sig, err := strconv.Atoi(signal); err == nil && sig != 0 {
			return 128 + sig
		}
	}
	return n
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
