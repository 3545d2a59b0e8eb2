package resume

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/engine/project"
	"github.com/flowline/flowline/engine/runindex"
)

// NewResumeCommand creates the resume command
func NewResumeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "resume [run-id|latest]",
		Short: "Continue a previous run as a new run",
		Long: `Rebuild the workflow stored with a run and execute what is left of it as a new run.
With --retry (the default) failed, skipped and unfinished tasks execute again.
With --resume only unfinished tasks execute; failed tasks stay failed.
Completed tasks are never executed again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeResumeCommand,
	}
	c.Flags().Bool(string(project.MethodRetry), false, "Re-execute failed, skipped and unfinished tasks")
	c.Flags().Bool(string(project.MethodResume), false, "Re-execute unfinished tasks only")
	c.Flags().String("backend", "", "Execution backend (local, slurm)")
	c.Flags().Int("max-forks", 0, "Maximum number of concurrent task slots")
	c.Flags().Bool("metrics", false, "Serve Prometheus metrics while the run executes")
	c.Flags().String("metrics-addr", "", "Address of the metrics endpoint")
	c.MarkFlagsMutuallyExclusive(string(project.MethodRetry), string(project.MethodResume))
	return c
}

func executeResumeCommand(cobraCmd *cobra.Command, args []string) error {
	return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{RequireProject: true}, cmd.ModeHandlers{
		JSON: handleResume,
		TUI:  handleResume,
	}, args)
}

func handleResume(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
	ref := runindex.LatestAlias
	if len(args) > 0 {
		ref = args[0]
	}
	method := project.MethodRetry
	if resume, _ := c.Flags().GetBool(string(project.MethodResume)); resume {
		method = project.MethodResume
	}
	res, err := e.Project().ResumeRun(ctx, ref, method, e.RunOptions())
	if err != nil {
		return err
	}
	return e.ReportResult(res)
}
