package runs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/runindex"
)

const (
	limitFlag   = "limit"
	statusFlag  = "status"
	recoverFlag = "recover"

	defaultLimit = 20
)

// NewRunsCommand creates the runs command
func NewRunsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  executeRunsCommand,
	}
	c.Flags().Int(limitFlag, defaultLimit, "Maximum number of runs to list (0 lists all)")
	c.Flags().StringSlice(statusFlag, nil, "Only list runs in these statuses")
	c.Flags().Bool(recoverFlag, false, "Mark runs left running by a dead process as canceled first")
	return c
}

func executeRunsCommand(cobraCmd *cobra.Command, args []string) error {
	return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{RequireProject: true}, cmd.ModeHandlers{
		JSON: handleRunsJSON,
		TUI:  handleRunsTUI,
	}, args)
}

func listRuns(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor) ([]*runindex.Run, error) {
	if recoverStale, _ := c.Flags().GetBool(recoverFlag); recoverStale {
		if _, err := e.Project().RecoverRuns(ctx); err != nil {
			return nil, err
		}
	}
	limit, err := c.Flags().GetInt(limitFlag)
	if err != nil {
		return nil, err
	}
	raw, err := c.Flags().GetStringSlice(statusFlag)
	if err != nil {
		return nil, err
	}
	statuses := make([]core.RunStatus, 0, len(raw))
	for _, s := range raw {
		status := core.RunStatus(s)
		switch status {
		case core.RunRunning, core.RunComplete, core.RunFailed, core.RunCanceled:
			statuses = append(statuses, status)
		default:
			return nil, helpers.NewCliError("INVALID_STATUS", fmt.Sprintf("unknown run status %q", s),
				"expected running, complete, failed or canceled")
		}
	}
	return e.Project().ListRuns(ctx, limit, statuses...)
}

func handleRunsJSON(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
	runs, err := listRuns(ctx, c, e)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*runindex.Run{}
	}
	return helpers.WriteJSON(e.Out(), runs)
}

func handleRunsTUI(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
	runs, err := listRuns(ctx, c, e)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(e.Out(), helpers.Muted("No runs yet."))
		return nil
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		parent := "-"
		if !r.ParentID.IsZero() {
			parent = r.ParentID.String()
		}
		rows = append(rows, []string{
			r.ID.String(),
			helpers.Status(string(r.Status)),
			string(r.Origin),
			parent,
			progress(r),
			helpers.FormatTime(&r.StartedAt),
			helpers.FormatDuration(r.Duration()),
		})
	}
	fmt.Fprintln(e.Out(), helpers.Table(
		[]string{"RUN", "STATUS", "ORIGIN", "PARENT", "TASKS", "STARTED", "DURATION"}, rows,
	))
	return nil
}

// progress is "complete/total", with failures appended when there are any.
func progress(r *runindex.Run) string {
	out := strconv.Itoa(r.Counts[core.StatusComplete]) + "/" + strconv.Itoa(r.TaskCount)
	if n := r.Counts[core.StatusFailed]; n > 0 {
		out += fmt.Sprintf(" (%d failed)", n)
	}
	return out
}
