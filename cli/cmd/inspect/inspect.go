package inspect

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/runindex"
)

const (
	jsonFlag     = "json"
	historyFlag  = "history"
	followFlag   = "follow"
	intervalFlag = "interval"

	maxErrorWidth = 60
)

// NewInspectCommand creates the inspect command
func NewInspectCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect [run-id|latest]",
		Short: "Show the tasks of a run",
		Long: `Show the status, attempts, exit code, timing and failure detail of every task in a run.
Safe to use while the run is still executing; --follow redraws on every index write
until the run finishes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeInspectCommand,
	}
	c.Flags().Bool(jsonFlag, false, "Print the run snapshot as JSON")
	c.Flags().Bool(historyFlag, false, "Show the status transition log instead of the task table")
	c.Flags().BoolP(followFlag, "f", false, "Keep redrawing until the run reaches a terminal status")
	c.Flags().Duration(intervalFlag, helpers.DefaultWatchInterval, "Minimum time between redraws with --follow")
	return c
}

func executeInspectCommand(cobraCmd *cobra.Command, args []string) error {
	return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{RequireProject: true}, cmd.ModeHandlers{
		JSON: handleInspectJSON,
		TUI:  handleInspectTUI,
	}, args)
}

func runRef(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return runindex.LatestAlias
}

// follow resolves ref once so "latest" stays pinned to the same run, then
// calls render on every index change until the run is terminal.
func follow(
	ctx context.Context,
	c *cobra.Command,
	e *cmd.CommandExecutor,
	ref string,
	render func(ref string) (*runindex.Run, error),
) error {
	if on, _ := c.Flags().GetBool(followFlag); !on {
		_, err := render(ref)
		return err
	}
	interval, err := c.Flags().GetDuration(intervalFlag)
	if err != nil {
		return err
	}
	snap, err := e.Project().InspectRun(ctx, ref)
	if err != nil {
		return err
	}
	id := snap.Run.ID.String()
	return helpers.WatchDir(ctx, e.Project().Paths().StoreDir, interval, func() (bool, error) {
		run, err := render(id)
		if err != nil {
			return false, err
		}
		return run.Status.IsTerminal(), nil
	})
}

func handleInspectJSON(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
	return follow(ctx, c, e, runRef(args), func(ref string) (*runindex.Run, error) {
		return writeInspectJSON(ctx, c, e, ref)
	})
}

func writeInspectJSON(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, ref string) (*runindex.Run, error) {
	snap, err := e.Project().InspectRun(ctx, ref)
	if err != nil {
		return nil, err
	}
	if history, _ := c.Flags().GetBool(historyFlag); history {
		transitions, err := e.Project().History(ctx, snap.Run.ID.String())
		if err != nil {
			return nil, err
		}
		return snap.Run, helpers.WriteJSON(e.Out(), transitions)
	}
	return snap.Run, helpers.WriteJSON(e.Out(), snap)
}

func handleInspectTUI(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
	if asJSON, _ := c.Flags().GetBool(jsonFlag); asJSON {
		return handleInspectJSON(ctx, c, e, args)
	}
	return follow(ctx, c, e, runRef(args), func(ref string) (*runindex.Run, error) {
		snap, err := e.Project().InspectRun(ctx, ref)
		if err != nil {
			return nil, err
		}
		writeRunHeader(e.Out(), snap.Run)
		if history, _ := c.Flags().GetBool(historyFlag); history {
			transitions, err := e.Project().History(ctx, snap.Run.ID.String())
			if err != nil {
				return nil, err
			}
			fmt.Fprintln(e.Out(), historyTable(transitions))
			return snap.Run, nil
		}
		fmt.Fprintln(e.Out(), taskTable(snap.Tasks))
		return snap.Run, nil
	})
}

func writeRunHeader(w io.Writer, run *runindex.Run) {
	fmt.Fprintf(w, "%s %s  %s\n", helpers.Header("Run"), run.ID, helpers.Status(string(run.Status)))
	fmt.Fprintf(w, "%s %s  %s %s  %s %s\n",
		helpers.Muted("origin"), run.Origin,
		helpers.Muted("started"), helpers.FormatTime(&run.StartedAt),
		helpers.Muted("duration"), helpers.FormatDuration(run.Duration()))
	if !run.ParentID.IsZero() {
		fmt.Fprintf(w, "%s %s\n", helpers.Muted("parent"), run.ParentID)
	}
	if run.Detail != "" {
		fmt.Fprintf(w, "%s %s\n", helpers.Muted("detail"), run.Detail)
	}
}

func taskTable(tasks []*runindex.TaskState) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		exit := "-"
		if t.ExitCode != nil {
			exit = strconv.Itoa(*t.ExitCode)
		}
		rows = append(rows, []string{
			t.Name,
			helpers.Status(string(t.Status)),
			strconv.Itoa(t.Attempts),
			exit,
			helpers.FormatTime(t.StartedAt),
			helpers.FormatDuration(taskDuration(t)),
			helpers.Truncate(t.Error, maxErrorWidth),
		})
	}
	return helpers.Table([]string{"TASK", "STATUS", "ATTEMPTS", "EXIT", "STARTED", "DURATION", "ERROR"}, rows)
}

func taskDuration(t *runindex.TaskState) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.EndedAt == nil {
		return time.Since(*t.StartedAt)
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

func historyTable(transitions []*runindex.Transition) string {
	rows := make([][]string, 0, len(transitions))
	for _, tr := range transitions {
		rows = append(rows, []string{
			strconv.FormatInt(tr.Seq, 10),
			helpers.FormatTime(&tr.RecordedAt),
			tr.Task,
			string(tr.From),
			helpers.Status(string(tr.To)),
			helpers.Truncate(tr.Detail, maxErrorWidth),
		})
	}
	return helpers.Table([]string{"SEQ", "TIME", "TASK", "FROM", "TO", "DETAIL"}, rows)
}
