package cmd

import (
	"fmt"
	"strings"

	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/project"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/engine/scheduler"
)

// RunOptions prints the run id as soon as the run is persisted so it can be
// inspected while it executes.
func (e *CommandExecutor) RunOptions() *project.RunOptions {
	if e.mode == helpers.ModeJSON {
		return nil
	}
	return &project.RunOptions{
		OnStart: func(run runindex.Run) {
			fmt.Fprintf(e.out, "%s %s %s\n", helpers.Header("Run"), run.ID, helpers.Muted("("+string(run.Origin)+")"))
		},
	}
}

// ReportResult prints res and turns a run that did not complete into an error.
func (e *CommandExecutor) ReportResult(res *scheduler.Result) error {
	if e.mode == helpers.ModeJSON {
		if err := helpers.WriteJSON(e.out, res); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(e.out, "%s %s in %s\n",
			helpers.Status(string(res.Status)), res.Summary(), helpers.FormatDuration(res.Duration))
		for _, f := range res.Failures {
			fmt.Fprintf(e.out, "  %s %s\n", helpers.Status(string(core.StatusFailed)), f)
		}
	}
	if res.Status == core.RunComplete {
		return nil
	}
	causes := make([]string, len(res.Failures))
	for i, f := range res.Failures {
		causes[i] = f.String()
	}
	return helpers.NewCliError("RUN_"+strings.ToUpper(string(res.Status)), res.Summary(), strings.Join(causes, "; ")).
		WithContext("run_id", res.RunID)
}
