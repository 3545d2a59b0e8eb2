package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd/config"
	"github.com/flowline/flowline/cli/cmd/initcmd"
	"github.com/flowline/flowline/cli/cmd/inspect"
	"github.com/flowline/flowline/cli/cmd/resume"
	"github.com/flowline/flowline/cli/cmd/run"
	"github.com/flowline/flowline/cli/cmd/runs"
	"github.com/flowline/flowline/cli/cmd/schema"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/pkg/logger"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowline",
		Short: "Render, build and run task workflows with a durable run index",
		Long: `flowline renders task templates against the config data of a project, builds a
dependency graph and executes it concurrently on the local host or a Slurm cluster.
Every run is recorded in the project's index so it can be inspected, resumed or retried.`,
		Version:           core.GetVersion(),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogger,
	}
	flags := root.PersistentFlags()
	flags.String(helpers.CWDFlag, "", "Project directory (default: current directory)")
	flags.String(helpers.ConfigFlag, "", "Extra settings file layered over .flowline/config.yaml")
	flags.String(helpers.FormatFlag, string(helpers.OutputFormatAuto), "Output format (auto, json, table)")
	flags.String(helpers.LogLevelFlag, "info", "Log level (debug, info, warn, error, disabled)")
	flags.Bool(helpers.LogJSONFlag, false, "Write logs as JSON")
	flags.Bool(helpers.LogSourceFlag, false, "Include source locations in logs")

	root.AddCommand(
		initcmd.NewInitCommand(),
		run.NewRunCommand(),
		resume.NewResumeCommand(),
		inspect.NewInspectCommand(),
		runs.NewRunsCommand(),
		config.NewConfigCommand(),
		schema.NewSchemaCommand(),
	)
	return root
}

func setupLogger(cmd *cobra.Command, _ []string) error {
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, _ = logger.SetupLogger(ctx, level, logJSON, logSource)
	cmd.SetContext(ctx)
	return nil
}
