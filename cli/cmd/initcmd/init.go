package initcmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/project"
)

// NewInitCommand creates the init command
func NewInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a flowline project",
		Long: `Create the .flowline index directory, default settings and a templates directory.
Running init on an existing project keeps its runs and settings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: executeInitCommand,
	}
}

func executeInitCommand(cobraCmd *cobra.Command, args []string) error {
	return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{}, cmd.ModeHandlers{
		JSON: func(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
			paths, err := initProject(ctx, c, args)
			if err != nil {
				return err
			}
			return helpers.WriteJSON(e.Out(), paths)
		},
		TUI: func(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
			paths, err := initProject(ctx, c, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.Out(), "%s %s\n", helpers.Status(string(core.StatusComplete)), paths.Root)
			fmt.Fprintf(e.Out(), "%s %s\n", helpers.Muted("settings:"), paths.Settings)
			fmt.Fprintf(e.Out(), "%s %s\n", helpers.Muted("index:   "), paths.IndexFile)
			return nil
		},
	}, args)
}

func initProject(ctx context.Context, c *cobra.Command, args []string) (*core.ProjectPaths, error) {
	path, err := c.Flags().GetString(helpers.CWDFlag)
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		path = args[0]
	}
	return project.Init(ctx, path)
}
