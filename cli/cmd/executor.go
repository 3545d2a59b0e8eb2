package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/project"
	"github.com/flowline/flowline/pkg/config"
	"github.com/flowline/flowline/pkg/logger"
)

// CommandExecutor handles common setup and execution patterns for CLI commands:
// mode detection, opening the project with the command's settings overrides,
// and consistent error output.
type CommandExecutor struct {
	mode    helpers.Mode
	out     io.Writer
	project *project.Project
}

// HandlerFunc defines the signature for command handlers.
type HandlerFunc func(ctx context.Context, cmd *cobra.Command, executor *CommandExecutor, args []string) error

// ModeHandlers contains handlers for different execution modes.
type ModeHandlers struct {
	JSON HandlerFunc
	TUI  HandlerFunc
}

// ExecutorOptions allows customization of the command executor
type ExecutorOptions struct {
	RequireProject bool
}

// NewCommandExecutor creates a new command executor with all necessary setup.
func NewCommandExecutor(cmd *cobra.Command, opts ExecutorOptions) (*CommandExecutor, error) {
	ctx := cmd.Context()
	mode := helpers.DetectMode(cmd)
	logger.FromContext(ctx).Debug("detected execution mode", "mode", mode)
	executor := &CommandExecutor{mode: mode, out: cmd.OutOrStdout()}
	if !opts.RequireProject {
		return executor, nil
	}
	cwd, err := cmd.Flags().GetString(helpers.CWDFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s flag: %w", helpers.CWDFlag, err)
	}
	p, err := project.Open(ctx, cwd, ConfigSources(cmd)...)
	if err != nil {
		return nil, err
	}
	executor.project = p
	cmd.SetContext(config.ContextWithConfig(ctx, p.Config()))
	return executor, nil
}

// ConfigSources lists the settings overrides of a command: the --config file,
// then every explicitly set flag that maps to a setting.
func ConfigSources(cmd *cobra.Command) []config.Source {
	var sources []config.Source
	if path, err := cmd.Flags().GetString(helpers.ConfigFlag); err == nil && path != "" {
		sources = append(sources, config.NewYAMLProvider(path))
	}
	flags := make(map[string]any)
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if _, ok := config.FlagPaths[f.Name]; !ok {
			return
		}
		flags[f.Name] = flagValue(cmd.Flags(), f)
	})
	if len(flags) > 0 {
		sources = append(sources, config.NewCLIProvider(flags))
	}
	return sources
}

func flagValue(fs *pflag.FlagSet, f *pflag.Flag) any {
	switch f.Value.Type() {
	case "int":
		if v, err := fs.GetInt(f.Name); err == nil {
			return v
		}
	case "bool":
		if v, err := fs.GetBool(f.Name); err == nil {
			return v
		}
	case "stringArray":
		if v, err := fs.GetStringArray(f.Name); err == nil {
			return v
		}
	}
	return f.Value.String()
}

// Execute runs the appropriate handler based on the detected mode.
func (e *CommandExecutor) Execute(ctx context.Context, cmd *cobra.Command, handlers ModeHandlers, args []string) error {
	if e.project != nil {
		defer func() {
			if err := e.project.Close(context.WithoutCancel(ctx)); err != nil {
				logger.FromContext(ctx).Warn("Failed to close project index", "error", err)
			}
		}()
	}
	switch e.mode {
	case helpers.ModeJSON:
		if handlers.JSON == nil {
			return fmt.Errorf("JSON mode handler not implemented")
		}
		return handlers.JSON(ctx, cmd, e, args)
	case helpers.ModeTUI:
		if handlers.TUI == nil {
			return fmt.Errorf("TUI mode handler not implemented")
		}
		return handlers.TUI(ctx, cmd, e, args)
	default:
		return fmt.Errorf("unsupported mode: %s", e.mode)
	}
}

// Project is the opened project. It is nil unless the command required one.
func (e *CommandExecutor) Project() *project.Project {
	return e.project
}

// GetMode returns the detected execution mode.
func (e *CommandExecutor) GetMode() helpers.Mode {
	return e.mode
}

// Out is where results are written.
func (e *CommandExecutor) Out() io.Writer {
	return e.out
}

// ExecuteCommand is a convenience function that combines executor creation and execution.
func ExecuteCommand(cmd *cobra.Command, opts ExecutorOptions, handlers ModeHandlers, args []string) error {
	executor, err := NewCommandExecutor(cmd, opts)
	if err != nil {
		return HandleCommonErrors(cmd, err, helpers.DetectMode(cmd))
	}
	return HandleCommonErrors(cmd, executor.Execute(cmd.Context(), cmd, handlers, args), executor.GetMode())
}

// HandleCommonErrors prints err once in the format of mode and returns it as a CLI error.
func HandleCommonErrors(cmd *cobra.Command, err error, mode helpers.Mode) error {
	if err == nil {
		return nil
	}
	cliErr := helpers.CategorizeError(err)
	helpers.OutputError(cmd.ErrOrStderr(), cliErr, mode)
	return cliErr
}
