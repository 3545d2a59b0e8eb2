package config

import (
	"context"
	"fmt"
	"slices"

	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/pkg/config"
	"github.com/flowline/flowline/pkg/logger"
)

// NewConfigCommand creates the config command using the unified command pattern
func NewConfigCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Show and validate project settings",
	}
	c.AddCommand(
		NewConfigShowCommand(),
		NewConfigValidateCommand(),
	)
	return c
}

// NewConfigShowCommand creates the config show subcommand
func NewConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective settings and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{}, cmd.ModeHandlers{
				JSON: handleShowJSON,
				TUI:  handleShowTUI,
			}, args)
		},
	}
}

// NewConfigValidateCommand creates the config validate subcommand
func NewConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate settings without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			validate := func(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
				if _, _, err := loadSettings(ctx, c); err != nil {
					return err
				}
				if e.GetMode() == helpers.ModeJSON {
					return helpers.WriteJSON(e.Out(), map[string]any{"valid": true})
				}
				fmt.Fprintln(e.Out(), helpers.Status(string(core.StatusComplete)), "settings are valid")
				return nil
			}
			return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{}, cmd.ModeHandlers{
				JSON: validate,
				TUI:  validate,
			}, args)
		},
	}
}

// Setting is one effective configuration value.
type Setting struct {
	Path   string            `json:"path"`
	Value  any               `json:"value"`
	Source config.SourceType `json:"source"`
	EnvVar string            `json:"env_var,omitempty"`
}

// loadSettings loads the settings of the project containing --cwd the same
// way project.Open does, keeping the loader to report value sources.
func loadSettings(ctx context.Context, c *cobra.Command) (*config.Config, config.Service, error) {
	cwd, err := c.Flags().GetString(helpers.CWDFlag)
	if err != nil {
		return nil, nil, err
	}
	root, err := core.FindProjectRoot(cwd)
	if err != nil {
		return nil, nil, core.NewIndexError(cwd, err)
	}
	paths := core.NewProjectPaths(root)
	sources := append([]config.Source{config.NewYAMLProvider(paths.Settings)}, cmd.ConfigSources(c)...)
	svc := config.NewService()
	cfg, err := svc.Load(ctx, sources...)
	if err != nil {
		return nil, nil, core.NewConfigError(paths.Settings, err)
	}
	logger.FromContext(ctx).Debug("Settings loaded", "root", root)
	return cfg, svc, nil
}

// Settings flattens cfg into sorted paths with their source and environment variable.
func Settings(cfg *config.Config, svc config.Service) ([]Setting, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to flatten settings: %w", err)
	}
	keys := k.Keys()
	slices.Sort(keys)
	out := make([]Setting, 0, len(keys))
	for _, key := range keys {
		out = append(out, Setting{
			Path:   key,
			Value:  k.Get(key),
			Source: svc.GetSource(key),
			EnvVar: config.GetEnvVarForConfigPath(key),
		})
	}
	return out, nil
}

func handleShowJSON(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
	cfg, svc, err := loadSettings(ctx, c)
	if err != nil {
		return err
	}
	settings, err := Settings(cfg, svc)
	if err != nil {
		return err
	}
	return helpers.WriteJSON(e.Out(), settings)
}

func handleShowTUI(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
	cfg, svc, err := loadSettings(ctx, c)
	if err != nil {
		return err
	}
	settings, err := Settings(cfg, svc)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(settings))
	for _, s := range settings {
		env := s.EnvVar
		if env == "" {
			env = "-"
		}
		rows = append(rows, []string{s.Path, fmt.Sprint(s.Value), string(s.Source), env})
	}
	fmt.Fprintln(e.Out(), helpers.Table([]string{"SETTING", "VALUE", "SOURCE", "ENV"}, rows))
	return nil
}
