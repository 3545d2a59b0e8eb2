package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/task"
)

// NewSchemaCommand creates the schema command
func NewSchemaCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of rendered task documents",
		Long: `Print the JSON Schema that rendered templates must satisfy. Point an editor's
YAML language server at it to get completion and validation while writing templates.`,
		Args: cobra.NoArgs,
		RunE: func(cobraCmd *cobra.Command, args []string) error {
			handler := func(_ context.Context, c *cobra.Command, e *cmd.CommandExecutor, _ []string) error {
				return writeSchema(c, e)
			}
			return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{}, cmd.ModeHandlers{
				JSON: handler,
				TUI:  handler,
			}, args)
		},
	}
	c.Flags().StringP("out", "o", "", "Write the schema to a file instead of stdout")
	return c
}

func writeSchema(c *cobra.Command, e *cmd.CommandExecutor) error {
	out, err := c.Flags().GetString("out")
	if err != nil {
		return err
	}
	if out == "" {
		return helpers.WriteJSON(e.Out(), task.Schema())
	}
	data, err := json.MarshalIndent(task.Schema(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schema: %w", err)
	}
	if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write schema to %s: %w", out, err)
	}
	if e.GetMode() == helpers.ModeJSON {
		return helpers.WriteJSON(e.Out(), map[string]string{"path": out})
	}
	fmt.Fprintln(e.Out(), helpers.Status(string(core.StatusComplete)), out)
	return nil
}
