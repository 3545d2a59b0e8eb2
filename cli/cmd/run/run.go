package run

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowline/flowline/cli/cmd"
	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/project"
)

const (
	varFlag        = "var"
	varFileFlag    = "var-file"
	varSepFlag     = "var-type-separator"
	renderOnlyFlag = "render-only"
	buildOnlyFlag  = "build-only"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run [template...]",
		Short: "Render templates and execute the resulting workflow",
		Long: `Render the named templates, or every template in the templates directory,
build the task graph and execute it as a new run. Exits non-zero unless every task completes.`,
		RunE: executeRunCommand,
	}
	c.Flags().StringArray(varFlag, nil,
		"Template variable as [type:]key=value; types: str, int, float, bool, json, yaml, file (repeatable)")
	c.Flags().String(varSepFlag, project.DefaultTypeSeparator, "Separator between a variable type and its key")
	c.Flags().StringArray(varFileFlag, nil, "YAML or JSON file of template variables (repeatable)")
	c.Flags().StringArrayP("search-path", "t", nil,
		"Template directory searched before the templates directory, relative to the project root (repeatable)")
	c.Flags().Bool(renderOnlyFlag, false, "Print the rendered task specifications and exit")
	c.Flags().Bool(buildOnlyFlag, false, "Print the resolved workflow and exit")
	c.Flags().String("backend", "", "Execution backend (local, slurm)")
	c.Flags().Int("max-forks", 0, "Maximum number of concurrent task slots")
	c.Flags().Bool("strict", true, "Fail on template keys that do not exist")
	c.Flags().Bool("metrics", false, "Serve Prometheus metrics while the run executes")
	c.Flags().String("metrics-addr", "", "Address of the metrics endpoint")
	c.MarkFlagsMutuallyExclusive(renderOnlyFlag, buildOnlyFlag)
	return c
}

func executeRunCommand(cobraCmd *cobra.Command, args []string) error {
	return cmd.ExecuteCommand(cobraCmd, cmd.ExecutorOptions{RequireProject: true}, cmd.ModeHandlers{
		JSON: handleRun,
		TUI:  handleRun,
	}, args)
}

func handleRun(ctx context.Context, c *cobra.Command, e *cmd.CommandExecutor, args []string) error {
	vars, err := collectVars(c)
	if err != nil {
		return err
	}
	p := e.Project()
	renderOnly, _ := c.Flags().GetBool(renderOnlyFlag)
	buildOnly, _ := c.Flags().GetBool(buildOnlyFlag)
	switch {
	case renderOnly:
		specs, err := p.Render(ctx, args, vars)
		if err != nil {
			return err
		}
		if e.GetMode() == helpers.ModeJSON {
			return helpers.WriteJSON(e.Out(), specs)
		}
		out, err := yaml.Marshal(specs)
		if err != nil {
			return err
		}
		_, err = e.Out().Write(out)
		return err
	case buildOnly:
		wf, err := p.Build(ctx, args, vars)
		if err != nil {
			return err
		}
		if e.GetMode() == helpers.ModeJSON {
			return helpers.WriteJSON(e.Out(), wf.Export())
		}
		out, err := wf.ToYAML()
		if err != nil {
			return err
		}
		_, err = e.Out().Write(out)
		return err
	}
	res, err := p.StartRun(ctx, args, vars, e.RunOptions())
	if err != nil {
		return err
	}
	return e.ReportResult(res)
}

// collectVars layers --var-file files in order, then --var pairs. Typed
// file variables are read relative to the working directory.
func collectVars(c *cobra.Command) (map[string]any, error) {
	files, err := c.Flags().GetStringArray(varFileFlag)
	if err != nil {
		return nil, err
	}
	pairs, err := c.Flags().GetStringArray(varFlag)
	if err != nil {
		return nil, err
	}
	sep, err := c.Flags().GetString(varSepFlag)
	if err != nil {
		return nil, err
	}
	sets := make([]map[string]any, 0, len(files)+1)
	for _, f := range files {
		vars, err := project.LoadVarFile(f)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", varFileFlag, err)
		}
		sets = append(sets, vars)
	}
	fromPairs, err := project.NewVarParser(sep).Parse(pairs)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", varFlag, err)
	}
	return project.MergeVars(append(sets, fromPairs)...)
}
