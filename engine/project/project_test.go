package project

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/otiai10/copy"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/config"
)

// setupFixture copies a fixture project into a temp dir and initializes it.
func setupFixture(t *testing.T, name string) string {
	t.Helper()
	dst := filepath.Join(t.TempDir(), name)
	require.NoError(t, copy.Copy(filepath.Join("fixtures", name), dst))
	_, err := Init(t.Context(), dst)
	require.NoError(t, err)
	return dst
}

func openFixture(t *testing.T, name string, flags map[string]any) *Project {
	t.Helper()
	root := setupFixture(t, name)
	p, err := Open(t.Context(), root, config.NewCLIProvider(flags))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(t.Context()) })
	return p
}

func writeTemplate(t *testing.T, p *Project, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(p.TemplateDir(), name), []byte(body), 0o644))
}

func TestInit(t *testing.T) {
	t.Run("Should create the store layout and default settings", func(t *testing.T) {
		root := t.TempDir()
		paths, err := Init(t.Context(), root)
		require.NoError(t, err)
		assert.FileExists(t, paths.IndexFile)
		assert.FileExists(t, paths.Settings)
		assert.DirExists(t, paths.LocksDir)
		assert.DirExists(t, filepath.Join(root, "templates"))
		data, err := os.ReadFile(paths.Settings)
		require.NoError(t, err)
		assert.Contains(t, string(data), "max_concurrent_tasks")
	})

	t.Run("Should keep existing settings and runs when run again", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		res, err := p.StartRun(t.Context(), nil, map[string]any{"label": "x"}, &RunOptions{Executor: newFakeExecutor()})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(p.Paths().Settings, []byte("runtime:\n  max_concurrent_tasks: 3\n"), 0o644))

		_, err = Init(t.Context(), p.Paths().Root)
		require.NoError(t, err)

		data, err := os.ReadFile(p.Paths().Settings)
		require.NoError(t, err)
		assert.Equal(t, "runtime:\n  max_concurrent_tasks: 3\n", string(data))
		snap, err := p.InspectRun(t.Context(), res.RunID.String())
		require.NoError(t, err)
		assert.Equal(t, core.RunComplete, snap.Run.Status)
	})
}

func TestOpen(t *testing.T) {
	t.Run("Should fail outside a project", func(t *testing.T) {
		_, err := Open(t.Context(), t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrNotProject)
		assert.Equal(t, core.ErrCodeIndexIO, core.CodeOf(err))
	})

	t.Run("Should find the project root from a subdirectory", func(t *testing.T) {
		root := setupFixture(t, "pipeline")
		p, err := Open(t.Context(), filepath.Join(root, "templates"))
		require.NoError(t, err)
		defer p.Close(t.Context())
		assert.Equal(t, root, p.Paths().Root)
	})

	t.Run("Should let sources override the settings file", func(t *testing.T) {
		p := openFixture(t, "pipeline", map[string]any{"max-forks": 3, "backend": "slurm"})
		assert.Equal(t, 3, p.Config().Runtime.MaxConcurrentTasks)
		assert.Equal(t, "slurm", p.Config().Executor.Backend)
	})

	t.Run("Should reject invalid settings with a config error", func(t *testing.T) {
		root := setupFixture(t, "pipeline")
		settings := core.NewProjectPaths(root).Settings
		require.NoError(t, os.WriteFile(settings, []byte("runtime:\n  max_concurrent_tasks: 0\n"), 0o644))
		_, err := Open(t.Context(), root)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
	})
}

func TestProject_ResolveTemplates(t *testing.T) {
	p := openFixture(t, "pipeline", nil)

	t.Run("Should select every template when none are named", func(t *testing.T) {
		writeTemplate(t, p, "extra.yml", "[]\n")
		files, err := p.ResolveTemplates(nil)
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "extra.yml", filepath.Base(files[0]))
		assert.Equal(t, "pipeline.yaml", filepath.Base(files[1]))
	})

	t.Run("Should resolve names relative to the templates directory", func(t *testing.T) {
		files, err := p.ResolveTemplates([]string{"pipeline.yaml"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(p.TemplateDir(), "pipeline.yaml"), files[0])
	})

	t.Run("Should fail on a missing template", func(t *testing.T) {
		_, err := p.ResolveTemplates([]string{"nope.yaml"})
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
	})
}

func TestProject_SearchPath(t *testing.T) {
	p := openFixture(t, "pipeline", map[string]any{"search-path": []string{"shared"}})
	shared := filepath.Join(p.Paths().Root, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "common.yaml"), []byte("[]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "pipeline.yaml"), []byte("[]\n"), 0o644))

	t.Run("Should list search path entries before the templates directory", func(t *testing.T) {
		assert.Equal(t, []string{shared, p.TemplateDir()}, p.SearchPath())
	})

	t.Run("Should let an earlier directory hide the same template name", func(t *testing.T) {
		files, err := p.ResolveTemplates(nil)
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(shared, "common.yaml"),
			filepath.Join(shared, "pipeline.yaml"),
		}, files)
	})

	t.Run("Should resolve names against the search path first", func(t *testing.T) {
		files, err := p.ResolveTemplates([]string{"pipeline.yaml", "common.yaml"})
		require.NoError(t, err)
		assert.Equal(t, []string{
			filepath.Join(shared, "pipeline.yaml"),
			filepath.Join(shared, "common.yaml"),
		}, files)
	})

	t.Run("Should skip missing directories and fall back to the templates directory", func(t *testing.T) {
		q := openFixture(t, "pipeline", map[string]any{"search-path": []string{"absent"}})
		files, err := q.ResolveTemplates(nil)
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(q.TemplateDir(), "pipeline.yaml")}, files)
	})
}

func TestProject_Render(t *testing.T) {
	t.Run("Should render records and vars into specs in declared order", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		specs, err := p.Render(t.Context(), nil, map[string]any{"label": "final"})
		require.NoError(t, err)
		require.Len(t, specs, 3)
		assert.Equal(t, "align-alpha", specs[0].Name)
		assert.Equal(t, "echo alpha 10", specs[0].Cmd.String())
		assert.Equal(t, "1m", specs[0].Timeout)
		assert.Equal(t, "align-beta", specs[1].Name)
		assert.Equal(t, "echo final 2", specs[2].Cmd.String())
		assert.Equal(t, []string{"align"}, specs[2].After)
	})

	t.Run("Should fail on a missing key in strict mode", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		_, err := p.Render(t.Context(), nil, nil)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRender, core.CodeOf(err))
		assert.Contains(t, err.Error(), "templates/pipeline.yaml")
	})

	t.Run("Should render a missing key empty when not strict", func(t *testing.T) {
		p := openFixture(t, "pipeline", map[string]any{"strict": false})
		specs, err := p.Render(t.Context(), nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "echo 2", strings.Join(strings.Fields(specs[2].Cmd.String()), " "))
	})

	t.Run("Should report every failing template together", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		writeTemplate(t, p, "broken.yaml", "- name: {{ .missing.field }}\n")
		_, err := p.Render(t.Context(), nil, nil)
		require.Error(t, err)
		var joined interface{ Unwrap() []error }
		require.True(t, errors.As(err, &joined))
		assert.Len(t, joined.Unwrap(), 2)
		assert.Contains(t, err.Error(), "templates/broken.yaml")
		assert.Contains(t, err.Error(), "templates/pipeline.yaml")
	})

	t.Run("Should reject a task document that is not a list or mapping", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		writeTemplate(t, p, "scalar.yaml", "just text\n")
		_, err := p.Render(t.Context(), []string{"scalar.yaml"}, nil)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRender, core.CodeOf(err))
	})

	t.Run("Should reject a record collection named vars", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		require.NoError(t, os.WriteFile(filepath.Join(p.Paths().Root, "vars.yaml"), []byte("a: 1\n"), 0o644))
		_, err := p.Render(t.Context(), nil, map[string]any{"label": "x"})
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
		assert.Contains(t, err.Error(), "reserved")
	})

	t.Run("Should reflect record changes on the next render", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		vars := map[string]any{"label": "x"}
		specs, err := p.Render(t.Context(), nil, vars)
		require.NoError(t, err)
		require.Len(t, specs, 3)
		csv := "name,reads\nalpha,10\nbeta,20\ngamma,30\n"
		require.NoError(t, os.WriteFile(filepath.Join(p.Paths().Root, "samples.csv"), []byte(csv), 0o644))
		specs, err = p.Render(t.Context(), nil, vars)
		require.NoError(t, err)
		assert.Len(t, specs, 4)
	})
}

func TestProject_Build(t *testing.T) {
	t.Run("Should resolve tag references into edges", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		wf, err := p.Build(t.Context(), nil, map[string]any{"label": "x"})
		require.NoError(t, err)
		require.Equal(t, 3, wf.Len())
		report, ok := wf.Lookup("report")
		require.True(t, ok)
		assert.Equal(t, []string{"align-alpha", "align-beta"}, wf.PredecessorNames(report.Index))
	})

	t.Run("Should fail when templates render no tasks", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		writeTemplate(t, p, "empty.yaml", "[]\n")
		_, err := p.Build(t.Context(), []string{"empty.yaml"}, nil)
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeRender, core.CodeOf(err))
	})

	t.Run("Should surface graph errors", func(t *testing.T) {
		p := openFixture(t, "pipeline", nil)
		writeTemplate(t, p, "cycle.yaml", "- {name: a, cmd: x, after: [b]}\n- {name: b, cmd: x, after: [a]}\n")
		_, err := p.Build(t.Context(), []string{"cycle.yaml"}, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, workflow.ErrCyclicDependency)
	})
}

func parseVars(pairs []string) (map[string]any, error) {
	return NewVarParser(DefaultTypeSeparator).Parse(pairs)
}

func TestVars(t *testing.T) {
	t.Run("Should parse key value pairs", func(t *testing.T) {
		vars, err := parseVars([]string{"a=1", "b=x=y", "a=2"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": "2", "b": "x=y"}, vars)
	})

	t.Run("Should reject a pair without a key", func(t *testing.T) {
		_, err := parseVars([]string{"=1"})
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
		_, err = parseVars([]string{"novalue"})
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
	})

	t.Run("Should convert typed values", func(t *testing.T) {
		vars, err := parseVars([]string{
			"int:n=3",
			"float:ratio=0.5",
			"bool:dry=true",
			`json:ids=[1,2]`,
			"yaml:opts={threads: 4}",
			"str:raw=int:7",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), vars["n"])
		assert.Equal(t, 0.5, vars["ratio"])
		assert.Equal(t, true, vars["dry"])
		assert.Equal(t, []any{float64(1), float64(2)}, vars["ids"])
		assert.Equal(t, map[string]any{"threads": 4}, vars["opts"])
		assert.Equal(t, "int:7", vars["raw"])
	})

	t.Run("Should load a file variable as records", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fsys, "samples.csv", []byte("id,fastq\ns1,s1.fq\ns2,s2.fq\n"), 0o644))
		vars, err := NewVarParser(":").WithFs(fsys).Parse([]string{"file:samples=samples.csv"})
		require.NoError(t, err)
		assert.Equal(t, []map[string]any{
			{"id": "s1", "fastq": "s1.fq"},
			{"id": "s2", "fastq": "s2.fq"},
		}, vars["samples"])
	})

	t.Run("Should split the type on a custom separator", func(t *testing.T) {
		vars, err := NewVarParser("@").Parse([]string{"int@n=4", "a:b=c"})
		require.NoError(t, err)
		assert.Equal(t, int64(4), vars["n"])
		assert.Equal(t, "c", vars["a:b"])
	})

	t.Run("Should reject an unknown type or an unconvertible value", func(t *testing.T) {
		_, err := parseVars([]string{"list:n=1"})
		require.Error(t, err)
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
		assert.Contains(t, err.Error(), "unknown variable type")
		_, err = parseVars([]string{"int:n=three"})
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
		_, err = parseVars([]string{"json:n={"})
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
		_, err = NewVarParser(":").WithFs(afero.NewMemMapFs()).Parse([]string{"file:rows=missing.csv"})
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
	})

	t.Run("Should load a var file and let later sets win", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "vars.yaml")
		require.NoError(t, os.WriteFile(file, []byte("label: base\ngenome: hg38\n"), 0o644))
		fromFile, err := LoadVarFile(file)
		require.NoError(t, err)
		merged, err := MergeVars(fromFile, map[string]any{"label": "cli"})
		require.NoError(t, err)
		assert.Equal(t, "cli", merged["label"])
		assert.Equal(t, "hg38", merged["genome"])
	})

	t.Run("Should reject a var file that is not a mapping", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "vars.yaml")
		require.NoError(t, os.WriteFile(file, []byte("- a\n- b\n"), 0o644))
		_, err := LoadVarFile(file)
		assert.Equal(t, core.ErrCodeConfig, core.CodeOf(err))
	})
}
