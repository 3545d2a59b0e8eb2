package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowline/flowline/cli/helpers"
	"github.com/flowline/flowline/engine/core"
)

const pipeline = `- name: hello
  cmd: echo {{ .vars.who }}
- name: count
  cmd: echo {{ len .people }}
  after: [hello]
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := RootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--format", "json", "--log-level", "disabled"))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func setupProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.csv"), []byte("name\nada\ngrace\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "pipeline.yaml"), []byte(pipeline), 0o644))
	return dir
}

func TestRootCmd(t *testing.T) {
	t.Run("Should initialize a project", func(t *testing.T) {
		dir := t.TempDir()
		out, err := execute(t, "init", dir)
		require.NoError(t, err)
		var paths core.ProjectPaths
		require.NoError(t, json.Unmarshal([]byte(out), &paths))
		assert.Equal(t, dir, paths.Root)
		assert.DirExists(t, filepath.Join(dir, core.StoreDirName))
	})

	t.Run("Should run a workflow and inspect it", func(t *testing.T) {
		dir := setupProject(t)
		out, err := execute(t, "run", "--cwd", dir, "--var", "who=world")
		require.NoError(t, err)
		var res struct {
			RunID  string         `json:"run_id"`
			Status core.RunStatus `json:"status"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.Equal(t, core.RunComplete, res.Status)

		out, err = execute(t, "inspect", "latest", "--cwd", dir)
		require.NoError(t, err)
		var snap struct {
			Run struct {
				ID string `json:"id"`
			} `json:"run"`
			Tasks []struct {
				Name   string          `json:"name"`
				Status core.StatusType `json:"status"`
			} `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &snap))
		assert.Equal(t, res.RunID, snap.Run.ID)
		require.Len(t, snap.Tasks, 2)
		assert.Equal(t, core.StatusComplete, snap.Tasks[1].Status)

		out, err = execute(t, "inspect", res.RunID, "--cwd", dir, "--follow", "--history")
		require.NoError(t, err)
		assert.Contains(t, out, `"task": "count"`)

		out, err = execute(t, "runs", "--cwd", dir)
		require.NoError(t, err)
		var runs []map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &runs))
		assert.Len(t, runs, 1)
	})

	t.Run("Should fail when a render error stops the run", func(t *testing.T) {
		dir := setupProject(t)
		_, err := execute(t, "run", "--cwd", dir)
		require.Error(t, err)
		var cliErr *helpers.CliError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, core.ErrCodeRender, cliErr.Code)
	})

	t.Run("Should return an error when a task fails", func(t *testing.T) {
		dir := setupProject(t)
		bad := "- {name: bad, cmd: exit 4}\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "bad.yaml"), []byte(bad), 0o644))
		_, err := execute(t, "run", "bad.yaml", "--cwd", dir)
		var cliErr *helpers.CliError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, "RUN_FAILED", cliErr.Code)
		assert.Contains(t, cliErr.Details, "bad")

		out, err := execute(t, "resume", "--resume", "--cwd", dir)
		require.ErrorAs(t, err, &cliErr)
		assert.Contains(t, out, `"status": "failed"`)
	})

	t.Run("Should print the built workflow without running it", func(t *testing.T) {
		dir := setupProject(t)
		out, err := execute(t, "run", "--cwd", dir, "--build-only", "--var", "who=x")
		require.NoError(t, err)
		var nodes []struct {
			Name  string   `json:"name"`
			After []string `json:"after"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &nodes))
		require.Len(t, nodes, 2)
		assert.Equal(t, []string{"hello"}, nodes[1].After)

		out, err = execute(t, "runs", "--cwd", dir)
		require.NoError(t, err)
		assert.JSONEq(t, "[]", out)
	})

	t.Run("Should render typed variables from a search path directory", func(t *testing.T) {
		dir := setupProject(t)
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "shared"), 0o755))
		ext := "- name: ext\n  cmd: echo {{ add .vars.n 1 }} {{ len .vars.rows }}\n"
		require.NoError(t, os.WriteFile(filepath.Join(dir, "shared", "ext.yaml"), []byte(ext), 0o644))
		rows := filepath.Join(t.TempDir(), "rows.csv")
		require.NoError(t, os.WriteFile(rows, []byte("x\n1\n2\n3\n"), 0o644))

		out, err := execute(t, "run", "ext.yaml", "--cwd", dir, "--render-only",
			"-t", "shared", "--var", "int:n=2", "--var", "file:rows="+rows)
		require.NoError(t, err)
		var specs []struct {
			Name string `json:"name"`
			Cmd  string `json:"cmd"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &specs))
		require.Len(t, specs, 1)
		assert.Equal(t, "echo 3 3", specs[0].Cmd)
	})

	t.Run("Should reject a variable of unknown type", func(t *testing.T) {
		dir := setupProject(t)
		_, err := execute(t, "run", "--cwd", dir, "--render-only", "--var", "list:who=x")
		var cliErr *helpers.CliError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, core.ErrCodeConfig, cliErr.Code)
	})

	t.Run("Should print the task document schema outside a project", func(t *testing.T) {
		out, err := execute(t, "schema")
		require.NoError(t, err)
		var schema map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &schema))
		assert.Len(t, schema["oneOf"], 2)

		path := filepath.Join(t.TempDir(), "tasks.schema.json")
		_, err = execute(t, "schema", "--out", path)
		require.NoError(t, err)
		assert.FileExists(t, path)
	})

	t.Run("Should report a missing project", func(t *testing.T) {
		_, err := execute(t, "runs", "--cwd", t.TempDir())
		var cliErr *helpers.CliError
		require.ErrorAs(t, err, &cliErr)
		assert.Equal(t, "NOT_A_PROJECT", cliErr.Code)
	})
}
