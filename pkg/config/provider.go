package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// FlagPaths maps CLI flag names to configuration paths.
var FlagPaths = map[string]string{
	"max-forks":    "runtime.max_concurrent_tasks",
	"log-level":    "runtime.log_level",
	"backend":      "executor.backend",
	"shell":        "executor.shell",
	"strict":       "render.strict",
	"templates":    "render.template_dir",
	"search-path":  "render.search_path",
	"metrics":      "monitoring.enabled",
	"metrics-addr": "monitoring.addr",
}

// cliProvider implements Source interface for CLI flags.
type cliProvider struct {
	flags map[string]any
}

// NewCLIProvider creates a configuration source from explicitly set CLI flags.
func NewCLIProvider(flags map[string]any) Source {
	return &cliProvider{flags: flags}
}

func (c *cliProvider) Load() (map[string]any, error) {
	config := make(map[string]any)
	for key, value := range c.flags {
		path, ok := FlagPaths[key]
		if !ok {
			continue
		}
		if err := setNested(config, path, value); err != nil {
			return nil, fmt.Errorf("failed to set CLI flag %s: %w", key, err)
		}
	}
	return config, nil
}

func (c *cliProvider) Type() SourceType {
	return SourceCLI
}

// setNested sets a value in a nested map structure using dot notation.
func setNested(m map[string]any, path string, value any) error {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	current := m
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if _, exists := current[part]; !exists {
			current[part] = make(map[string]any)
		}
		next, ok := current[part].(map[string]any)
		if !ok {
			return fmt.Errorf("configuration conflict: key %q is not a map", strings.Join(parts[:i+1], "."))
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// yamlProvider implements Source interface for YAML files.
type yamlProvider struct {
	path string
}

// NewYAMLProvider creates a YAML file configuration source. A missing file yields no values.
func NewYAMLProvider(path string) Source {
	return &yamlProvider{path: path}
}

func (y *yamlProvider) Load() (map[string]any, error) {
	data, err := os.ReadFile(y.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("failed to read YAML file: %w", err)
	}
	var config map[string]any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML file %s: %w", y.path, err)
	}
	return filterNilValues(config), nil
}

func (y *yamlProvider) Type() SourceType {
	return SourceYAML
}

// filterNilValues recursively removes nil values so they never override defaults.
func filterNilValues(m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			if filtered := filterNilValues(nested); len(filtered) > 0 {
				result[k] = filtered
			}
			continue
		}
		result[k] = v
	}
	return result
}

const settingsTemplate = `# flowline project settings
runtime:
  max_concurrent_tasks: {{ .Runtime.MaxConcurrentTasks }}
  log_level: {{ .Runtime.LogLevel }}
executor:
  backend: {{ .Executor.Backend }}
  shell: {{ printf "%q" .Executor.Shell }}
  kill_grace: {{ .Executor.KillGrace }}
  retry_backoff: {{ .Executor.RetryBackoff }}
  slurm:
    poll_interval: {{ .Executor.Slurm.PollInterval }}
render:
  strict: {{ .Render.Strict }}
  template_dir: {{ .Render.TemplateDir }}
records:
  include:
{{- range .Records.Include }}
    - {{ printf "%q" . }}
{{- end }}
index:
  busy_timeout: {{ .Index.BusyTimeout }}
  readers: {{ .Index.Readers }}
monitoring:
  enabled: {{ .Monitoring.Enabled }}
  addr: {{ printf "%q" .Monitoring.Addr }}
  path: {{ .Monitoring.Path }}
`

// RenderSettings produces the settings file written by project initialization.
func RenderSettings(cfg *Config) ([]byte, error) {
	tmpl, err := template.New("settings").Parse(settingsTemplate)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to render settings: %w", err)
	}
	return buf.Bytes(), nil
}
