package tplengine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"gopkg.in/yaml.v3"
)

// EngineFormat represents the format of the template engine output
type EngineFormat string

const (
	FormatYAML EngineFormat = "yaml"
	FormatJSON EngineFormat = "json"
	FormatText EngineFormat = "text"
)

// noValue is what text/template prints for a missing map key outside strict mode.
const noValue = "<no value>"

// TemplateEngine renders text/template sources with sprig functions.
// In strict mode a reference to a missing key is an error; otherwise it renders empty.
type TemplateEngine struct {
	templates    map[string]*template.Template
	globalValues map[string]any
	format       EngineFormat
	strict       bool
}

// ProcessResult contains the result of processing a template
type ProcessResult struct {
	Text string
	YAML any
	JSON any
}

func NewEngine(format EngineFormat) *TemplateEngine {
	return &TemplateEngine{
		templates:    make(map[string]*template.Template),
		globalValues: make(map[string]any),
		format:       format,
		strict:       true,
	}
}

func (e *TemplateEngine) WithFormat(format EngineFormat) *TemplateEngine {
	e.format = format
	return e
}

func (e *TemplateEngine) WithStrict(strict bool) *TemplateEngine {
	e.strict = strict
	return e
}

// WithGlobals adds values visible to every render. Render context keys win over globals.
func (e *TemplateEngine) WithGlobals(values map[string]any) *TemplateEngine {
	maps.Copy(e.globalValues, values)
	return e
}

func (e *TemplateEngine) newTemplate(name string) *template.Template {
	missing := "missingkey=error"
	if !e.strict {
		missing = "missingkey=default"
	}
	return template.New(name).Option(missing).Funcs(sprig.FuncMap()).Funcs(extraFuncs())
}

func extraFuncs() template.FuncMap {
	return template.FuncMap{
		"toYaml": func(v any) (string, error) {
			out, err := yaml.Marshal(v)
			if err != nil {
				return "", err
			}
			return strings.TrimSuffix(string(out), "\n"), nil
		},
	}
}

func (e *TemplateEngine) AddTemplate(name, templateStr string) error {
	tmpl, err := e.newTemplate(name).Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	e.templates[name] = tmpl
	return nil
}

// HasTemplate returns true if the template contains template markers
func HasTemplate(template string) bool {
	return strings.Contains(template, "{{")
}

func (e *TemplateEngine) Render(name string, context map[string]any) (string, error) {
	tmpl, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("template not found: %s", name)
	}
	return e.renderTemplate(tmpl, context)
}

func (e *TemplateEngine) RenderString(templateStr string, context map[string]any) (string, error) {
	if !HasTemplate(templateStr) {
		return templateStr, nil
	}
	tmpl, err := e.newTemplate("inline").Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	return e.renderTemplate(tmpl, context)
}

func (e *TemplateEngine) renderTemplate(tmpl *template.Template, context map[string]any) (string, error) {
	data := make(map[string]any, len(context)+len(e.globalValues))
	maps.Copy(data, e.globalValues)
	maps.Copy(data, context)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template execution error: %w", err)
	}
	out := buf.String()
	if !e.strict {
		out = strings.ReplaceAll(out, noValue, "")
	}
	return out, nil
}

// ProcessString renders templateStr and parses the output according to the engine format.
func (e *TemplateEngine) ProcessString(templateStr string, context map[string]any) (*ProcessResult, error) {
	rendered, err := e.RenderString(templateStr, context)
	if err != nil {
		return nil, err
	}
	result := &ProcessResult{Text: rendered}
	switch e.format {
	case FormatYAML:
		var obj any
		if err := yaml.Unmarshal([]byte(rendered), &obj); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		result.YAML = obj
	case FormatJSON:
		var obj any
		if err := json.Unmarshal([]byte(rendered), &obj); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
		result.JSON = obj
	}
	return result, nil
}

// ProcessFile processes a template file. An unset format is chosen from the file extension,
// ignoring a trailing .tmpl.
func (e *TemplateEngine) ProcessFile(filePath string, context map[string]any) (*ProcessResult, error) {
	body, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}
	if e.format == "" {
		e.format = FormatFromPath(filePath)
	}
	return e.ProcessString(string(body), context)
}

func FormatFromPath(path string) EngineFormat {
	name := strings.TrimSuffix(strings.ToLower(path), ".tmpl")
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatText
	}
}
