package tplengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHasTemplate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"empty", "", false},
		{"no_markers", "plain text", false},
		{"with_delims", "echo {{ .sample }}", true},
		{"with_trim_marker", "echo {{- .sample -}}", true},
		{"brace_like_not_template", "awk '{print $1}'", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasTemplate(tt.in); got != tt.want {
				t.Fatalf("HasTemplate(%q)=%v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRender_Strictness(t *testing.T) {
	t.Run("strict_missing_key_fails", func(t *testing.T) {
		e := NewEngine(FormatText)
		if _, err := e.RenderString("echo {{ .vars.missing }}", map[string]any{"vars": map[string]any{}}); err == nil {
			t.Fatal("expected error for missing key in strict mode")
		}
	})
	t.Run("lenient_missing_key_renders_empty", func(t *testing.T) {
		e := NewEngine(FormatText).WithStrict(false)
		got, err := e.RenderString("echo [{{ .vars.missing }}]", map[string]any{"vars": map[string]any{}})
		if err != nil {
			t.Fatalf("RenderString error: %v", err)
		}
		if got != "echo []" {
			t.Fatalf("unexpected render: %q", got)
		}
	})
}

func TestRender_SprigAndGlobals(t *testing.T) {
	e := NewEngine(FormatText).WithGlobals(map[string]any{"project": "demo", "sample": "global"})
	if err := e.AddTemplate("cmd", "{{ .project }}:{{ .sample | upper }}"); err != nil {
		t.Fatalf("AddTemplate error: %v", err)
	}
	got, err := e.Render("cmd", map[string]any{"sample": "s1"})
	if err != nil {
		t.Fatalf("Render error: %v", err)
	}
	if got != "demo:S1" {
		t.Fatalf("context should override globals, got %q", got)
	}
	if _, err := e.Render("absent", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func TestProcessFile_YAMLTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "align.yaml.tmpl")
	body := strings.Join([]string{
		"{{- range .samples }}",
		"- name: align_{{ .id }}",
		"  cmd: bwa mem {{ .fastq }}",
		"  tags: {{ list \"align\" | toYaml | nindent 4 }}",
		"{{- end }}",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := map[string]any{"samples": []map[string]any{
		{"id": "a", "fastq": "a.fq"},
		{"id": "b", "fastq": "b.fq"},
	}}
	res, err := NewEngine("").ProcessFile(path, ctx)
	if err != nil {
		t.Fatalf("ProcessFile error: %v", err)
	}
	items, ok := res.YAML.([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected two rendered tasks, got %#v", res.YAML)
	}
	first := items[0].(map[string]any)
	if first["name"] != "align_a" || first["cmd"] != "bwa mem a.fq" {
		t.Fatalf("unexpected first task: %#v", first)
	}
}

func TestFormatFromPath(t *testing.T) {
	cases := map[string]EngineFormat{
		"t.yaml":      FormatYAML,
		"t.yml.tmpl":  FormatYAML,
		"t.json":      FormatJSON,
		"t.sh.tmpl":   FormatText,
		"T.YAML.TMPL": FormatYAML,
	}
	for in, want := range cases {
		if got := FormatFromPath(in); got != want {
			t.Errorf("FormatFromPath(%q)=%q, want %q", in, got, want)
		}
	}
}
