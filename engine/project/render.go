package project

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/record"
	"github.com/flowline/flowline/engine/task"
	"github.com/flowline/flowline/engine/workflow"
	"github.com/flowline/flowline/pkg/logger"
	"github.com/flowline/flowline/pkg/tplengine"
)

const (
	// VarsKey holds user variables in the render context.
	VarsKey = "vars"

	templatePattern = "**/*.{yaml,yml,json,tmpl}"
)

// ResolveTemplates maps template references to files. A reference is tried
// as given, then relative to each search path directory in order. No
// references select every template under the search path; a template in an
// earlier directory hides one with the same relative path in a later one.
func (p *Project) ResolveTemplates(refs []string) ([]string, error) {
	dirs := p.SearchPath()
	if len(refs) == 0 {
		return globTemplates(dirs)
	}
	files := make([]string, 0, len(refs))
	for _, ref := range refs {
		file, err := findFile(ref, dirs)
		if err != nil {
			return nil, core.NewConfigError(ref, err)
		}
		files = append(files, file)
	}
	return files, nil
}

// globTemplates lists the templates of each directory sorted by path,
// directories in order. Missing directories are skipped.
func globTemplates(dirs []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	for _, dir := range dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(dir), templatePattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, core.NewConfigError(dir, err)
		}
		slices.Sort(matches)
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			files = append(files, filepath.Join(dir, filepath.FromSlash(m)))
		}
	}
	if len(files) == 0 {
		return nil, core.NewErrorf(core.ErrCodeConfig, strings.Join(dirs, string(os.PathListSeparator)), "no templates found")
	}
	return files, nil
}

func findFile(ref string, dirs []string) (string, error) {
	candidates := []string{ref}
	if !filepath.IsAbs(ref) {
		for _, dir := range dirs {
			candidates = append(candidates, filepath.Join(dir, ref))
		}
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return filepath.Abs(c)
		}
	}
	return "", errors.New("template not found")
}

// Render turns templates into task specifications in declared order. Records
// are loaded fresh and exposed by collection name, vars under "vars". Every
// template is attempted; failures are returned together as render errors and
// no specification is returned unless all templates succeed.
func (p *Project) Render(ctx context.Context, templates []string, vars map[string]any) ([]*task.Spec, error) {
	files, err := p.ResolveTemplates(templates)
	if err != nil {
		return nil, err
	}
	records, err := p.LoadRecords(ctx)
	if err != nil {
		return nil, err
	}
	if col, ok := records.Get(VarsKey); ok {
		return nil, core.NewErrorf(core.ErrCodeConfig, col.Source, "collection name %q is reserved", VarsKey)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	log := logger.FromContext(ctx)
	var (
		specs []*task.Spec
		errs  []error
	)
	for _, file := range files {
		out, err := p.renderFile(file, records, vars)
		if err != nil {
			errs = append(errs, core.NewRenderError(p.relative(file), err))
			continue
		}
		log.Debug("Rendered template", "template", p.relative(file), "tasks", len(out))
		specs = append(specs, out...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	log.Info("Rendered templates", "templates", len(files), "tasks", len(specs))
	return specs, nil
}

func (p *Project) renderFile(file string, records *record.Context, vars map[string]any) ([]*task.Spec, error) {
	data := records.Data()
	data[VarsKey] = vars
	engine := tplengine.NewEngine(tplengine.FormatYAML).
		WithStrict(p.cfg.Render.Strict).
		WithGlobals(map[string]any{"project": map[string]any{"root": p.paths.Root}})
	res, err := engine.ProcessFile(file, data)
	if err != nil {
		return nil, err
	}
	specs, err := task.DecodeDocument(res.YAML)
	if err != nil {
		return nil, fmt.Errorf("invalid task document: %w", err)
	}
	return specs, nil
}

// Build renders templates and resolves them into a workflow.
func (p *Project) Build(ctx context.Context, templates []string, vars map[string]any) (*workflow.Workflow, error) {
	specs, err := p.Render(ctx, templates, vars)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, core.NewErrorf(core.ErrCodeRender, p.TemplateDir(), "templates rendered no tasks")
	}
	wf, err := workflow.Build(specs)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Workflow built", "tasks", wf.Len())
	return wf, nil
}

func (p *Project) relative(file string) string {
	if rel, err := filepath.Rel(p.paths.Root, file); err == nil {
		return filepath.ToSlash(rel)
	}
	return file
}
