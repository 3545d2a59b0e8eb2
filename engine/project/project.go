package project

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/afero"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/record"
	"github.com/flowline/flowline/engine/runindex"
	"github.com/flowline/flowline/pkg/config"
	"github.com/flowline/flowline/pkg/logger"
)

// Project is an opened project directory: its settings and its run index.
type Project struct {
	paths    *core.ProjectPaths
	cfg      *config.Config
	fs       afero.Fs
	registry *record.Registry
	ix       *runindex.Index
}

// Init creates the index directory, the default settings file and the
// templates directory under path. Running it on an existing project keeps
// the index and the settings.
func Init(ctx context.Context, path string) (*core.ProjectPaths, error) {
	root, err := core.AbsPath(path)
	if err != nil {
		return nil, core.NewConfigError(path, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, core.NewIndexError(root, err)
	}
	ix, err := runindex.Create(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := ix.Close(ctx); err != nil {
		return nil, err
	}
	paths := ix.Paths()
	defaults := config.Default()
	if _, err := os.Stat(paths.Settings); errors.Is(err, fs.ErrNotExist) {
		data, err := config.RenderSettings(defaults)
		if err != nil {
			return nil, core.NewConfigError(paths.Settings, err)
		}
		if err := os.WriteFile(paths.Settings, data, 0o644); err != nil {
			return nil, core.NewIndexError(paths.Settings, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, defaults.Render.TemplateDir), 0o755); err != nil {
		return nil, core.NewConfigError(defaults.Render.TemplateDir, err)
	}
	logger.FromContext(ctx).Info("Project initialized", "root", root)
	return paths, nil
}

// Open finds the project containing path, loads its settings and opens the
// index. Extra sources override the settings file, in order.
func Open(ctx context.Context, path string, sources ...config.Source) (*Project, error) {
	root, err := core.FindProjectRoot(path)
	if err != nil {
		return nil, core.NewIndexError(path, err)
	}
	paths := core.NewProjectPaths(root)
	all := append([]config.Source{config.NewYAMLProvider(paths.Settings)}, sources...)
	cfg, err := config.NewService().Load(ctx, all...)
	if err != nil {
		return nil, core.NewConfigError(paths.Settings, err)
	}
	ix, err := runindex.Open(ctx, root,
		runindex.WithBusyTimeout(cfg.Index.BusyTimeout),
		runindex.WithReaders(cfg.Index.Readers),
	)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Project opened", "root", root, "backend", cfg.Executor.Backend)
	return &Project{
		paths:    paths,
		cfg:      cfg,
		fs:       afero.NewOsFs(),
		registry: record.DefaultRegistry(),
		ix:       ix,
	}, nil
}

func (p *Project) Close(ctx context.Context) error {
	return p.ix.Close(ctx)
}

func (p *Project) Paths() *core.ProjectPaths {
	return p.paths
}

func (p *Project) Config() *config.Config {
	return p.cfg
}

func (p *Project) Index() *runindex.Index {
	return p.ix
}

// LoadRecords reads every config data file of the project. Nothing is cached:
// each call reflects the files on disk.
func (p *Project) LoadRecords(ctx context.Context) (*record.Context, error) {
	store := record.NewStore(p.fs, p.paths.Root, p.registry)
	return store.LoadAll(ctx, p.cfg.Records.Include, p.cfg.Records.Exclude)
}

// TemplateDir is the absolute templates directory.
func (p *Project) TemplateDir() string {
	return p.abs(p.cfg.Render.TemplateDir)
}

// SearchPath lists the absolute template directories in lookup order: the
// render.search_path entries, then the templates directory.
func (p *Project) SearchPath() []string {
	dirs := make([]string, 0, len(p.cfg.Render.SearchPath)+1)
	for _, dir := range append(slices.Clone(p.cfg.Render.SearchPath), p.cfg.Render.TemplateDir) {
		if dir = p.abs(dir); !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// abs resolves a settings path against the project root.
func (p *Project) abs(dir string) string {
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(p.paths.Root, dir)
}
