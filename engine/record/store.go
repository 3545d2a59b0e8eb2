package record

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/pkg/logger"
	"github.com/spf13/afero"
)

// DefaultExcludes are never loaded as config data.
var DefaultExcludes = []string{
	core.StoreDirName + "/**",
	"templates/**",
	"**/.*",
}

// Source is one named structured input. Path is relative to the store root.
type Source struct {
	Name string
	Path string
}

// SourceFromPath names a source after its file name without extension.
func SourceFromPath(p string) Source {
	base := path.Base(filepath.ToSlash(p))
	return Source{Name: strings.TrimSuffix(base, path.Ext(base)), Path: filepath.ToSlash(p)}
}

// Store loads record collections from files under a root directory.
type Store struct {
	fs       afero.Fs
	root     string
	registry *Registry
}

func NewStore(fsys afero.Fs, root string, registry *Registry) *Store {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Store{fs: fsys, root: root, registry: registry}
}

// Discover lists sources matching includes, minus excludes and DefaultExcludes,
// sorted by path.
func (s *Store) Discover(includes, excludes []string) ([]Source, error) {
	fsys := afero.NewIOFS(afero.NewBasePathFs(s.fs, s.root))
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range includes {
		if err := validatePattern(pattern); err != nil {
			return nil, core.NewConfigError(pattern, err)
		}
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, core.NewConfigError(pattern, fmt.Errorf("invalid glob pattern: %w", err))
		}
		for _, m := range matches {
			if seen[m] || excluded(m, excludes) {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}
	slices.Sort(paths)
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, SourceFromPath(p))
	}
	return sources, nil
}

func validatePattern(pattern string) error {
	clean := filepath.Clean(pattern)
	if filepath.IsAbs(clean) {
		return fmt.Errorf("absolute paths not allowed")
	}
	if slices.Contains(strings.Split(filepath.ToSlash(clean), "/"), "..") {
		return fmt.Errorf("parent directory references not allowed")
	}
	if !doublestar.ValidatePattern(filepath.ToSlash(pattern)) {
		return fmt.Errorf("malformed pattern")
	}
	return nil
}

func excluded(p string, excludes []string) bool {
	base := path.Base(p)
	for _, pattern := range append(slices.Clone(DefaultExcludes), excludes...) {
		pattern = filepath.ToSlash(pattern)
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, base); err == nil && ok {
			return true
		}
	}
	return false
}

// Load parses every source into a fresh Context. Any failure aborts the whole
// load with a ConfigError naming the offending source.
func (s *Store) Load(ctx context.Context, sources []Source) (*Context, error) {
	log := logger.FromContext(ctx)
	out := NewContext()
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if prev, dup := out.collections[src.Name]; dup {
			return nil, core.NewErrorf(
				core.ErrCodeConfig, src.Path,
				"duplicate collection name %q (already loaded from %s)", src.Name, prev.Source,
			)
		}
		records, err := s.parse(src)
		if err != nil {
			return nil, core.NewConfigError(src.Path, err)
		}
		out.collections[src.Name] = &Collection{Name: src.Name, Source: src.Path, Records: records}
		log.Debug("Loaded records", "collection", src.Name, "source", src.Path, "count", len(records))
	}
	return out, nil
}

// LoadAll discovers and loads sources in one step.
func (s *Store) LoadAll(ctx context.Context, includes, excludes []string) (*Context, error) {
	sources, err := s.Discover(includes, excludes)
	if err != nil {
		return nil, err
	}
	return s.Load(ctx, sources)
}

func (s *Store) parse(src Source) ([]Record, error) {
	return s.registry.ParseFile(s.fs, filepath.Join(s.root, filepath.FromSlash(src.Path)))
}
