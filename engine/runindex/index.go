package runindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/infra/sqlite"
	"github.com/flowline/flowline/pkg/logger"
)

// LatestAlias resolves to the newest run.
const LatestAlias = "latest"

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrRunLocked    = errors.New("run is locked by another writer")
	ErrHandleClosed = errors.New("run handle is closed")
)

// Index is the durable store of runs, task states and transitions. Writes go
// through a single-connection writer; reads use a separate query-only pool
// that observes committed state and never blocks the writer.
type Index struct {
	paths  *core.ProjectPaths
	writer *sqlite.Store
	reader *sqlite.Store
}

type options struct {
	busyTimeout time.Duration
	readers     int
}

type Option func(*options)

func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

func WithReaders(n int) Option {
	return func(o *options) { o.readers = n }
}

// Create makes the index directory layout under root and opens the index.
// Calling it on an initialized project keeps the existing index.
func Create(ctx context.Context, root string, opts ...Option) (*Index, error) {
	paths := core.NewProjectPaths(root)
	for _, dir := range []string{paths.StoreDir, paths.LocksDir, paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewIndexError(dir, err)
		}
	}
	return Open(ctx, root, opts...)
}

// Open opens the index of the project at root and applies pending migrations.
func Open(ctx context.Context, root string, opts ...Option) (*Index, error) {
	o := options{readers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	paths := core.NewProjectPaths(root)
	info, err := os.Stat(paths.StoreDir)
	if err != nil || !info.IsDir() {
		return nil, core.NewIndexError(root, core.ErrNotProject)
	}
	for _, dir := range []string{paths.LocksDir, paths.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewIndexError(dir, err)
		}
	}
	cfg := &sqlite.Config{Path: paths.IndexFile, BusyTimeout: o.busyTimeout}
	if err := sqlite.ApplyMigrations(ctx, cfg); err != nil {
		return nil, core.NewIndexError(paths.IndexFile, err)
	}
	writer, err := sqlite.NewStore(ctx, cfg)
	if err != nil {
		return nil, core.NewIndexError(paths.IndexFile, err)
	}
	reader, err := sqlite.NewStore(ctx, &sqlite.Config{
		Path:         paths.IndexFile,
		BusyTimeout:  o.busyTimeout,
		MaxOpenConns: o.readers,
		ReadOnly:     true,
	})
	if err != nil {
		writer.Close(ctx)
		return nil, core.NewIndexError(paths.IndexFile, err)
	}
	logger.FromContext(ctx).Debug("Run index opened", "path", paths.IndexFile)
	return &Index{paths: paths, writer: writer, reader: reader}, nil
}

func (ix *Index) Paths() *core.ProjectPaths {
	return ix.paths
}

func (ix *Index) Close(ctx context.Context) error {
	rerr := ix.reader.Close(ctx)
	werr := ix.writer.Close(ctx)
	if err := errors.Join(werr, rerr); err != nil {
		return core.NewIndexError(ix.paths.IndexFile, err)
	}
	return nil
}

// ResolveRunID accepts a run ID or the latest alias.
func (ix *Index) ResolveRunID(ctx context.Context, ref string) (core.ID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.EqualFold(ref, LatestAlias) {
		runs, err := ix.ListRuns(ctx, 1)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			return "", fmt.Errorf("%s: %w", LatestAlias, ErrRunNotFound)
		}
		return runs[0].ID, nil
	}
	id, err := core.ParseID(strings.ToUpper(ref))
	if err != nil {
		return "", fmt.Errorf("run %q: %w", ref, err)
	}
	return id, nil
}
