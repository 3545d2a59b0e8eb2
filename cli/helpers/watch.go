package helpers

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowline/flowline/pkg/logger"
)

// DefaultWatchInterval bounds how often a watched directory triggers a refresh.
const DefaultWatchInterval = time.Second

var errWatcherClosed = errors.New("fsnotify watcher closed unexpectedly")

// RefreshFunc redraws a view. It reports done once there is nothing left to follow.
type RefreshFunc func() (done bool, err error)

// WatchDir calls refresh once, then again after files in dir change, until
// refresh reports done or ctx ends. Events are coalesced per interval. When
// fsnotify cannot watch dir it falls back to polling every interval.
func WatchDir(ctx context.Context, dir string, interval time.Duration, refresh RefreshFunc) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	log := logger.FromContext(ctx)
	watcher, err := newDirWatcher(dir)
	if err != nil {
		log.Warn("fsnotify unavailable, falling back to polling", "dir", dir, "error", err)
		return pollDir(ctx, interval, refresh)
	}
	defer watcher.Close()
	if done, err := refresh(); err != nil || done {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	dirty := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				dirty = true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}
			log.Debug("Watcher error", "dir", dir, "error", err)
		case <-ticker.C:
			if !dirty {
				continue
			}
			dirty = false
			if done, err := refresh(); err != nil || done {
				return err
			}
		}
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return watcher, nil
}

func pollDir(ctx context.Context, interval time.Duration, refresh RefreshFunc) error {
	if done, err := refresh(); err != nil || done {
		return err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if done, err := refresh(); err != nil || done {
				return err
			}
		}
	}
}
