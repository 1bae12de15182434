package hotreload

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/orneryd/assetcore/pkg/logging"
)

// FSWatcher feeds fsnotify events into a Manager. Directories are watched
// rather than files so that editors which save by rename keep working.
type FSWatcher struct {
	m      *Manager
	w      *fsnotify.Watcher
	logger *zap.Logger
}

// NewFSWatcher creates a watcher bound to m and attaches it, so directories
// of already watched paths are registered immediately.
func NewFSWatcher(m *Manager, logger *zap.Logger) (*FSWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hotreload: create fsnotify watcher: %w", err)
	}
	fw := &FSWatcher{m: m, w: w, logger: logging.OrNop(logger).Named("fswatcher")}
	if err := m.SetWatcher(fw); err != nil {
		w.Close()
		return nil, err
	}
	return fw, nil
}

// Add implements DirWatcher.
func (fw *FSWatcher) Add(dir string) error {
	return fw.w.Add(dir)
}

// Remove implements DirWatcher.
func (fw *FSWatcher) Remove(dir string) error {
	return fw.w.Remove(dir)
}

// Run forwards events until ctx is done or the watcher is closed.
func (fw *FSWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.w.Events:
			if !ok {
				return nil
			}
			fw.m.HandleEvent(Event{Path: ev.Name, Kind: kindOf(ev.Op)})
		case err, ok := <-fw.w.Errors:
			if !ok {
				return nil
			}
			fw.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// Close stops the underlying watcher.
func (fw *FSWatcher) Close() error {
	return fw.w.Close()
}

func kindOf(op fsnotify.Op) EventKind {
	switch {
	case op.Has(fsnotify.Remove):
		return EventRemove
	case op.Has(fsnotify.Rename):
		return EventRename
	case op.Has(fsnotify.Create):
		return EventCreate
	case op.Has(fsnotify.Write):
		return EventWrite
	default:
		return EventChmod
	}
}
