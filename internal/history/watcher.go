package history

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher marks tracking corrupt when the collection file is removed
// or renamed away by something other than the tracker.
//
// The parent directory is watched rather than the file itself: saves
// replace the file by rename, which gives it a new inode.
type StoreWatcher struct {
	tracker *Tracker
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

func NewStoreWatcher(tracker *Tracker, path string, logger *slog.Logger) (*StoreWatcher, error) {
	absolutePath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(absolutePath)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &StoreWatcher{
		tracker: tracker,
		path:    absolutePath,
		logger:  logger,
		watcher: watcher,
	}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *StoreWatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Warn("collection file changed externally", "path", w.path, "event", event.Op.String())
			if err := w.tracker.CheckStoreFile(ctx, w.path); err != nil {
				return err
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", "path", w.path, "err", err)
		}
	}
}

func (w *StoreWatcher) Close() error {
	return w.watcher.Close()
}
