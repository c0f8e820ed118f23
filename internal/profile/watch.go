package profile

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/serving-lab/slo-placer/internal/logger"
)

// Source yields the current profile store. Implementations may swap the
// store out from under callers, so take one Store per decision and do not
// cache it across operations.
type Source interface {
	Store() *Store
}

// Fixed is a Source pinned to a single store, for setups without hot reload
// and for tests.
type Fixed struct {
	S *Store
}

func (f Fixed) Store() *Store { return f.S }

// Watcher publishes a freshly loaded store whenever a file in the profile
// directory changes. Profiling runs drop updated tables into the directory;
// decisions made after the drop see the new tables without a restart.
type Watcher struct {
	dir     string
	fs      *fsnotify.Watcher
	current atomic.Pointer[Store]
}

// NewWatcher loads dir once and begins watching it. Call Run to process
// change events and Close to release the underlying watch.
func NewWatcher(dir string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	w := &Watcher{dir: dir, fs: fs}
	w.current.Store(Load(dir))
	return w, nil
}

func (w *Watcher) Store() *Store {
	return w.current.Load()
}

// Run reloads on every relevant filesystem event until ctx is cancelled.
// A reload that hits a malformed table degrades that table only; the rest
// of the fresh store still replaces the old one.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.current.Store(Load(w.dir))
			logger.Log.Info("profile tables reloaded", "dir", w.dir, "trigger", event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Log.Error(err, "profile watch error", "dir", w.dir)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}
