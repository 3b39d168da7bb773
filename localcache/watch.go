// Opt-in fsnotify watch over a vendor root: when a vendored file
// changes outside of Set/writeLocal, any cached manifest read held by
// a caller should be treated as stale.
package localcache

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes out-of-band changes to a vendor root and invokes
// onChange with the path that changed. It never writes to disk itself,
// so it is safe to run over a read-only vendor cache.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *slog.Logger
}

// NewWatcher starts watching vendorRoot. Callers must call Close when
// done.
func NewWatcher(vendorRoot string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(vendorRoot); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return &Watcher{fsw: fsw, log: log}, nil
}

// Watch runs until stop is closed, calling onChange for every
// write/create/remove/rename event fsnotify reports for the vendor
// root. Only the vendor root directory itself is watched: changes to
// files inside its subdirectories are not reported.
func (w *Watcher) Watch(stop <-chan struct{}, onChange func(path string)) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				onChange(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("vendor watch error", "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
