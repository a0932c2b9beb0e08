package syncer

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 2 * time.Second

// Watcher triggers a local-files sync after filesystem activity settles.
// Events are coalesced: a burst of writes produces one sync.
type Watcher struct {
	root    string
	service *Service
	logger  *slog.Logger
}

func NewWatcher(root string, service *Service, logger *slog.Logger) *Watcher {
	return &Watcher{root: root, service: service, logger: logger}
}

// Run blocks until ctx is cancelled. Subdirectories present at start are
// watched; directories created later are added as their create events
// arrive.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.root); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				// New directory: watch it too. Errors here are non-fatal,
				// the next full pass picks the files up anyway.
				if err := w.addRecursive(fw, ev.Name); err == nil {
					w.logger.Debug("watching new path", "path", ev.Name)
				}
			}
			if !w.relevant(ev) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			accepted, err := w.service.StartSync(ctx, CapLocalFiles, "")
			if err != nil {
				w.logger.Warn("local sync trigger failed", "error", err)
			} else if !accepted {
				// A pass is running; re-arm so the new changes get a pass
				// of their own once it finishes.
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(ev.Name))
	return ext == "" || localExtensions[ext]
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
