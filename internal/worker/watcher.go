package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher triggers a Check whenever the manifest file is written.
type Watcher struct {
	checker  *Checker
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches the manifest's directory, since editors often replace
// the file rather than write it in place.
func NewWatcher(checker *Checker, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(checker.Path())); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", checker.Path(), err)
	}
	return &Watcher{checker: checker, watcher: fw, debounce: debounce, logger: logger}, nil
}

// Run blocks until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	target := filepath.Clean(w.checker.Path())
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watcher error", "error", err)
		case <-pending:
			pending = nil
			if _, err := w.checker.Check(ctx); err != nil {
				w.logger.Warn("manifest reload failed", "path", target, "error", err)
			}
		}
	}
}
