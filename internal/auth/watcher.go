package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events (editors and
// sync tools touch files several times per save).
const watchDebounce = 1 * time.Second

// Watcher observes a credential directory and reinitializes the
// rotator's pool after add/remove events settle.
type Watcher struct {
	dir     string
	rotator *Rotator
	logger  *slog.Logger
}

// NewWatcher creates a watcher for dir feeding rotator.
func NewWatcher(dir string, rotator *Rotator, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: dir, rotator: rotator, logger: logger}
}

// Watch blocks until ctx is cancelled, republishing the credential pool
// whenever JSON files appear or disappear under the directory. Pool
// recomputation resets the rotation index and exhaustion flag.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching credential directory", slog.String("dir", w.dir))

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("credential watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, accountFileSuffix) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := w.rotator.InitializeFromDirectory(w.dir); err != nil {
				w.logger.Error("credential pool rescan failed",
					slog.String("dir", w.dir),
					slog.String("error", err.Error()))
				continue
			}
			w.logger.Info("credential pool recomputed",
				slog.Int("accounts", w.rotator.AccountCount()))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("credential watch error", slog.String("error", err.Error()))
		}
	}
}
