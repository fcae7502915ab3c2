package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/wangshunnn/mind-flayer/internal/sidecar"
)

// DefaultDebounce coalesces the write, chmod and rename events of a single
// credential save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher pushes a fresh snapshot whenever the credential file changes on
// disk, including changes made by other processes.
type Watcher struct {
	path     string
	bridge   *Bridge
	debounce time.Duration
}

// NewWatcher watches path, the credential file used by bridge's store.
func NewWatcher(path string, bridge *Bridge, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, bridge: bridge, debounce: debounce}
}

// Run watches until ctx is cancelled. The parent directory is watched so
// atomic replaces of the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	bridgeLog.Debug("watching credential file", "path", w.path)

	push := newDebouncer(w.debounce, w.push)
	defer push.Cancel()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				push.Trigger()
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			bridgeLog.Warn("credential watcher error", "error", err)
		}
	}
}

func (w *Watcher) push() {
	err := w.bridge.Push()
	switch {
	case err == nil:
	case errors.Is(err, sidecar.ErrNotRunning):
		bridgeLog.Debug("credential file changed while sidecar not running")
	default:
		bridgeLog.Warn("failed to push config after credential file change", "error", err)
	}
}
