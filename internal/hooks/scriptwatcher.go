package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// WatchScriptDir watches dir for added/removed/modified shell scripts and
// keeps manager's shell hooks for eventType in sync with its contents. Each
// *.sh file becomes one ShellHook, registered under the filename (minus
// extension) as its ID. Runs until ctx is cancelled.
func WatchScriptDir(ctx context.Context, dir string, eventType EventType, manager *Manager, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	reload := func() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn("hook script dir read failed", "dir", dir, "error", err)
			return
		}
		hooks := make([]Hook, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".sh") {
				continue
			}
			id := strings.TrimSuffix(e.Name(), ".sh")
			hooks = append(hooks, NewShellHook(id, filepath.Join(dir, e.Name())))
		}
		manager.ReplaceShellHooksForEvent(eventType, hooks)
		log.Info("hook scripts reloaded", "dir", dir, "count", len(hooks))
	}

	reload()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("hook script watch error", "error", err)
		}
	}
}
