package files

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch follows the directories holding watched files and evicts cached
// content when one of them changes. It returns once the watcher is set up;
// watching stops when ctx is cancelled. Sets without watched files return
// immediately.
func (s *Set) Watch(ctx context.Context, logger *slog.Logger) error {
	dirs := make(map[string]struct{})
	for _, f := range s.files {
		if f.Watched {
			dirs[filepath.Dir(f.Path)] = struct{}{}
		}
	}
	if len(dirs) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("files: create watcher: %w", err)
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("files: watch %s: %w", dir, err)
		}
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				if s.Invalidate(event.Name) {
					logger.Debug("watched file changed", "path", event.Name, "op", event.Op.String())
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("file watcher error", "error", err)
			}
		}
	}()
	return nil
}
