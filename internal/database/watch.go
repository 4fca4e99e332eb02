package database

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchCatalog reseeds repo from the catalog file at path every time the
// file is written, until ctx is done. Tracks removed from the file stay in
// the catalog since rooms may still be playing them.
func WatchCatalog(ctx context.Context, logger *log.Logger, repo TrackRepository, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// editors often replace the file instead of writing it, so watch the
	// directory and filter on the name
	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
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
				if filepath.Clean(event.Name) != path {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}

				n, err := SeedFromFile(repo, path)
				if err != nil {
					logger.Printf("catalog reload failed: %v", err)
					continue
				}
				logger.Printf("reloaded %d tracks from %s", n, path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("catalog watcher error: %v", err)
			}
		}
	}()

	return nil
}
