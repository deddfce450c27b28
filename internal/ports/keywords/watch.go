package keywords

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the keyword file at path into c whenever it changes, until ctx is done.
// The directory is watched so editors that replace the file are picked up. A file that
// fails to parse leaves the current table in place.
func Watch(ctx context.Context, path string, c *Classifier, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch keyword directory: %w", err)
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
				if filepath.Clean(event.Name) != abs || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				table, err := Load(abs)
				if err != nil {
					logger.Warn("Keyword file reload failed, keeping previous keywords",
						zap.String("path", abs), zap.Error(err))
					continue
				}
				c.SetTable(table)
				logger.Info("Keyword file reloaded", zap.String("path", abs), zap.Int("keywords", len(table)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("File watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
