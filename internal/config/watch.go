package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watch reloads path whenever it is written or replaced and hands the new
// configuration to fn. Files that fail to load are logged and skipped. The
// watch ends when ctx is cancelled.
func Watch(ctx context.Context, path string, logger *log.Entry, fn func(*Config)) error {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithField("config", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(abs)
				if err != nil {
					logger.WithError(err).Warn("Ignoring config change")
					continue
				}
				logger.Info("Config reloaded")
				fn(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Error("Watcher failed")
			}
		}
	}()
	return nil
}
