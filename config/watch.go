package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/kleeedolinux/entrywatch/debug"
)

// Watch reloads path whenever it changes and hands the new Config to
// onChange. A reload that fails is logged and the previous config stays in
// effect. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic saves that replace the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	logger := debug.Component("config")
	logger.Info().Str("path", path).Msg("Watching for changes")

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				logger.Error().Err(err).Str("path", path).Msg("Reload failed, keeping previous config")
				continue
			}

			logger.Info().Str("path", path).Msg("Reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
