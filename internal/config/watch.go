package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands the
// fresh config to onChange. Watches the parent directory because editors
// typically replace the file rather than write it in place. Blocks until
// ctx is done; reload failures are logged and skipped, the previous config
// stays in effect.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload failed", "error", err)
				continue
			}
			log.Info("config reloaded", "path", path)
			onChange(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
