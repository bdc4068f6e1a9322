package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay collapses the burst of events an editor save produces.
const reloadDelay = 200 * time.Millisecond

// Watch reloads the config whenever its file or the authorized keys file
// changes and hands each valid result to apply. Invalid files are logged
// and skipped; the previous settings stay in force. Watch blocks until ctx
// ends.
//
// Directories are watched rather than files so that editors which save by
// renaming a temporary file are seen.
func Watch(ctx context.Context, cfg *Config, log *slog.Logger, apply func(*Config) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	targets, err := watchTargets(w, cfg)
	if err != nil {
		return err
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(event.Name)
			if !targets[abs] || event.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error("config watcher error", "error", err)
		case <-timer.C:
			next, err := Load(cfg.Path())
			if err == nil {
				err = next.Validate()
			}
			if err == nil {
				err = apply(next)
			}
			if err != nil {
				log.Warn("config reload rejected", "path", cfg.Path(), "error", err)
				continue
			}
			log.Info("config reloaded", "path", cfg.Path())
			// The keys file may have moved.
			if t, err := watchTargets(w, next); err != nil {
				log.Warn("config watch not updated", "error", err)
			} else {
				targets = t
			}
		}
	}
}

// watchTargets adds the directories of cfg's files to w and returns the
// absolute paths of the files themselves.
func watchTargets(w *fsnotify.Watcher, cfg *Config) (map[string]bool, error) {
	targets := map[string]bool{}
	for _, p := range []string{cfg.Path(), cfg.AuthorizedKeysPath()} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		targets[abs] = true
		if err := w.Add(filepath.Dir(abs)); err != nil {
			return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
		}
	}
	return targets, nil
}
