// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses editor save bursts into one reload.
const DefaultDebounce = 250 * time.Millisecond

// WatchOption configures Watch.
type WatchOption func(*watchOptions)

type watchOptions struct {
	debounce  time.Duration
	logger    *zap.Logger
	setGlobal bool
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for reload failures.
func WithWatchLogger(l *zap.Logger) WatchOption {
	return func(o *watchOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// UpdateGlobal also installs each reloaded config with SetGlobal.
func UpdateGlobal() WatchOption {
	return func(o *watchOptions) { o.setGlobal = true }
}

// Watch reloads path whenever it changes and passes each valid config to
// fn. Invalid configs are logged and skipped. The parent directory is
// watched so atomic rename-over saves are seen. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, path string, fn func(*Config), opts ...WatchOption) error {
	o := watchOptions{debounce: DefaultDebounce, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(o.debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("config watcher error", zap.Error(err))

		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				o.logger.Error("config reload failed", zap.String("path", abs), zap.Error(err))
				continue
			}
			o.logger.Info("config reloaded", zap.String("path", abs))
			if o.setGlobal {
				SetGlobal(cfg)
			}
			fn(cfg)
		}
	}
}
