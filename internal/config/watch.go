// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces bursts of writes into one reload.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// NewWatcher starts watching path. The parent directory is watched so
// editors that replace the file are seen.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch path: %w", err)
	}

	return &Watcher{
		path:     absPath,
		debounce: DefaultDebounce,
		watcher:  fsw,
		logger:   logger.With(slog.String("component", "config"), slog.String("path", absPath)),
	}, nil
}

// Run calls fn with the reloaded configuration, or the load error, after
// each change. It blocks until ctx is done and closes the watcher.
func (w *Watcher) Run(ctx context.Context, fn func(*Config, error)) error {
	defer w.watcher.Close()

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.logger.Debug("config file changed", slog.String("op", event.Op.String()))
			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}
		case <-reload:
			cfg, err := Load(w.path)
			if err != nil {
				w.logger.Warn("config reload failed", slog.Any("error", err))
			} else {
				w.logger.Info("config reloaded")
			}
			fn(cfg, err)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", slog.Any("error", err))
		}
	}
}

// Watch is NewWatcher followed by Run.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config, error)) error {
	w, err := NewWatcher(path, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}
