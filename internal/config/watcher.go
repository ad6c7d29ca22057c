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
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives a freshly loaded and validated configuration.
type ReloadFunc func(*Config)

// Watcher reloads the configuration file when it changes on disk.
// Invalid configurations are logged and skipped; the callback only ever
// sees a configuration that passed Validate.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onReload  ReloadFunc
	logger    *slog.Logger

	debounceDelay time.Duration

	// mu protects pending
	mu      sync.Mutex
	pending *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the configuration file watcher.
type WatcherConfig struct {
	// Path is the configuration file to watch.
	Path string

	// OnReload is called with each successfully reloaded configuration.
	OnReload ReloadFunc

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay coalesces bursts of writes (defaults to 200ms)
	DebounceDelay time.Duration
}

// NewWatcher starts watching cfg.Path. The parent directory is watched so
// that editors which replace the file via rename are handled.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		onReload:      cfg.OnReload,
		logger:        logger.With(slog.String("component", "config_watcher")),
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	w.logger.Debug("watching config file", slog.String("path", absPath))
	return w, nil
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", slog.Any("error", err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	w.pending = nil
	w.mu.Unlock()

	if w.ctx.Err() != nil {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("ignoring invalid configuration change",
			slog.String("path", w.path),
			slog.Any("error", err),
		)
		return
	}

	w.logger.Info("configuration reloaded", slog.String("path", w.path))
	w.onReload(cfg)
}

// Close stops the watcher. Pending reloads are discarded.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()

	return w.fsWatcher.Close()
}
