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

package objsync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher debounces filesystem changes under the work root into sync
// triggers, so local edits upload sooner than the next interval tick.
type Watcher struct {
	engine   *Engine
	workRoot string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a change watcher for the engine's work root.
func NewWatcher(engine *Engine, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		engine:   engine,
		workRoot: engine.cfg.WorkRoot,
		debounce: debounce,
		logger:   logger.With(slog.String("component", "objsync-watch")),
	}
}

// Run watches until ctx is cancelled. Directories created later are picked
// up from their create events.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.workRoot); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			base := filepath.Base(ev.Name)
			if base == ManifestName || strings.HasPrefix(base, ".sync") {
				continue
			}

			if ev.Op.Has(fsnotify.Create) {
				// New directories need their own watch.
				if err := w.addTree(fsw, ev.Name); err != nil {
					w.logger.Debug("failed to watch new path", slog.Any("error", err))
				}
			}

			if timer == nil {
				timer = time.AfterFunc(w.debounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer = nil
			w.engine.Trigger()

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("filesystem watcher error", slog.Any("error", err))
		}
	}
}

// addTree registers path and any directories below it.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(p); err != nil {
				w.logger.Debug("failed to watch directory",
					slog.String("path", p),
					slog.Any("error", err))
			}
		}
		return nil
	})
}
