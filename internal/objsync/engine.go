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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/awfl/workbridge/internal/sandbox"
)

// Stats summarizes one sync run. It doubles as the gcs_sync frame on
// push-streaming responses.
type Stats struct {
	Type          string `json:"type"`
	ScannedRemote int    `json:"scannedRemote"`
	Downloaded    int    `json:"downloaded"`
	Uploaded      int    `json:"uploaded"`
	Conflicts     int    `json:"conflicts"`
}

// Config parameterizes an engine for one work root.
type Config struct {
	// WorkRoot is the local mirror directory.
	WorkRoot string

	// Prefix is the object-name prefix, normally ending with "/".
	Prefix string

	// EnableUpload turns on the upload pass.
	EnableUpload bool

	// DownloadConcurrency and UploadConcurrency bound the worker pools.
	DownloadConcurrency int
	UploadConcurrency   int

	// Exclude lists doublestar globs never uploaded nor overwritten
	// locally, matched against prefix-relative names.
	Exclude []string

	Logger *slog.Logger
}

// Engine mirrors one work root against one object-store prefix. Runs for
// the same engine serialize; overlapping triggers coalesce into the next
// run.
type Engine struct {
	store ObjectStore
	cfg   Config

	logger *slog.Logger

	// runMu serializes Sync; kick carries coalesced triggers.
	runMu sync.Mutex
	kick  chan struct{}
}

// NewEngine creates a sync engine.
func NewEngine(store ObjectStore, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DownloadConcurrency <= 0 {
		cfg.DownloadConcurrency = 4
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "objsync")),
		kick:   make(chan struct{}, 1),
	}
}

// Trigger requests a sync run without blocking. Triggers arriving while a
// run executes coalesce into one follow-up run.
func (e *Engine) Trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Loop runs Sync on every interval tick and on every Trigger until ctx is
// cancelled. Each completed run reports through onStats when non-nil.
func (e *Engine) Loop(ctx context.Context, interval time.Duration, onStats func(*Stats)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}

		stats, err := e.Sync(ctx)
		if err != nil {
			e.logger.Warn("sync run failed", slog.Any("error", err))
			continue
		}
		if onStats != nil {
			onStats(stats)
		}
	}
}

// Sync runs a download pass then, when enabled, an upload pass. Concurrent
// calls for the same engine serialize.
func (e *Engine) Sync(ctx context.Context) (*Stats, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	stats := &Stats{Type: "gcs_sync"}
	manifest := LoadManifest(e.cfg.WorkRoot)

	remote, err := e.store.List(ctx, e.cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote objects: %w", err)
	}
	stats.ScannedRemote = len(remote)

	if err := e.downloadPass(ctx, remote, manifest, stats); err != nil {
		return nil, err
	}

	if e.cfg.EnableUpload {
		if err := e.uploadPass(ctx, remote, manifest, stats); err != nil {
			return nil, err
		}
	}

	if err := manifest.Save(e.cfg.WorkRoot); err != nil {
		return nil, err
	}

	e.logger.Debug("sync run complete",
		slog.Int("scanned_remote", stats.ScannedRemote),
		slog.Int("downloaded", stats.Downloaded),
		slog.Int("uploaded", stats.Uploaded),
		slog.Int("conflicts", stats.Conflicts))
	return stats, nil
}

// downloadPass fetches every remote object whose generation drifted from
// the manifest.
func (e *Engine) downloadPass(ctx context.Context, remote []ObjectInfo, manifest *Manifest, stats *Stats) error {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.DownloadConcurrency)

	for _, obj := range remote {
		if obj.IsFolder() {
			continue
		}
		relName := strings.TrimPrefix(obj.Name, e.cfg.Prefix)
		if relName == "" || relName == ManifestName || e.excluded(relName) {
			continue
		}

		entry, ok := manifest.Get(relName)
		if ok && entry.RemoteGen == obj.Generation {
			continue
		}

		obj := obj
		hadEntry := ok
		oldEntry := entry
		g.Go(func() error {
			// An unreconciled local edit is about to be replaced by the
			// remote rewrite: count the lost update as a conflict.
			conflict := e.localModified(relName, oldEntry, hadEntry)

			newEntry, err := e.downloadOne(gctx, obj, relName)
			if err != nil {
				return err
			}
			mu.Lock()
			manifest.Set(relName, newEntry)
			stats.Downloaded++
			if conflict {
				stats.Conflicts++
			}
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

// localModified reports whether the local copy of relName drifted from its
// last reconciled stats.
func (e *Engine) localModified(relName string, entry Entry, tracked bool) bool {
	path, err := sandbox.ResolveWithin(e.cfg.WorkRoot, relName)
	if err != nil {
		return false
	}
	st, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !tracked {
		// An untracked local file is about to be clobbered.
		return true
	}
	return st.ModTime().UnixMilli() != entry.LocalMtime || st.Size() != entry.LocalSize
}

func (e *Engine) downloadOne(ctx context.Context, obj ObjectInfo, relName string) (Entry, error) {
	path, err := sandbox.ResolveWithin(e.cfg.WorkRoot, relName)
	if err != nil {
		return Entry{}, fmt.Errorf("remote object %q resolves outside the work root: %w", obj.Name, err)
	}

	r, info, err := e.store.Download(ctx, obj.Name)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to download %q: %w", obj.Name, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Entry{}, fmt.Errorf("failed to create directories for %q: %w", relName, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".sync*")
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Entry{}, fmt.Errorf("failed to write %q: %w", relName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Entry{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return Entry{}, fmt.Errorf("failed to replace %q: %w", relName, err)
	}

	st, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat %q: %w", relName, err)
	}

	return Entry{
		RemoteGen:  info.Generation,
		LocalMtime: st.ModTime().UnixMilli(),
		LocalSize:  st.Size(),
	}, nil
}

// uploadPass pushes local changes, skipping anything that conflicts with a
// remote rewrite.
func (e *Engine) uploadPass(ctx context.Context, remote []ObjectInfo, manifest *Manifest, stats *Stats) error {
	remoteByName := make(map[string]ObjectInfo, len(remote))
	for _, obj := range remote {
		remoteByName[strings.TrimPrefix(obj.Name, e.cfg.Prefix)] = obj
	}

	type candidate struct {
		relName string
		path    string
		entry   Entry
		tracked bool
	}
	var candidates []candidate

	err := filepath.WalkDir(e.cfg.WorkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		relName, err := filepath.Rel(e.cfg.WorkRoot, path)
		if err != nil {
			return err
		}
		relName = filepath.ToSlash(relName)
		if relName == ManifestName || strings.HasPrefix(filepath.Base(relName), ".sync") || e.excluded(relName) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		entry, tracked := manifest.Get(relName)
		if tracked && entry.LocalMtime == info.ModTime().UnixMilli() && entry.LocalSize == info.Size() {
			return nil
		}
		candidates = append(candidates, candidate{relName: relName, path: path, entry: entry, tracked: tracked})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk work root: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.UploadConcurrency)

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			remoteObj, remoteExists := remoteByName[c.relName]

			// A remote rewrite since the last reconcile wins; skip the
			// upload and surface a conflict.
			if remoteExists && (!c.tracked || remoteObj.Generation != c.entry.RemoteGen) {
				mu.Lock()
				stats.Conflicts++
				mu.Unlock()
				e.logger.Warn("upload conflict",
					slog.String("object", c.relName),
					slog.Int64("remote_gen", remoteObj.Generation),
					slog.Int64("manifest_gen", c.entry.RemoteGen))
				return nil
			}

			match := int64(0)
			if c.tracked {
				match = c.entry.RemoteGen
			}

			newEntry, err := e.uploadOne(gctx, c.relName, c.path, match)
			switch {
			case errors.Is(err, ErrPreconditionFailed), errors.Is(err, ErrPermission):
				mu.Lock()
				stats.Conflicts++
				mu.Unlock()
				e.logger.Warn("upload rejected",
					slog.String("object", c.relName),
					slog.Any("error", err))
				return nil
			case err != nil:
				return err
			}

			mu.Lock()
			manifest.Set(c.relName, newEntry)
			stats.Uploaded++
			mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) uploadOne(ctx context.Context, relName, path string, ifGenerationMatch int64) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to open %q: %w", relName, err)
	}
	defer f.Close()

	info, err := e.store.Upload(ctx, e.cfg.Prefix+relName, f, ifGenerationMatch)
	if err != nil {
		return Entry{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat %q: %w", relName, err)
	}

	return Entry{
		RemoteGen:  info.Generation,
		LocalMtime: st.ModTime().UnixMilli(),
		LocalSize:  st.Size(),
	}, nil
}

func (e *Engine) excluded(relName string) bool {
	for _, pattern := range e.cfg.Exclude {
		if ok, err := doublestar.Match(pattern, relName); err == nil && ok {
			return true
		}
	}
	return false
}
