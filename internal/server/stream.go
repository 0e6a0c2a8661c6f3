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

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/awfl/workbridge/internal/auth"
	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/events"
	"github.com/awfl/workbridge/internal/httputil"
	"github.com/awfl/workbridge/internal/objsync"
)

// scopeFromRequest derives the sandbox scope for a stream request.
func scopeFromRequest(r *http.Request, id auth.Identity) dispatch.Scope {
	q := r.URL.Query()
	return dispatch.Scope{
		UserID:      id.UserID,
		ProjectID:   id.ProjectID,
		WorkspaceID: q.Get("workspaceId"),
		SessionID:   q.Get("sessionId"),
	}
}

// dispatchFunc adapts the dispatcher with metrics instrumentation.
func (s *Server) dispatchFunc(scope dispatch.Scope) events.Dispatch {
	return func(ctx context.Context, ev *dispatch.Event) *dispatch.Result {
		started := time.Now()
		result := s.dispatcher.Dispatch(ctx, ev, scope)

		if s.metrics != nil {
			outcome := "ok"
			if result.Error != nil {
				outcome = "error"
			}
			s.metrics.RecordDispatch(result.Tool.Name, outcome, time.Since(started).Seconds())
		}
		return result
	}
}

// syncEngine builds the mirror for one stream, or nil when no bucket is
// configured.
func (s *Server) syncEngine(ctx context.Context, r *http.Request, scope dispatch.Scope) (*objsync.Engine, error) {
	if s.cfg.Sync.Bucket == "" {
		return nil, nil
	}

	workRoot, err := s.dispatcher.WorkRoot(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare work root: %w", err)
	}

	// The per-stream credential arrives on the request; absence falls back
	// to the ambient identity.
	token := r.Header.Get("X-Object-Store-Token")

	store, err := s.storeFactory(ctx, s.cfg.Sync.Bucket, token)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store: %w", err)
	}

	prefix := dispatch.RenderPrefix(s.cfg.Work.PrefixTemplate, scope)
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}

	return objsync.NewEngine(store, objsync.Config{
		WorkRoot:            workRoot,
		Prefix:              prefix,
		EnableUpload:        s.cfg.Sync.EnableUpload,
		DownloadConcurrency: s.cfg.Sync.DownloadConcurrency,
		UploadConcurrency:   s.cfg.Sync.UploadConcurrency,
		Exclude:             s.cfg.Sync.Exclude,
		Logger:              s.logger,
	}), nil
}

// runSyncLifecycle runs the initial sync, the periodic loop, the optional
// change watcher, and schedules the final sync. onStats receives each
// completed run's stats.
func (s *Server) runSyncLifecycle(ctx context.Context, engine *objsync.Engine, onStats func(*objsync.Stats)) {
	report := func(stats *objsync.Stats) {
		if stats == nil {
			return
		}
		if s.metrics != nil {
			s.metrics.ObserveSync(stats.Downloaded, stats.Uploaded, stats.Conflicts)
		}
		if onStats != nil {
			onStats(stats)
		}
	}

	if s.cfg.Sync.OnStart {
		stats, err := engine.Sync(ctx)
		if err != nil {
			s.logger.Warn("initial sync failed", slog.Any("error", err))
		} else {
			report(stats)
		}
	}

	go engine.Loop(ctx, s.cfg.Sync.Interval.Std(), report)

	if s.cfg.Sync.WatchDebounce > 0 {
		watcher := objsync.NewWatcher(engine, s.cfg.Sync.WatchDebounce.Std(), s.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("sync watcher stopped", slog.Any("error", err))
			}
		}()
	}
}

// finalSync reconciles once more after a stream ends, outside the stream's
// cancelled context.
func (s *Server) finalSync(engine *objsync.Engine) *objsync.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std()/2)
	defer cancel()

	stats, err := engine.Sync(ctx)
	if err != nil {
		s.logger.Warn("final sync failed", slog.Any("error", err))
		return nil
	}
	if s.metrics != nil {
		s.metrics.ObserveSync(stats.Downloaded, stats.Uploaded, stats.Conflicts)
	}
	return stats
}

// handleSessionsConsume runs a pull+callback stream: the bridge subscribes
// to the upstream event channel and posts per-event callbacks, while this
// response carries keepalives so the caller can watch liveness.
func (s *Server) handleSessionsConsume(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	scope := scopeFromRequest(r, id)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if s.cfg.Upstream.BaseURL == "" {
		httputil.WriteError(w, http.StatusInternalServerError, "upstream base URL not configured")
		return
	}

	ctx := r.Context()

	engine, err := s.syncEngine(ctx, r, scope)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.StreamOpened()
		defer s.metrics.StreamClosed()
	}
	s.logStream("pull stream opened", id,
		slog.String("workspace_id", scope.WorkspaceID),
		slog.String("session_id", scope.SessionID))

	if engine != nil {
		s.runSyncLifecycle(ctx, engine, nil)
		defer s.finalSync(engine)
	}

	poster := dispatch.NewCallbackPoster(s.cfg.Upstream.BaseURL, s.cfg.Upstream.Token, s.logger)
	if s.metrics != nil {
		poster.OnRetry = s.metrics.RecordCallbackRetry
	}
	client := events.NewPullClient(events.PullConfig{
		BaseURL:      s.cfg.Upstream.BaseURL,
		Token:        s.cfg.Upstream.Token,
		UserID:       id.UserID,
		ProjectID:    id.ProjectID,
		SinceID:      r.URL.Query().Get("since_id"),
		SinceTime:    r.URL.Query().Get("since_time"),
		Backoff:      s.cfg.Events.ReconnectBackoff.Std(),
		BackoffCap:   s.cfg.Events.ReconnectBackoffCap.Std(),
		Heartbeat:    s.cfg.Events.Heartbeat.Std(),
		IdleWatchdog: s.cfg.Events.IdleWatchdog.Std(),
		Logger:       s.logger,
		OnHeartbeat: func(ctx context.Context) {
			// The stream keeps its workspace live while it is consuming.
			if scope.WorkspaceID == "" {
				return
			}
			if err := s.workspaces.Heartbeat(ctx, id.UserID, id.ProjectID, scope.WorkspaceID); err != nil {
				s.logger.Debug("workspace heartbeat failed", slog.Any("error", err))
			}
		},
	}, s.dispatchFunc(scope), poster)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	// Keep the caller's connection warm until the subscription ends.
	ticker := time.NewTicker(s.cfg.Events.Heartbeat.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			s.logStream("pull stream closed", id)
			return
		case <-done:
			s.logStream("pull stream closed", id)
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// handleSessionsStream serves push-streaming: NDJSON events in the request
// body, NDJSON results (plus ping and gcs_sync lines) on the response.
func (s *Server) handleSessionsStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	scope := scopeFromRequest(r, id)

	if s.cfg.Server.StreamRateLimit > 0 && !s.limiter(id).Allow() {
		httputil.WriteError(w, http.StatusTooManyRequests, "stream rate limit exceeded")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()

	engine, err := s.syncEngine(ctx, r, scope)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher.Flush()

	if s.metrics != nil {
		s.metrics.StreamOpened()
		defer s.metrics.StreamClosed()
	}
	s.logStream("push stream opened", id,
		slog.String("workspace_id", scope.WorkspaceID),
		slog.String("session_id", scope.SessionID))

	lw := events.NewLineWriter(w, flusher)

	if engine != nil {
		s.runSyncLifecycle(ctx, engine, func(stats *objsync.Stats) {
			if err := lw.WriteLine(stats); err != nil {
				s.logger.Debug("failed to emit sync stats", slog.Any("error", err))
			}
		})
	}

	processed, err := events.ServePush(ctx, events.PushConfig{
		Heartbeat: s.cfg.Events.Heartbeat.Std(),
		Logger:    s.logger,
	}, r.Body, lw, s.dispatchFunc(scope))
	if err != nil && ctx.Err() == nil {
		s.logger.Warn("push stream ended with error", slog.Any("error", err))
	}

	if engine != nil {
		if stats := s.finalSync(engine); stats != nil {
			if err := lw.WriteLine(stats); err != nil {
				s.logger.Debug("failed to emit final sync stats", slog.Any("error", err))
			}
		}
	}

	s.logStream("push stream closed", id, slog.Int("events", processed))
}
