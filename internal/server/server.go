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

// Package server exposes the bridge HTTP surface: producer lifecycle, the
// two streaming endpoints, and the exec registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/awfl/workbridge/internal/auth"
	"github.com/awfl/workbridge/internal/config"
	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/execreg"
	"github.com/awfl/workbridge/internal/launcher"
	"github.com/awfl/workbridge/internal/lifecycle"
	"github.com/awfl/workbridge/internal/lock"
	"github.com/awfl/workbridge/internal/metrics"
	"github.com/awfl/workbridge/internal/objsync"
	"github.com/awfl/workbridge/internal/workspace"
)

// ObjectStoreFactory opens the object store for one stream. token is the
// per-stream credential; empty falls back to the ambient identity.
type ObjectStoreFactory func(ctx context.Context, bucket, token string) (objsync.ObjectStore, error)

// GCSFactory is the production ObjectStoreFactory.
func GCSFactory(ctx context.Context, bucket, token string) (objsync.ObjectStore, error) {
	var ts oauth2.TokenSource
	if token != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	}
	return objsync.NewGCSStore(ctx, bucket, ts)
}

// Options collects the server dependencies.
type Options struct {
	Config       *config.Config
	Locks        *lock.Manager
	Workspaces   *workspace.Registry
	Execs        *execreg.Registry
	Launcher     *launcher.Launcher
	Dispatcher   *dispatch.Dispatcher
	Metrics      *metrics.Metrics
	Shutdown     *lifecycle.Coordinator
	StoreFactory ObjectStoreFactory
	Logger       *slog.Logger
	Version      string
}

// Server is the bridge HTTP daemon.
type Server struct {
	cfg          *config.Config
	locks        *lock.Manager
	workspaces   *workspace.Registry
	execs        *execreg.Registry
	launcher     *launcher.Launcher
	dispatcher   *dispatch.Dispatcher
	metrics      *metrics.Metrics
	shutdown     *lifecycle.Coordinator
	storeFactory ObjectStoreFactory
	logger       *slog.Logger
	version      string

	httpServer *http.Server
	ln         net.Listener

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	started  bool
}

// New assembles the server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeFactory := opts.StoreFactory
	if storeFactory == nil {
		storeFactory = GCSFactory
	}
	return &Server{
		cfg:          opts.Config,
		locks:        opts.Locks,
		workspaces:   opts.Workspaces,
		execs:        opts.Execs,
		launcher:     opts.Launcher,
		dispatcher:   opts.Dispatcher,
		metrics:      opts.Metrics,
		shutdown:     opts.Shutdown,
		storeFactory: storeFactory,
		logger:       logger.With(slog.String("component", "server")),
		version:      opts.Version,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Handler builds the routed handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	authed := auth.NewMiddleware(auth.Config{
		JWTSecret: s.cfg.Auth.JWTSecret,
		Audience:  s.cfg.Auth.Audience,
	})

	api := http.NewServeMux()
	api.HandleFunc("POST /producer/start", s.handleProducerStart)
	api.HandleFunc("POST /producer/stop", s.handleProducerStop)
	api.HandleFunc("GET /sessions/consume", s.handleSessionsConsume)
	api.HandleFunc("POST /sessions/stream", s.handleSessionsStream)
	api.HandleFunc("POST /execs/register", s.handleExecRegister)
	api.HandleFunc("POST /links/register", s.handleLinkRegister)
	api.HandleFunc("GET /links/by-calling/{id}", s.handleLinksByCalling)
	api.HandleFunc("GET /links/by-triggered/{id}", s.handleLinkByTriggered)
	api.HandleFunc("POST /status/update", s.handleStatusUpdate)
	api.HandleFunc("POST /status", s.handleLatestStatuses)
	api.HandleFunc("POST /tree", s.handleTree)
	api.HandleFunc("POST /workspaces/{id}/heartbeat", s.handleWorkspaceHeartbeat)

	mux.Handle("/", authed.Wrap(api))
	return mux
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	s.ln = ln

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// The streaming endpoints hold connections open; only bound the
		// header read.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.shutdown.Register("http-server", func(ctx context.Context) error {
		return s.httpServer.Shutdown(ctx)
	})

	s.logger.Info("workbridge daemon starting",
		slog.String("version", s.version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Addr returns the bound listen address, for tests.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// limiter returns the per-identity stream rate limiter.
func (s *Server) limiter(id auth.Identity) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.UserID + "/" + id.ProjectID
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.cfg.Server.StreamRateLimit), s.cfg.Server.StreamRateBurst)
		s.limiters[key] = lim
	}
	return lim
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`+"\n", s.version)
}
