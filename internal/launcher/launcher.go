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

// Package launcher brings up the producer driver (and optional consumer
// sidecar) for a project, guarded by the consumer lock, and guarantees the
// lock is released when the producer exits. The clean error path never
// orphans a lock.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/awfl/workbridge/internal/config"
	"github.com/awfl/workbridge/internal/lock"
	"github.com/awfl/workbridge/internal/workspace"
)

// Run modes.
const (
	ModeLocalSandbox = "local-sandbox"
	ModeRemoteJob    = "remote-job"
)

// maxContainerName caps docker container names.
const maxContainerName = 63

// ContainerSpec describes one container to start.
type ContainerSpec struct {
	Name    string
	Image   string
	Env     []string
	Network string
	// Binds are host:container mount pairs.
	Binds []string
}

// ContainerRuntime is the slice of the container engine the launcher uses.
type ContainerRuntime interface {
	// Start creates and starts a container, returning its id.
	Start(ctx context.Context, spec ContainerSpec) (string, error)

	// Wait blocks until the container stops and returns its exit code.
	Wait(ctx context.Context, id string) (int64, error)

	// Stop stops a container by name or id. Stopping a missing container
	// is a no-op.
	Stop(ctx context.Context, nameOrID string) error

	// Remove deletes a stopped container. Removing a missing container is
	// a no-op.
	Remove(ctx context.Context, nameOrID string) error
}

// JobRunner starts a remote job execution and returns its operation name.
type JobRunner interface {
	Run(ctx context.Context, env map[string]string) (string, error)
}

// StartRequest is the validated body of POST /producer/start.
type StartRequest struct {
	UserID      string
	ProjectID   string
	SessionID   string
	WorkspaceID string

	// SinceID and SinceTime seed the producer's replay cursor.
	SinceID   string
	SinceTime string

	// Lease bounds the consumer lock; zero applies the default,
	// anything above the maximum is clamped.
	Lease time.Duration

	// Mode selects local-sandbox or remote-job.
	Mode string

	// ConsumerImage overrides the configured sidecar image.
	ConsumerImage string

	// ConsumerSidecar co-locates a consumer next to the producer.
	ConsumerSidecar bool

	// Env carries extra environment overrides for the producer.
	Env map[string]string
}

// StartResult reports a successful start.
type StartResult struct {
	Mode        string     `json:"mode"`
	ConsumerID  string     `json:"consumerId"`
	WorkspaceID string     `json:"workspaceId"`
	Lock        *lock.Lock `json:"lock"`
	// Operation is the remote job operation name in remote-job mode.
	Operation string `json:"operation,omitempty"`
}

// StopResult reports a stop request.
type StopResult struct {
	OK       bool           `json:"ok"`
	Mode     string         `json:"mode,omitempty"`
	Results  map[string]any `json:"results,omitempty"`
	Released bool           `json:"released"`
	Message  string         `json:"message,omitempty"`
}

// Launcher orchestrates producer startup and teardown.
type Launcher struct {
	locks      *lock.Manager
	workspaces *workspace.Registry
	containers ContainerRuntime
	jobs       JobRunner

	cfg      config.LauncherConfig
	upstream config.UpstreamConfig
	logger   *slog.Logger

	// onExit is called after the exit monitor finishes cleanup; tests use
	// it to observe the release.
	onExit func(consumerID string)
}

// New creates a launcher. containers may be nil when local mode is not
// offered, jobs may be nil when remote mode is not offered.
func New(locks *lock.Manager, workspaces *workspace.Registry, containers ContainerRuntime, jobs JobRunner, cfg config.LauncherConfig, upstream config.UpstreamConfig, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		locks:      locks,
		workspaces: workspaces,
		containers: containers,
		jobs:       jobs,
		cfg:        cfg,
		upstream:   upstream,
		logger:     logger.With(slog.String("component", "launcher")),
	}
}

// Start validates the request, resolves a workspace, takes the project
// lock and brings up the producer. A held lock returns a conflict, not an
// error, and starts nothing.
func (l *Launcher) Start(ctx context.Context, req StartRequest) (*StartResult, *lock.Conflict, error) {
	if req.UserID == "" || req.ProjectID == "" {
		return nil, nil, fmt.Errorf("userId and projectId are required")
	}
	switch req.Mode {
	case ModeLocalSandbox:
		if l.containers == nil {
			return nil, nil, fmt.Errorf("local-sandbox mode is not configured")
		}
	case ModeRemoteJob:
		if l.jobs == nil {
			return nil, nil, fmt.Errorf("remote-job mode is not configured")
		}
	default:
		return nil, nil, fmt.Errorf("unknown mode %q", req.Mode)
	}

	lease := req.Lease
	if lease <= 0 {
		lease = l.cfg.DefaultLease.Std()
	}
	if lease > config.MaxLease {
		lease = config.MaxLease
	}

	workspaceID := req.WorkspaceID
	if workspaceID == "" {
		ws, err := l.workspaces.Resolve(ctx, req.UserID, req.ProjectID, req.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspaceID = ws.ID
	}

	consumerID := "producer-" + uuid.NewString()

	consumerType := lock.TypeCloud
	if req.Mode == ModeLocalSandbox {
		consumerType = lock.TypeLocal
	}

	held, conflict, err := l.locks.Acquire(ctx, req.UserID, req.ProjectID, consumerID, lease, consumerType)
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		return nil, conflict, nil
	}

	result, err := l.launch(ctx, req, consumerID, workspaceID, lease)
	if err != nil {
		// Nothing that failed to start may keep the lock.
		if rErr := l.locks.Release(ctx, req.UserID, req.ProjectID, consumerID, false); rErr != nil {
			l.logger.Warn("failed to release lock after launch failure",
				slog.String("consumer_id", consumerID),
				slog.Any("error", rErr))
		}
		return nil, nil, err
	}

	result.Lock = held
	result.WorkspaceID = workspaceID
	return result, nil, nil
}

// launch starts the consumer sidecar and producer for the requested mode,
// persists the runtime descriptor, and installs the exit monitor. On error
// partial containers are cleaned up best-effort.
func (l *Launcher) launch(ctx context.Context, req StartRequest, consumerID, workspaceID string, lease time.Duration) (*StartResult, error) {
	env := l.composeEnv(req, consumerID, workspaceID, lease)

	runtime := map[string]any{
		"mode":          req.Mode,
		"stopRequested": false,
	}

	var consumerName string
	if req.ConsumerSidecar {
		consumerBase := fmt.Sprintf("http://localhost:%d", l.cfg.ConsumerPort)
		if req.Mode == ModeLocalSandbox {
			consumerName = truncateName("sse-consumer-" + consumerID)
			image := req.ConsumerImage
			if image == "" {
				image = l.cfg.ConsumerImage
			}
			if _, err := l.containers.Start(ctx, ContainerSpec{
				Name:    consumerName,
				Image:   image,
				Env:     flattenEnv(env),
				Network: l.cfg.DockerNetwork,
			}); err != nil {
				return nil, fmt.Errorf("failed to start consumer sidecar: %w", err)
			}
			consumerBase = fmt.Sprintf("http://%s:%d", consumerName, l.cfg.ConsumerPort)
			runtime["consumerName"] = consumerName
		}
		env["CONSUMER_BASE_URL"] = consumerBase
	}

	result := &StartResult{Mode: req.Mode, ConsumerID: consumerID}

	switch req.Mode {
	case ModeLocalSandbox:
		producerName := truncateName("producer-" + consumerID)
		producerID, err := l.containers.Start(ctx, ContainerSpec{
			Name:    producerName,
			Image:   l.cfg.ProducerImage,
			Env:     flattenEnv(env),
			Network: l.cfg.DockerNetwork,
		})
		if err != nil {
			l.cleanupContainers(ctx, consumerName)
			return nil, fmt.Errorf("failed to start producer: %w", err)
		}
		runtime["producerName"] = producerName
		runtime["producerId"] = producerID

		if err := l.locks.SetRuntime(ctx, req.UserID, req.ProjectID, consumerID, runtime); err != nil {
			l.cleanupContainers(ctx, producerName, consumerName)
			return nil, fmt.Errorf("failed to persist runtime: %w", err)
		}

		go l.monitorExit(req.UserID, req.ProjectID, consumerID, producerID, consumerName)

	case ModeRemoteJob:
		operation, err := l.jobs.Run(ctx, env)
		if err != nil {
			return nil, fmt.Errorf("failed to start remote job: %w", err)
		}
		runtime["operation"] = operation
		result.Operation = operation

		if err := l.locks.SetRuntime(ctx, req.UserID, req.ProjectID, consumerID, runtime); err != nil {
			return nil, fmt.Errorf("failed to persist runtime: %w", err)
		}
	}

	l.logger.Info("producer started",
		slog.String("project_id", req.ProjectID),
		slog.String("consumer_id", consumerID),
		slog.String("mode", req.Mode))
	return result, nil
}

// Stop tears down whatever the current lock describes. Idempotent: a
// missing lock reports ok. In remote-job mode it marks stopRequested and
// then force-releases the lock without waiting for the job to exit, so a
// new acquire can succeed while the old job is still draining.
func (l *Launcher) Stop(ctx context.Context, userID, projectID string) (*StopResult, error) {
	held, err := l.locks.Get(ctx, userID, projectID)
	if err != nil {
		if err == lock.ErrNotFound {
			return &StopResult{OK: true, Message: "no active lock"}, nil
		}
		return nil, err
	}

	results := map[string]any{}
	mode, _ := held.Runtime["mode"].(string)

	switch mode {
	case ModeLocalSandbox:
		for _, key := range []string{"producerName", "consumerName"} {
			name, _ := held.Runtime[key].(string)
			if name == "" {
				continue
			}
			if err := l.containers.Stop(ctx, name); err != nil {
				results[key] = err.Error()
			} else {
				results[key] = "stopped"
			}
			if err := l.containers.Remove(ctx, name); err != nil {
				l.logger.Debug("failed to remove container",
					slog.String("name", name),
					slog.Any("error", err))
			}
		}
	case ModeRemoteJob:
		// Mark stopRequested before the force release below deletes the
		// lock; the remote job is not killed here.
		if err := l.locks.MarkStopRequested(ctx, userID, projectID); err != nil {
			results["stopRequested"] = err.Error()
		} else {
			results["stopRequested"] = true
		}
	}

	released := true
	if err := l.locks.Release(ctx, userID, projectID, "", true); err != nil {
		released = false
		l.logger.Warn("failed to force-release lock", slog.Any("error", err))
	}

	return &StopResult{OK: true, Mode: mode, Results: results, Released: released}, nil
}

// monitorExit blocks until the producer container stops, then stops the
// sidecar and releases the lock owner-scoped.
func (l *Launcher) monitorExit(userID, projectID, consumerID, producerID, consumerName string) {
	ctx := context.Background()

	code, err := l.containers.Wait(ctx, producerID)
	if err != nil {
		l.logger.Warn("producer wait failed",
			slog.String("consumer_id", consumerID),
			slog.Any("error", err))
	} else {
		l.logger.Info("producer exited",
			slog.String("consumer_id", consumerID),
			slog.Int64("exit_code", code))
	}

	l.cleanupContainers(ctx, consumerName)

	if err := l.locks.Release(ctx, userID, projectID, consumerID, false); err != nil {
		l.logger.Warn("failed to release lock after producer exit",
			slog.String("consumer_id", consumerID),
			slog.Any("error", err))
	}

	if l.onExit != nil {
		l.onExit(consumerID)
	}
}

// cleanupContainers stops and removes the named containers best-effort.
func (l *Launcher) cleanupContainers(ctx context.Context, names ...string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if err := l.containers.Stop(ctx, name); err != nil {
			l.logger.Debug("cleanup stop failed",
				slog.String("name", name),
				slog.Any("error", err))
		}
		if err := l.containers.Remove(ctx, name); err != nil {
			l.logger.Debug("cleanup remove failed",
				slog.String("name", name),
				slog.Any("error", err))
		}
	}
}

// composeEnv builds the producer/consumer environment.
func (l *Launcher) composeEnv(req StartRequest, consumerID, workspaceID string, lease time.Duration) map[string]string {
	env := map[string]string{
		"UPSTREAM_BASE_URL": l.upstream.BaseURL,
		"UPSTREAM_AUDIENCE": l.upstream.Audience,
		"UPSTREAM_TOKEN":    l.upstream.Token,
		"CONSUMER_ID":       consumerID,
		"LEASE_MS":          fmt.Sprintf("%d", lease.Milliseconds()),
		"USER_ID":           req.UserID,
		"PROJECT_ID":        req.ProjectID,
		"WORKSPACE_ID":      workspaceID,
	}
	if req.SessionID != "" {
		env["SESSION_ID"] = req.SessionID
	}
	if req.SinceID != "" {
		env["SINCE_ID"] = req.SinceID
	}
	if req.SinceTime != "" {
		env["SINCE_TIME"] = req.SinceTime
	}
	for k, v := range req.Env {
		env[k] = v
	}
	return env
}

// flattenEnv renders a deterministic KEY=value list.
func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func truncateName(name string) string {
	if len(name) > maxContainerName {
		return name[:maxContainerName]
	}
	return name
}
