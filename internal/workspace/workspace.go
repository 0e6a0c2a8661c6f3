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

// Package workspace tracks the working directories shared between
// executors and the object store. A workspace is live while its heartbeat
// is within the TTL window; resolution prefers a live session-scoped
// workspace, then a live project-wide one, then creates a fresh one.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/awfl/workbridge/internal/metastore"
)

const collection = "workspaces"

// ErrNotFound is returned when a workspace doesn't exist.
var ErrNotFound = errors.New("workspace not found")

// Workspace is the registration document for a working directory.
type Workspace struct {
	ID        string `json:"workspaceId"`
	ProjectID string `json:"projectId"`
	// SessionID is empty for a project-wide workspace.
	SessionID string `json:"sessionId,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	LiveAt    int64  `json:"liveAt"`
}

// Registry provides workspace registration, resolution and heartbeats.
type Registry struct {
	store  metastore.Store
	ttl    time.Duration
	logger *slog.Logger

	now func() time.Time
}

// NewRegistry creates a workspace registry with the given liveness TTL.
func NewRegistry(store metastore.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "workspace")),
		now:    time.Now,
	}
}

// Live reports whether the workspace heartbeat falls within the TTL window.
func (r *Registry) Live(ws *Workspace) bool {
	return r.now().UnixMilli()-ws.LiveAt <= r.ttl.Milliseconds()
}

// Register creates a workspace with a fresh ID and an initial heartbeat.
func (r *Registry) Register(ctx context.Context, userID, projectID, sessionID string) (*Workspace, error) {
	now := r.now().UnixMilli()
	ws := &Workspace{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SessionID: sessionID,
		CreatedAt: now,
		LiveAt:    now,
	}

	err := r.store.Create(ctx, r.key(userID, projectID, ws.ID), metastore.Doc{
		"workspaceId": ws.ID,
		"projectId":   ws.ProjectID,
		"sessionId":   ws.SessionID,
		"createdAt":   ws.CreatedAt,
		"liveAt":      ws.LiveAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register workspace: %w", err)
	}

	r.logger.Info("workspace registered",
		slog.String("workspace_id", ws.ID),
		slog.String("project_id", projectID),
		slog.String("session_id", sessionID))
	return ws, nil
}

// Get retrieves a workspace by ID.
func (r *Registry) Get(ctx context.Context, userID, projectID, workspaceID string) (*Workspace, error) {
	doc, err := r.store.Get(ctx, r.key(userID, projectID, workspaceID))
	if err != nil {
		if errors.Is(err, metastore.ErrDocNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return docToWorkspace(doc), nil
}

// Heartbeat advances liveAt to now. liveAt never decreases, so a stale
// heartbeat racing a fresher one cannot move the workspace backwards.
func (r *Registry) Heartbeat(ctx context.Context, userID, projectID, workspaceID string) error {
	now := r.now().UnixMilli()
	err := r.store.Update(ctx, r.key(userID, projectID, workspaceID), func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, ErrNotFound
		}
		if liveAt, _ := current.Int64("liveAt"); liveAt >= now {
			return nil, metastore.ErrUnchanged
		}
		current["liveAt"] = now
		return current, nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to heartbeat workspace: %w", err)
	}
	return nil
}

// Resolve returns a live workspace for (projectID, sessionID), preferring
// the newest session-scoped match, then the newest project-wide one, and
// creates a fresh session-scoped workspace when none is live.
func (r *Registry) Resolve(ctx context.Context, userID, projectID, sessionID string) (*Workspace, error) {
	if sessionID != "" {
		ws, err := r.newestLive(ctx, userID, projectID, sessionID)
		if err != nil {
			return nil, err
		}
		if ws != nil {
			return ws, nil
		}
	}

	ws, err := r.newestLive(ctx, userID, projectID, "")
	if err != nil {
		return nil, err
	}
	if ws != nil {
		return ws, nil
	}

	return r.Register(ctx, userID, projectID, sessionID)
}

// newestLive returns the newest live workspace for the session scope, or
// nil when none qualifies.
func (r *Registry) newestLive(ctx context.Context, userID, projectID, sessionID string) (*Workspace, error) {
	docs, err := r.store.QueryDocs(ctx, userID, projectID, collection, metastore.Query{
		Field:   "sessionId",
		Value:   sessionID,
		OrderBy: "createdAt",
		Desc:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query workspaces: %w", err)
	}

	for _, doc := range docs {
		ws := docToWorkspace(doc)
		if r.Live(ws) {
			return ws, nil
		}
	}
	return nil, nil
}

func (r *Registry) key(userID, projectID, workspaceID string) metastore.Key {
	return metastore.Key{UserID: userID, ProjectID: projectID, Collection: collection, DocID: workspaceID}
}

func docToWorkspace(doc metastore.Doc) *Workspace {
	ws := &Workspace{}
	ws.ID, _ = doc.String("workspaceId")
	ws.ProjectID, _ = doc.String("projectId")
	ws.SessionID, _ = doc.String("sessionId")
	ws.CreatedAt, _ = doc.Int64("createdAt")
	ws.LiveAt, _ = doc.Int64("liveAt")
	return ws
}
