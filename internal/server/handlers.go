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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/awfl/workbridge/internal/auth"
	"github.com/awfl/workbridge/internal/execreg"
	"github.com/awfl/workbridge/internal/httputil"
	"github.com/awfl/workbridge/internal/launcher"
	"github.com/awfl/workbridge/internal/workspace"
)

// startRequest is the body of POST /producer/start. Unknown fields are
// ignored at the boundary.
type startRequest struct {
	SessionID       string            `json:"sessionId"`
	WorkspaceID     string            `json:"workspaceId"`
	SinceID         string            `json:"sinceId"`
	SinceTime       string            `json:"sinceTime"`
	LeaseMs         int64             `json:"leaseMs"`
	Mode            string            `json:"mode"`
	ConsumerImage   string            `json:"consumerImage"`
	ConsumerSidecar bool              `json:"consumerSidecar"`
	Env             map[string]string `json:"env"`
}

func (s *Server) handleProducerStart(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body startRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Mode == "" {
		body.Mode = launcher.ModeLocalSandbox
	}

	result, conflict, err := s.launcher.Start(r.Context(), launcher.StartRequest{
		UserID:          id.UserID,
		ProjectID:       id.ProjectID,
		SessionID:       body.SessionID,
		WorkspaceID:     body.WorkspaceID,
		SinceID:         body.SinceID,
		SinceTime:       body.SinceTime,
		Lease:           time.Duration(body.LeaseMs) * time.Millisecond,
		Mode:            body.Mode,
		ConsumerImage:   body.ConsumerImage,
		ConsumerSidecar: body.ConsumerSidecar,
		Env:             body.Env,
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordLockAcquire("error")
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if conflict != nil {
		if s.metrics != nil {
			s.metrics.RecordLockAcquire("conflict")
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"message": "Lock held by another consumer",
			"details": conflict,
		})
		return
	}

	if s.metrics != nil {
		s.metrics.RecordLockAcquire("ok")
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"ok":          true,
		"mode":        result.Mode,
		"consumerId":  result.ConsumerID,
		"workspaceId": result.WorkspaceID,
		"lock":        result.Lock,
		"operation":   result.Operation,
	})
}

func (s *Server) handleProducerStop(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	result, err := s.launcher.Stop(r.Context(), id.UserID, id.ProjectID)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

type execRegisterRequest struct {
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleExecRegister(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body execRegisterRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ExecID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "execId is required")
		return
	}

	reg, err := s.execs.RegisterExec(r.Context(), id.UserID, id.ProjectID, body.ExecID, body.SessionID, body.CreatedAt)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, reg)
}

type linkRegisterRequest struct {
	CallingExecID   string `json:"callingExecId"`
	TriggeredExecID string `json:"triggeredExecId"`
	SessionID       string `json:"sessionId"`
	CreatedAt       int64  `json:"createdAt"`
}

func (s *Server) handleLinkRegister(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body linkRegisterRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	link, err := s.execs.LinkRegister(r.Context(), id.UserID, id.ProjectID,
		body.CallingExecID, body.TriggeredExecID, body.SessionID, body.CreatedAt)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, link)
}

func (s *Server) handleLinksByCalling(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	links, err := s.execs.LinksByCalling(r.Context(), id.UserID, id.ProjectID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"links": links})
}

func (s *Server) handleLinkByTriggered(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	link, err := s.execs.LinkByTriggered(r.Context(), id.UserID, id.ProjectID, r.PathValue("id"))
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if link == nil {
		httputil.WriteError(w, http.StatusNotFound, "no link found")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, link)
}

type statusUpdateRequest struct {
	ExecID   string  `json:"execId"`
	Status   *string `json:"status"`
	Result   any     `json:"result"`
	Error    *string `json:"error"`
	Ended    *bool   `json:"ended"`
	Updated  *int64  `json:"updated"`
	Workflow *string `json:"workflow"`
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body statusUpdateRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.ExecID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "execId is required")
		return
	}

	status, err := s.execs.StatusUpdate(r.Context(), id.UserID, id.ProjectID, body.ExecID, execreg.StatusPatch{
		Status:   body.Status,
		Result:   body.Result,
		Error:    body.Error,
		Ended:    body.Ended,
		Updated:  body.Updated,
		Workflow: body.Workflow,
	})
	if err != nil {
		if errors.Is(err, execreg.ErrEmptyPatch) {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

type latestStatusesRequest struct {
	SessionID string `json:"sessionId"`
	Limit     int    `json:"limit"`
}

func (s *Server) handleLatestStatuses(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body latestStatusesRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.SessionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	rows, err := s.execs.LatestStatuses(r.Context(), id.UserID, id.ProjectID, body.SessionID, body.Limit)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"statuses": rows})
}

type treeRequest struct {
	SessionID  string `json:"sessionId"`
	LatestOnly bool   `json:"latestOnly"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	var body treeRequest
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.SessionID == "" {
		httputil.WriteError(w, http.StatusBadRequest, "sessionId is required")
		return
	}

	forest, err := s.execs.Tree(r.Context(), id.UserID, id.ProjectID, body.SessionID, body.LatestOnly)
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"trees": forest})
}

func (s *Server) handleWorkspaceHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())

	err := s.workspaces.Heartbeat(r.Context(), id.UserID, id.ProjectID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "workspace not found")
			return
		}
		httputil.WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// logStream emits the standard stream-scope log line.
func (s *Server) logStream(msg string, id auth.Identity, extra ...slog.Attr) {
	attrs := []any{
		slog.String("user_id", id.UserID),
		slog.String("project_id", id.ProjectID),
	}
	for _, a := range extra {
		attrs = append(attrs, a)
	}
	s.logger.Info(msg, attrs...)
}
