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

// Package execreg persists workflow execution lineage: exec registrations,
// parent/child links, and status reports, plus the derived exec tree for a
// session.
package execreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awfl/workbridge/internal/metastore"
)

const (
	execCollection   = "execs"
	statusCollection = "execStatuses"
	linkCollection   = "execLinks"
)

// StatusUnknown fills in for execs with no status document.
// Status is an open string set; no enum is enforced.
const StatusUnknown = "UNKNOWN"

// ErrEmptyPatch is returned when a status update carries no fields.
var ErrEmptyPatch = errors.New("status update has no fields")

// ExecReg is the registration document for one workflow execution.
type ExecReg struct {
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
	// Status and Ended mirror the latest status report, best-effort.
	Status string `json:"status,omitempty"`
	Ended  bool   `json:"ended,omitempty"`
}

// ExecStatus is the status document for one execution.
type ExecStatus struct {
	ExecID    string `json:"execId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	Ended     bool   `json:"ended"`
	Workflow  string `json:"workflow,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// ExecLink records that one execution triggered another.
type ExecLink struct {
	CallingExec   string `json:"callingExec"`
	TriggeredExec string `json:"triggeredExec"`
	SessionID     string `json:"sessionId"`
	CreatedAt     int64  `json:"createdAt"`
}

// StatusPatch is the partial update applied by StatusUpdate.
// Nil fields are left untouched.
type StatusPatch struct {
	Status   *string
	Result   any
	Error    *string
	Ended    *bool
	Updated  *int64
	Workflow *string
}

func (p StatusPatch) empty() bool {
	return p.Status == nil && p.Result == nil && p.Error == nil &&
		p.Ended == nil && p.Updated == nil && p.Workflow == nil
}

// Registry persists exec lineage in the metadata store.
type Registry struct {
	store  metastore.Store
	logger *slog.Logger

	now func() time.Time
}

// NewRegistry creates an exec registry.
func NewRegistry(store metastore.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  store,
		logger: logger.With(slog.String("component", "execreg")),
		now:    time.Now,
	}
}

// RegisterExec records a workflow execution. Registration is idempotent:
// re-registering an exec keeps the original createdAt.
func (r *Registry) RegisterExec(ctx context.Context, userID, projectID, execID, sessionID string, createdAt int64) (*ExecReg, error) {
	if createdAt == 0 {
		createdAt = r.now().UnixMilli()
	}
	reg := &ExecReg{ExecID: execID, SessionID: sessionID, CreatedAt: createdAt}

	key := metastore.Key{UserID: userID, ProjectID: projectID, Collection: execCollection, DocID: execID}
	err := r.store.Update(ctx, key, func(current metastore.Doc) (metastore.Doc, error) {
		if current != nil {
			return nil, metastore.ErrUnchanged
		}
		return metastore.Doc{
			"execId":    reg.ExecID,
			"sessionId": reg.SessionID,
			"createdAt": reg.CreatedAt,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register exec: %w", err)
	}
	return reg, nil
}

// LinkRegister records that callingExec triggered triggeredExec.
// The upsert is idempotent at key calling:triggered; the first createdAt wins.
func (r *Registry) LinkRegister(ctx context.Context, userID, projectID, callingExec, triggeredExec, sessionID string, createdAt int64) (*ExecLink, error) {
	if callingExec == "" || triggeredExec == "" {
		return nil, fmt.Errorf("callingExecId and triggeredExecId are required")
	}
	if createdAt == 0 {
		createdAt = r.now().UnixMilli()
	}

	link := &ExecLink{
		CallingExec:   callingExec,
		TriggeredExec: triggeredExec,
		SessionID:     sessionID,
		CreatedAt:     createdAt,
	}

	key := metastore.Key{
		UserID: userID, ProjectID: projectID,
		Collection: linkCollection,
		DocID:      callingExec + ":" + triggeredExec,
	}
	err := r.store.Update(ctx, key, func(current metastore.Doc) (metastore.Doc, error) {
		if current != nil {
			*link = *docToLink(current)
			return nil, metastore.ErrUnchanged
		}
		return metastore.Doc{
			"callingExec":   link.CallingExec,
			"triggeredExec": link.TriggeredExec,
			"sessionId":     link.SessionID,
			"createdAt":     link.CreatedAt,
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register link: %w", err)
	}
	return link, nil
}

// LinksByCalling returns all links triggered by callingExec.
func (r *Registry) LinksByCalling(ctx context.Context, userID, projectID, callingExec string) ([]*ExecLink, error) {
	docs, err := r.store.QueryDocs(ctx, userID, projectID, linkCollection, metastore.Query{
		Field: "callingExec", Value: callingExec,
		OrderBy: "createdAt",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	links := make([]*ExecLink, len(docs))
	for i, doc := range docs {
		links[i] = docToLink(doc)
	}
	return links, nil
}

// LinkByTriggered returns the link that triggered triggeredExec. When
// multiple exist, the newest by createdAt wins. Returns nil when none.
func (r *Registry) LinkByTriggered(ctx context.Context, userID, projectID, triggeredExec string) (*ExecLink, error) {
	docs, err := r.store.QueryDocs(ctx, userID, projectID, linkCollection, metastore.Query{
		Field: "triggeredExec", Value: triggeredExec,
		OrderBy: "createdAt", Desc: true, Limit: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docToLink(docs[0]), nil
}

// StatusUpdate upserts the status document for execID. createdAt is
// preserved on the first write; updatedAt defaults to now. An empty patch
// is rejected. The {status, ended, updatedAt} triple is mirrored onto the
// matching ExecReg best-effort; mirror failures are logged and ignored.
func (r *Registry) StatusUpdate(ctx context.Context, userID, projectID, execID string, patch StatusPatch) (*ExecStatus, error) {
	if patch.empty() {
		return nil, ErrEmptyPatch
	}

	nowMs := r.now().UnixMilli()
	updatedAt := nowMs
	if patch.Updated != nil {
		updatedAt = *patch.Updated
	}

	var result *ExecStatus
	key := metastore.Key{UserID: userID, ProjectID: projectID, Collection: statusCollection, DocID: execID}
	err := r.store.Update(ctx, key, func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			current = metastore.Doc{"execId": execID, "createdAt": nowMs}
		}
		if patch.Status != nil {
			current["status"] = *patch.Status
		}
		if patch.Result != nil {
			current["result"] = patch.Result
		}
		if patch.Error != nil {
			current["error"] = *patch.Error
		}
		if patch.Ended != nil {
			current["ended"] = *patch.Ended
		}
		if patch.Workflow != nil {
			current["workflow"] = *patch.Workflow
		}
		current["updatedAt"] = updatedAt
		result = docToStatus(current)
		return current, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update status: %w", err)
	}

	r.mirrorOntoReg(ctx, userID, projectID, execID, patch, updatedAt)

	return result, nil
}

// mirrorOntoReg copies status fields onto the ExecReg document when one
// exists. Mirror failures never fail the status update.
func (r *Registry) mirrorOntoReg(ctx context.Context, userID, projectID, execID string, patch StatusPatch, updatedAt int64) {
	key := metastore.Key{UserID: userID, ProjectID: projectID, Collection: execCollection, DocID: execID}
	err := r.store.Update(ctx, key, func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, metastore.ErrUnchanged
		}
		if patch.Status != nil {
			current["status"] = *patch.Status
		}
		if patch.Ended != nil {
			current["ended"] = *patch.Ended
		}
		current["updatedAt"] = updatedAt
		return current, nil
	})
	if err != nil {
		r.logger.Warn("failed to mirror status onto exec registration",
			slog.String("exec_id", execID),
			slog.Any("error", err))
	}
}

// StatusRow is one entry of LatestStatuses: a registration merged with its
// status document when present.
type StatusRow struct {
	ExecID    string `json:"execId"`
	SessionID string `json:"sessionId"`
	CreatedAt int64  `json:"createdAt"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Ended     bool   `json:"ended"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
	Workflow  string `json:"workflow,omitempty"`
	// Error carries the reported error from the status document, or a
	// status-fetch failure; the row is still returned.
	Error string `json:"error,omitempty"`
}

const (
	defaultStatusLimit = 5
	maxStatusLimit     = 50
)

// LatestStatuses returns the newest limit registrations for the session,
// each merged with its status document. An exec whose status fetch fails is
// returned with StatusUnknown and the error attached, never dropped.
func (r *Registry) LatestStatuses(ctx context.Context, userID, projectID, sessionID string, limit int) ([]StatusRow, error) {
	if limit <= 0 {
		limit = defaultStatusLimit
	}
	if limit > maxStatusLimit {
		limit = maxStatusLimit
	}

	docs, err := r.store.QueryDocs(ctx, userID, projectID, execCollection, metastore.Query{
		Field: "sessionId", Value: sessionID,
		OrderBy: "createdAt", Desc: true, Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query execs: %w", err)
	}

	rows := make([]StatusRow, 0, len(docs))
	for _, doc := range docs {
		reg := docToReg(doc)
		row := StatusRow{
			ExecID:    reg.ExecID,
			SessionID: reg.SessionID,
			CreatedAt: reg.CreatedAt,
			Status:    StatusUnknown,
		}

		statusDoc, err := r.store.Get(ctx, metastore.Key{
			UserID: userID, ProjectID: projectID,
			Collection: statusCollection, DocID: reg.ExecID,
		})
		switch {
		case err == nil:
			st := docToStatus(statusDoc)
			row.Status = st.Status
			row.Result = st.Result
			row.Ended = st.Ended
			row.UpdatedAt = st.UpdatedAt
			row.Workflow = st.Workflow
			if st.Error != "" {
				row.Error = st.Error
			}
		case errors.Is(err, metastore.ErrDocNotFound):
			// No report yet: UNKNOWN.
		default:
			row.Error = err.Error()
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func docToReg(doc metastore.Doc) *ExecReg {
	reg := &ExecReg{}
	reg.ExecID, _ = doc.String("execId")
	reg.SessionID, _ = doc.String("sessionId")
	reg.CreatedAt, _ = doc.Int64("createdAt")
	reg.Status, _ = doc.String("status")
	reg.Ended, _ = doc.Bool("ended")
	return reg
}

func docToStatus(doc metastore.Doc) *ExecStatus {
	st := &ExecStatus{}
	st.ExecID, _ = doc.String("execId")
	st.Status, _ = doc.String("status")
	st.Result = doc["result"]
	st.Error, _ = doc.String("error")
	st.Ended, _ = doc.Bool("ended")
	st.Workflow, _ = doc.String("workflow")
	st.CreatedAt, _ = doc.Int64("createdAt")
	st.UpdatedAt, _ = doc.Int64("updatedAt")
	return st
}

func docToLink(doc metastore.Doc) *ExecLink {
	link := &ExecLink{}
	link.CallingExec, _ = doc.String("callingExec")
	link.TriggeredExec, _ = doc.String("triggeredExec")
	link.SessionID, _ = doc.String("sessionId")
	link.CreatedAt, _ = doc.Int64("createdAt")
	return link
}
