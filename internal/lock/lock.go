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

// Package lock implements the per-project consumer lock: a leased document
// in the metadata store guaranteeing at most one live executor per
// (userID, projectID). Acquisitions race through the store's transactional
// read-modify-write; exactly one caller wins per expiry window.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/awfl/workbridge/internal/metastore"
)

// ConsumerType distinguishes locally sandboxed executors from remote jobs.
type ConsumerType string

const (
	// TypeLocal marks a consumer running as a local sandbox container.
	TypeLocal ConsumerType = "LOCAL"
	// TypeCloud marks a consumer running as a remote job.
	TypeCloud ConsumerType = "CLOUD"
)

const collection = "consumerLocks"

// The lock for a project is a single well-known document.
const lockDocID = "consumer"

// ErrNotFound is returned when no lock document exists.
var ErrNotFound = errors.New("no consumer lock")

// Lock is the lease document attached to a project.
type Lock struct {
	ConsumerID    string         `json:"consumerId"`
	ConsumerType  ConsumerType   `json:"consumerType"`
	LeaseMs       int64          `json:"leaseMs"`
	AcquiredAt    int64          `json:"acquiredAt"`
	Runtime       map[string]any `json:"runtime"`
	StopRequested bool           `json:"stopRequested"`
	StopAt        int64          `json:"stopAt,omitempty"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lock) Expired(now time.Time) bool {
	return now.UnixMilli()-l.AcquiredAt >= l.LeaseMs
}

// Conflict describes the current holder when an acquisition loses.
type Conflict struct {
	CurrentConsumerID string `json:"currentConsumerId"`
	AcquiredAt        int64  `json:"acquiredAt"`
	LeaseMs           int64  `json:"leaseMs"`
}

// Manager provides lock operations over the metadata store.
type Manager struct {
	store  metastore.Store
	logger *slog.Logger

	// now is injectable for lease-expiry tests.
	now func() time.Time
}

// NewManager creates a lock manager.
func NewManager(store metastore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		logger: logger.With(slog.String("component", "lock")),
		now:    time.Now,
	}
}

// Acquire attempts to take the project lock. On success the returned
// conflict is nil; when the lock is held by a live lease the returned lock
// is nil and the conflict names the holder. Transient store errors are
// retried with bounded backoff before surfacing.
func (m *Manager) Acquire(ctx context.Context, userID, projectID, consumerID string, lease time.Duration, consumerType ConsumerType) (*Lock, *Conflict, error) {
	var acquired *Lock
	var conflict *Conflict

	err := m.withRetry(ctx, "acquire", func() error {
		acquired, conflict = nil, nil
		return m.store.Update(ctx, m.key(userID, projectID), func(current metastore.Doc) (metastore.Doc, error) {
			if current != nil {
				held := docToLock(current)
				if !held.Expired(m.now()) {
					conflict = &Conflict{
						CurrentConsumerID: held.ConsumerID,
						AcquiredAt:        held.AcquiredAt,
						LeaseMs:           held.LeaseMs,
					}
					return nil, metastore.ErrUnchanged
				}
			}
			acquired = &Lock{
				ConsumerID:   consumerID,
				ConsumerType: consumerType,
				LeaseMs:      lease.Milliseconds(),
				AcquiredAt:   m.now().UnixMilli(),
				Runtime:      map[string]any{},
			}
			return lockToDoc(acquired), nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if conflict != nil {
		return nil, conflict, nil
	}
	m.logger.Info("lock acquired",
		slog.String("project_id", projectID),
		slog.String("consumer_id", consumerID),
		slog.String("consumer_type", string(consumerType)))
	return acquired, nil, nil
}

// SetRuntime merges the runtime descriptor into the lock document when the
// caller is the current owner. A non-owner call is a no-op.
func (m *Manager) SetRuntime(ctx context.Context, userID, projectID, consumerID string, runtime map[string]any) error {
	return m.store.Update(ctx, m.key(userID, projectID), func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, metastore.ErrUnchanged
		}
		if owner, _ := current.String("consumerId"); owner != consumerID {
			return nil, metastore.ErrUnchanged
		}
		rt, _ := current["runtime"].(map[string]any)
		if rt == nil {
			rt = map[string]any{}
		}
		for k, v := range runtime {
			rt[k] = v
		}
		current["runtime"] = rt
		return current, nil
	})
}

// Get returns the current lock document, expired or not.
func (m *Manager) Get(ctx context.Context, userID, projectID string) (*Lock, error) {
	doc, err := m.store.Get(ctx, m.key(userID, projectID))
	if err != nil {
		if errors.Is(err, metastore.ErrDocNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return docToLock(doc), nil
}

// Release deletes the lock when force is set or the stored owner matches
// consumerID. Releasing an absent lock is a no-op. Failures are best-effort
// for callers on cleanup paths; the error is still returned for logging.
func (m *Manager) Release(ctx context.Context, userID, projectID, consumerID string, force bool) error {
	err := m.store.Update(ctx, m.key(userID, projectID), func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, metastore.ErrUnchanged
		}
		if !force {
			if owner, _ := current.String("consumerId"); owner != consumerID {
				return nil, metastore.ErrUnchanged
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// MarkStopRequested records a stop request on the runtime descriptor.
// Used for remote jobs, which observe the flag rather than being killed.
func (m *Manager) MarkStopRequested(ctx context.Context, userID, projectID string) error {
	return m.store.Update(ctx, m.key(userID, projectID), func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, metastore.ErrUnchanged
		}
		current["stopRequested"] = true
		current["stopAt"] = m.now().UnixMilli()
		return current, nil
	})
}

// Renew refreshes the lease start when the owner matches. Used by the
// owner's heartbeat.
func (m *Manager) Renew(ctx context.Context, userID, projectID, consumerID string) error {
	return m.store.Update(ctx, m.key(userID, projectID), func(current metastore.Doc) (metastore.Doc, error) {
		if current == nil {
			return nil, metastore.ErrUnchanged
		}
		if owner, _ := current.String("consumerId"); owner != consumerID {
			return nil, metastore.ErrUnchanged
		}
		current["acquiredAt"] = m.now().UnixMilli()
		return current, nil
	})
}

func (m *Manager) key(userID, projectID string) metastore.Key {
	return metastore.Key{UserID: userID, ProjectID: projectID, Collection: collection, DocID: lockDocID}
}

// withRetry retries transient store failures: up to 3 attempts with
// 150ms x attempt backoff plus jitter.
func (m *Manager) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxAttempts = 3

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts {
			break
		}

		delay := time.Duration(attempt)*150*time.Millisecond +
			time.Duration(rand.Int63n(50))*time.Millisecond
		m.logger.Warn("transient lock store error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func lockToDoc(l *Lock) metastore.Doc {
	return metastore.Doc{
		"consumerId":    l.ConsumerID,
		"consumerType":  string(l.ConsumerType),
		"leaseMs":       l.LeaseMs,
		"acquiredAt":    l.AcquiredAt,
		"runtime":       l.Runtime,
		"stopRequested": l.StopRequested,
		"stopAt":        l.StopAt,
	}
}

func docToLock(doc metastore.Doc) *Lock {
	l := &Lock{}
	l.ConsumerID, _ = doc.String("consumerId")
	if ct, ok := doc.String("consumerType"); ok {
		l.ConsumerType = ConsumerType(ct)
	}
	l.LeaseMs, _ = doc.Int64("leaseMs")
	l.AcquiredAt, _ = doc.Int64("acquiredAt")
	l.StopRequested, _ = doc.Bool("stopRequested")
	l.StopAt, _ = doc.Int64("stopAt")
	if rt, ok := doc["runtime"].(map[string]any); ok {
		l.Runtime = rt
	} else {
		l.Runtime = map[string]any{}
	}
	return l
}
