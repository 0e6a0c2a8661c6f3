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

package workspace

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awfl/workbridge/internal/metastore"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, ttl, nil)
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t, 5*time.Minute)
	ctx := context.Background()

	ws, err := r.Register(ctx, "u1", "p1", "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, ws.ID)
	assert.Equal(t, "p1", ws.ProjectID)
	assert.Equal(t, "s1", ws.SessionID)
	assert.True(t, r.Live(ws))

	got, err := r.Get(ctx, "u1", "p1", ws.ID)
	require.NoError(t, err)
	assert.Equal(t, ws.ID, got.ID)

	_, err = r.Get(ctx, "u1", "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatNeverDecreases(t *testing.T) {
	r := newTestRegistry(t, 5*time.Minute)
	ctx := context.Background()

	ws, err := r.Register(ctx, "u1", "p1", "")
	require.NoError(t, err)

	r.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, r.Heartbeat(ctx, "u1", "p1", ws.ID))

	fresh, err := r.Get(ctx, "u1", "p1", ws.ID)
	require.NoError(t, err)
	assert.Greater(t, fresh.LiveAt, ws.LiveAt)

	// A stale clock must not move liveAt backwards.
	r.now = func() time.Time { return time.Now().Add(-time.Minute) }
	require.NoError(t, r.Heartbeat(ctx, "u1", "p1", ws.ID))

	still, err := r.Get(ctx, "u1", "p1", ws.ID)
	require.NoError(t, err)
	assert.Equal(t, fresh.LiveAt, still.LiveAt)

	assert.ErrorIs(t, r.Heartbeat(ctx, "u1", "p1", "missing"), ErrNotFound)
}

func TestResolvePrefersLiveSessionScoped(t *testing.T) {
	r := newTestRegistry(t, 5*time.Minute)
	ctx := context.Background()

	projectWide, err := r.Register(ctx, "u1", "p1", "")
	require.NoError(t, err)
	sessionScoped, err := r.Register(ctx, "u1", "p1", "s1")
	require.NoError(t, err)

	got, err := r.Resolve(ctx, "u1", "p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, sessionScoped.ID, got.ID)

	// A different session falls back to the project-wide workspace.
	got, err = r.Resolve(ctx, "u1", "p1", "s2")
	require.NoError(t, err)
	assert.Equal(t, projectWide.ID, got.ID)
}

func TestResolveSkipsDeadWorkspaces(t *testing.T) {
	r := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	stale, err := r.Register(ctx, "u1", "p1", "s1")
	require.NoError(t, err)

	// Everything registered so far is now past the TTL.
	r.now = func() time.Time { return time.Now().Add(time.Minute) }

	got, err := r.Resolve(ctx, "u1", "p1", "s1")
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, got.ID, "a dead workspace must not be resolved")
	assert.Equal(t, "s1", got.SessionID)
}
