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

package lock

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awfl/workbridge/internal/metastore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := metastore.Open(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewManager(store, nil)
}

func TestAcquireAndConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	l, conflict, err := m.Acquire(ctx, "u1", "p1", "producer-a", time.Minute, TypeLocal)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.NotNil(t, l)
	assert.Equal(t, "producer-a", l.ConsumerID)
	assert.Equal(t, TypeLocal, l.ConsumerType)
	assert.Equal(t, int64(60_000), l.LeaseMs)

	// A second caller sees a conflict naming the holder.
	l2, conflict, err := m.Acquire(ctx, "u1", "p1", "producer-b", time.Minute, TypeCloud)
	require.NoError(t, err)
	require.Nil(t, l2)
	require.NotNil(t, conflict)
	assert.Equal(t, "producer-a", conflict.CurrentConsumerID)

	// A different project is unaffected.
	l3, conflict, err := m.Acquire(ctx, "u1", "p2", "producer-b", time.Minute, TypeCloud)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.NotNil(t, l3)
}

func TestAcquireRaceHasOneWinner(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			l, _, err := m.Acquire(ctx, "u1", "p1", id, time.Minute, TypeLocal)
			require.NoError(t, err)
			if l != nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Len(t, winners, 1, "exactly one acquisition must win")
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, conflict, err := m.Acquire(ctx, "u1", "p1", "old", 50*time.Millisecond, TypeLocal)
	require.NoError(t, err)
	require.Nil(t, conflict)

	// Advance the clock past the lease instead of sleeping.
	m.now = func() time.Time { return time.Now().Add(time.Second) }

	l, conflict, err := m.Acquire(ctx, "u1", "p1", "new", time.Minute, TypeCloud)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.NotNil(t, l)
	assert.Equal(t, "new", l.ConsumerID)
	assert.Equal(t, TypeCloud, l.ConsumerType)
}

func TestRenewExtendsLease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "u1", "p1", "owner", time.Minute, TypeLocal)
	require.NoError(t, err)

	before, err := m.Get(ctx, "u1", "p1")
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	require.NoError(t, m.Renew(ctx, "u1", "p1", "owner"))

	after, err := m.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Greater(t, after.AcquiredAt, before.AcquiredAt)

	// Non-owner renew is a no-op.
	require.NoError(t, m.Renew(ctx, "u1", "p1", "intruder"))
	still, err := m.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, after.AcquiredAt, still.AcquiredAt)
}

func TestSetRuntimeOwnerScoped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "u1", "p1", "owner", time.Minute, TypeLocal)
	require.NoError(t, err)

	require.NoError(t, m.SetRuntime(ctx, "u1", "p1", "owner", map[string]any{
		"mode":          "local-sandbox",
		"producerName":  "producer-owner",
		"stopRequested": false,
	}))

	// A non-owner write is silently dropped.
	require.NoError(t, m.SetRuntime(ctx, "u1", "p1", "intruder", map[string]any{
		"mode": "hijacked",
	}))

	l, err := m.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "local-sandbox", l.Runtime["mode"])
	assert.Equal(t, "producer-owner", l.Runtime["producerName"])
}

func TestReleaseOwnerScopedAndForce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "u1", "p1", "owner", time.Minute, TypeLocal)
	require.NoError(t, err)

	// Non-owner release without force is a no-op.
	require.NoError(t, m.Release(ctx, "u1", "p1", "intruder", false))
	_, err = m.Get(ctx, "u1", "p1")
	require.NoError(t, err)

	// Owner release deletes.
	require.NoError(t, m.Release(ctx, "u1", "p1", "owner", false))
	_, err = m.Get(ctx, "u1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Release is idempotent.
	require.NoError(t, m.Release(ctx, "u1", "p1", "owner", false))

	// Force release ignores ownership.
	_, _, err = m.Acquire(ctx, "u1", "p1", "owner2", time.Minute, TypeLocal)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "u1", "p1", "someone-else", true))
	_, err = m.Get(ctx, "u1", "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkStopRequested(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, _, err := m.Acquire(ctx, "u1", "p1", "owner", time.Minute, TypeCloud)
	require.NoError(t, err)

	require.NoError(t, m.MarkStopRequested(ctx, "u1", "p1"))

	l, err := m.Get(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, l.StopRequested)
	assert.NotZero(t, l.StopAt)
}
