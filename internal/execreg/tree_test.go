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

package execreg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTree registers execs A, B, C with links A->B, A->C, C->D, where D
// has no registration.
func seedTree(t *testing.T, r *Registry) {
	t.Helper()
	ctx := context.Background()
	for i, id := range []string{"A", "B", "C"} {
		_, err := r.RegisterExec(ctx, "u1", "p1", id, "s1", int64(100+i))
		require.NoError(t, err)
	}
	_, err := r.LinkRegister(ctx, "u1", "p1", "A", "B", "s1", 10)
	require.NoError(t, err)
	_, err = r.LinkRegister(ctx, "u1", "p1", "A", "C", "s1", 20)
	require.NoError(t, err)
	_, err = r.LinkRegister(ctx, "u1", "p1", "C", "D", "s1", 30)
	require.NoError(t, err)
}

func TestTreeSingleRoot(t *testing.T) {
	r := newTestRegistry(t)
	seedTree(t, r)

	forest, err := r.Tree(context.Background(), "u1", "p1", "s1", false)
	require.NoError(t, err)
	require.Len(t, forest, 1)

	root := forest[0]
	assert.Equal(t, "A", root.ExecID)
	require.Len(t, root.Children, 2)
	// Children ordered by link createdAt ascending.
	assert.Equal(t, "B", root.Children[0].ExecID)
	assert.Equal(t, "C", root.Children[1].ExecID)
	// D is unknown, so C has no children.
	assert.Empty(t, root.Children[1].Children)
}

func TestTreeLatestOnly(t *testing.T) {
	r := newTestRegistry(t)
	seedTree(t, r)

	forest, err := r.Tree(context.Background(), "u1", "p1", "s1", true)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	// C is the newest registration.
	assert.Equal(t, "C", forest[0].ExecID)
}

func TestTreeForestOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i, id := range []string{"old", "new"} {
		_, err := r.RegisterExec(ctx, "u1", "p1", id, "s1", int64(100+i))
		require.NoError(t, err)
	}

	forest, err := r.Tree(ctx, "u1", "p1", "s1", false)
	require.NoError(t, err)
	require.Len(t, forest, 2)
	// Forest sorted by root createdAt descending.
	assert.Equal(t, "new", forest[0].ExecID)
	assert.Equal(t, "old", forest[1].ExecID)
}

func TestTreeCycleFallback(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i, id := range []string{"A", "B"} {
		_, err := r.RegisterExec(ctx, "u1", "p1", id, "s1", int64(100+i))
		require.NoError(t, err)
	}
	// A->B and B->A: every exec is triggered, so no natural root exists.
	_, err := r.LinkRegister(ctx, "u1", "p1", "A", "B", "s1", 10)
	require.NoError(t, err)
	_, err = r.LinkRegister(ctx, "u1", "p1", "B", "A", "s1", 20)
	require.NoError(t, err)

	forest, err := r.Tree(ctx, "u1", "p1", "s1", false)
	require.NoError(t, err)
	require.Len(t, forest, 1)
	// Newest registration is the fallback root; the visited set stops the loop.
	assert.Equal(t, "B", forest[0].ExecID)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, "A", forest[0].Children[0].ExecID)
	assert.Empty(t, forest[0].Children[0].Children)
}

func TestTreeEmptySession(t *testing.T) {
	r := newTestRegistry(t)
	forest, err := r.Tree(context.Background(), "u1", "p1", "nope", false)
	require.NoError(t, err)
	assert.Empty(t, forest)
}
