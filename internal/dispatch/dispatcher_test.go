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

package dispatch

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awfl/workbridge/internal/sandbox"
)

func testDispatcher(t *testing.T, mutate func(*Config)) *Dispatcher {
	t.Helper()
	cfg := Config{
		WorkRoot:          t.TempDir(),
		PrefixTemplate:    "{projectId}/{workspaceId}",
		ReadFileMaxBytes:  200_000,
		OutputMaxBytes:    50_000,
		RunCommandTimeout: 30 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func event(id, tool string, args any) *Event {
	raw, _ := json.Marshal(args)
	return &Event{
		ID:         id,
		CreateTime: "2026-01-02T03:04:05Z",
		ToolCall:   &ToolCall{Function: Function{Name: tool, Arguments: raw}},
	}
}

var testScope = Scope{UserID: "u1", ProjectID: "p1", WorkspaceID: "w1", SessionID: "s1"}

func TestDispatchWriteReadRun(t *testing.T) {
	d := testDispatcher(t, nil)
	ctx := context.Background()

	res := d.Dispatch(ctx, event("1", ToolUpdateFile, map[string]any{
		"filepath": "notes/a.txt", "content": "Hello",
	}), testScope)
	require.Nil(t, res.Error)
	write := res.Result.(*sandbox.UpdateFileResult)
	assert.True(t, write.OK)
	assert.Equal(t, 5, write.Bytes)

	res = d.Dispatch(ctx, event("2", ToolReadFile, map[string]any{
		"filepath": "notes/a.txt",
	}), testScope)
	require.Nil(t, res.Error)
	read := res.Result.(*sandbox.ReadFileResult)
	assert.Equal(t, "Hello", read.Content)
	assert.False(t, read.Truncated)

	res = d.Dispatch(ctx, event("3", ToolRunCommand, map[string]any{
		"command": "ls -la notes",
	}), testScope)
	require.Nil(t, res.Error)
	run := res.Result.(*sandbox.RunCommandResult)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 0, *run.ExitCode)
	assert.Contains(t, run.Output, "a.txt")
}

func TestDispatchScopesWorkRoot(t *testing.T) {
	var root string
	d := testDispatcher(t, func(c *Config) { root = c.WorkRoot })

	res := d.Dispatch(context.Background(), event("1", ToolUpdateFile, map[string]any{
		"filepath": "f.txt", "content": "x",
	}), testScope)
	require.Nil(t, res.Error)

	// The file lands under <root>/p1/w1 per the template.
	_, err := os.Stat(filepath.Join(root, "p1", "w1", "f.txt"))
	assert.NoError(t, err)
}

func TestDispatchPathEscape(t *testing.T) {
	d := testDispatcher(t, nil)

	res := d.Dispatch(context.Background(), event("1", ToolReadFile, map[string]any{
		"filepath": "../etc/passwd",
	}), testScope)
	require.NotNil(t, res.Error)
	assert.Equal(t, "path_escape", res.Error.Message)
	assert.Nil(t, res.Result)
}

func TestDispatchNotFoundIsToolError(t *testing.T) {
	d := testDispatcher(t, nil)

	res := d.Dispatch(context.Background(), event("1", ToolReadFile, map[string]any{
		"filepath": "missing.txt",
	}), testScope)
	require.NotNil(t, res.Error)
	assert.Equal(t, "not_found", res.Error.Message)
}

func TestDispatchUnknownTool(t *testing.T) {
	d := testDispatcher(t, nil)

	res := d.Dispatch(context.Background(), event("1", "DELETE_EVERYTHING", map[string]any{}), testScope)
	require.NotNil(t, res.Error)
	assert.Equal(t, "unknown_tool", res.Error.Message)
}

func TestDispatchStringArguments(t *testing.T) {
	d := testDispatcher(t, nil)

	// Arguments arriving as a JSON-encoded string.
	inner, _ := json.Marshal(map[string]any{"filepath": "a.txt", "content": "hi"})
	outer, _ := json.Marshal(string(inner))
	ev := &Event{
		ID:       "1",
		ToolCall: &ToolCall{Function: Function{Name: ToolUpdateFile, Arguments: outer}},
	}

	res := d.Dispatch(context.Background(), ev, testScope)
	require.Nil(t, res.Error)
}

func TestDispatchBadArguments(t *testing.T) {
	d := testDispatcher(t, nil)

	outer, _ := json.Marshal("{not json")
	ev := &Event{
		ID:       "1",
		ToolCall: &ToolCall{Function: Function{Name: ToolReadFile, Arguments: outer}},
	}

	res := d.Dispatch(context.Background(), ev, testScope)
	require.NotNil(t, res.Error)
	assert.Equal(t, "bad_arguments", res.Error.Message)
}

func TestDispatchMissingToolCall(t *testing.T) {
	d := testDispatcher(t, nil)
	res := d.Dispatch(context.Background(), &Event{ID: "1"}, testScope)
	require.NotNil(t, res.Error)
	assert.Equal(t, "bad_arguments", res.Error.Message)
}

func TestDispatchFilterSkips(t *testing.T) {
	d := testDispatcher(t, func(c *Config) {
		c.FilterExpr = `tool != "RUN_COMMAND"`
	})

	res := d.Dispatch(context.Background(), event("1", ToolRunCommand, map[string]any{
		"command": "echo nope",
	}), testScope)
	require.Nil(t, res.Error)
	skipped := res.Result.(map[string]any)
	assert.Equal(t, true, skipped["skipped"])

	res = d.Dispatch(context.Background(), event("2", ToolUpdateFile, map[string]any{
		"filepath": "a.txt", "content": "kept",
	}), testScope)
	require.Nil(t, res.Error)
	assert.IsType(t, &sandbox.UpdateFileResult{}, res.Result)
}

func TestNewRejectsBadFilter(t *testing.T) {
	_, err := New(Config{WorkRoot: "/tmp", FilterExpr: "tool +"})
	assert.Error(t, err)
}

func TestRenderPrefix(t *testing.T) {
	scope := Scope{UserID: "u", ProjectID: "p", WorkspaceID: "w", SessionID: "s"}

	tests := []struct {
		template string
		want     string
	}{
		{"{projectId}/{workspaceId}", "p/w"},
		{"{userId}/{projectId}/{sessionId}", "u/p/s"},
		{"{unknownToken}/x", "/x"},
		{"static", "static"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RenderPrefix(tt.template, scope))
	}
}
