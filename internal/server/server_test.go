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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awfl/workbridge/internal/config"
	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/execreg"
	"github.com/awfl/workbridge/internal/launcher"
	"github.com/awfl/workbridge/internal/lifecycle"
	"github.com/awfl/workbridge/internal/lock"
	"github.com/awfl/workbridge/internal/metastore"
	"github.com/awfl/workbridge/internal/metrics"
	"github.com/awfl/workbridge/internal/objsync"
	"github.com/awfl/workbridge/internal/workspace"
)

// fakeContainers satisfies launcher.ContainerRuntime without docker.
type fakeContainers struct {
	mu      sync.Mutex
	started []string
	waiters map[string]chan int64
}

func (f *fakeContainers) Start(ctx context.Context, spec launcher.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec.Name)
	id := "id-" + spec.Name
	if f.waiters == nil {
		f.waiters = make(map[string]chan int64)
	}
	f.waiters[id] = make(chan int64, 1)
	return id, nil
}

func (f *fakeContainers) Wait(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	ch := f.waiters[id]
	f.mu.Unlock()
	select {
	case code := <-ch:
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (f *fakeContainers) Stop(ctx context.Context, nameOrID string) error   { return nil }
func (f *fakeContainers) Remove(ctx context.Context, nameOrID string) error { return nil }

func (f *fakeContainers) exitProducer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.waiters {
		if strings.Contains(id, "producer-") && !strings.Contains(id, "sse-consumer-") {
			ch <- 0
		}
	}
}

type testHarness struct {
	srv        *Server
	handler    http.Handler
	containers *fakeContainers
	store      *metastore.SQLiteStore
	locks      *lock.Manager
	execs      *execreg.Registry
}

func newHarness(t *testing.T, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Work.Root = t.TempDir()
	cfg.Store.Path = filepath.Join(t.TempDir(), "server.db")
	cfg.Events.Heartbeat = config.Duration(time.Hour)
	cfg.Sync.OnStart = false
	if mutate != nil {
		mutate(cfg)
	}

	store, err := metastore.Open(cfg.Store.Path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	locks := lock.NewManager(store, nil)
	workspaces := workspace.NewRegistry(store, cfg.Launcher.WorkspaceTTL.Std(), nil)
	execs := execreg.NewRegistry(store, nil)

	containers := &fakeContainers{}
	launch := launcher.New(locks, workspaces, containers, nil, cfg.Launcher, cfg.Upstream, nil)

	dispatcher, err := dispatch.New(dispatch.Config{
		WorkRoot:          cfg.Work.Root,
		PrefixTemplate:    cfg.Work.PrefixTemplate,
		ReadFileMaxBytes:  cfg.Work.ReadFileMaxBytes,
		OutputMaxBytes:    cfg.Work.OutputMaxBytes,
		RunCommandTimeout: cfg.Work.RunCommandTimeout.Std(),
		FilterExpr:        cfg.Events.FilterExpr,
	})
	require.NoError(t, err)

	collector, err := metrics.New()
	require.NoError(t, err)

	srv := New(Options{
		Config:     cfg,
		Locks:      locks,
		Workspaces: workspaces,
		Execs:      execs,
		Launcher:   launch,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Shutdown:   lifecycle.NewCoordinator(nil),
		Version:    "test",
	})

	return &testHarness{
		srv:        srv,
		handler:    srv.Handler(),
		containers: containers,
		store:      store,
		locks:      locks,
		execs:      execs,
	}
}

func (h *testHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestIdentityRequired(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/tree", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProducerStartAndLockContention(t *testing.T) {
	h := newHarness(t, nil)

	// First start wins.
	w := h.do(t, http.MethodPost, "/producer/start", map[string]any{
		"mode": "local-sandbox", "sessionId": "s1",
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	first := decodeBody(t, w)
	assert.Equal(t, true, first["ok"])
	firstConsumer := first["consumerId"].(string)
	assert.NotEmpty(t, first["workspaceId"])

	// Second start reports the holder and starts nothing.
	w = h.do(t, http.MethodPost, "/producer/start", map[string]any{"mode": "local-sandbox"})
	require.Equal(t, http.StatusAccepted, w.Code)
	second := decodeBody(t, w)
	assert.Equal(t, "Lock held by another consumer", second["message"])
	details := second["details"].(map[string]any)
	assert.Equal(t, firstConsumer, details["currentConsumerId"])

	// The producer exits; the monitor releases; a third start succeeds.
	h.containers.exitProducer()
	require.Eventually(t, func() bool {
		_, err := h.locks.Get(context.Background(), "u1", "p1")
		return err == lock.ErrNotFound
	}, 2*time.Second, 10*time.Millisecond)

	w = h.do(t, http.MethodPost, "/producer/start", map[string]any{"mode": "local-sandbox"})
	require.Equal(t, http.StatusAccepted, w.Code)
	third := decodeBody(t, w)
	assert.Equal(t, true, third["ok"])
}

func TestProducerStopIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/producer/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "no active lock", body["message"])
}

func TestPushStreamReadWriteRun(t *testing.T) {
	h := newHarness(t, nil)

	lines := strings.Join([]string{
		`{"id":"1","tool_call":{"function":{"name":"UPDATE_FILE","arguments":{"filepath":"notes/a.txt","content":"Hello"}}}}`,
		`{"id":"2","tool_call":{"function":{"name":"READ_FILE","arguments":{"filepath":"notes/a.txt"}}}}`,
		`{"id":"3","tool_call":{"function":{"name":"RUN_COMMAND","arguments":{"command":"ls -la notes"}}}}`,
	}, "\n")

	req := httptest.NewRequest(http.MethodPost, "/sessions/stream?workspaceId=w1&sessionId=s1",
		strings.NewReader(lines))
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	req.Header.Set("Content-Type", "application/x-ndjson")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	var results []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(w.Body.String()), "\n") {
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &v))
		if v["type"] == "ping" || v["type"] == "gcs_sync" {
			continue
		}
		results = append(results, v)
	}
	require.Len(t, results, 3)

	assert.Equal(t, "1", results[0]["event_id"])
	r1 := results[0]["result"].(map[string]any)
	assert.Equal(t, true, r1["ok"])
	assert.Equal(t, "notes/a.txt", r1["filepath"])
	assert.Equal(t, float64(5), r1["bytes"])

	assert.Equal(t, "2", results[1]["event_id"])
	r2 := results[1]["result"].(map[string]any)
	assert.Equal(t, "Hello", r2["content"])
	assert.Equal(t, false, r2["truncated"])

	assert.Equal(t, "3", results[2]["event_id"])
	r3 := results[2]["result"].(map[string]any)
	assert.Equal(t, float64(0), r3["exitCode"])
	assert.Contains(t, r3["output"], "a.txt")
}

func TestPushStreamPathEscape(t *testing.T) {
	h := newHarness(t, nil)

	line := `{"id":"1","tool_call":{"function":{"name":"READ_FILE","arguments":{"filepath":"../etc/passwd"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/sessions/stream?workspaceId=w1", strings.NewReader(line))
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.Split(strings.TrimSpace(w.Body.String()), "\n")[0]), &res))
	assert.Equal(t, "1", res["event_id"])
	assert.Nil(t, res["result"])
	assert.Equal(t, "path_escape", res["error"].(map[string]any)["message"])
}

func TestPushStreamEmitsSyncStats(t *testing.T) {
	fake := newFakeObjectStore()
	fake.put("p1/w1/seed.txt", "content", 4)

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Sync.Bucket = "test-bucket"
		cfg.Sync.OnStart = true
	})
	h.srv.storeFactory = func(ctx context.Context, bucket, token string) (objsync.ObjectStore, error) {
		assert.Equal(t, "test-bucket", bucket)
		return fake, nil
	}

	req := httptest.NewRequest(http.MethodPost, "/sessions/stream?workspaceId=w1", strings.NewReader(""))
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-Project-Id", "p1")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)

	var sawSync bool
	for _, line := range strings.Split(strings.TrimSpace(w.Body.String()), "\n") {
		var v map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &v))
		if v["type"] == "gcs_sync" {
			sawSync = true
			assert.Contains(t, v, "downloaded")
			assert.Contains(t, v, "conflicts")
		}
	}
	assert.True(t, sawSync, "a gcs_sync stats line must be emitted")
}

func TestExecEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	// Register A, B, C with links A->B, A->C, C->D (D unknown).
	for i, id := range []string{"A", "B", "C"} {
		w := h.do(t, http.MethodPost, "/execs/register", map[string]any{
			"execId": id, "sessionId": "s1", "createdAt": 100 + i,
		})
		require.Equal(t, http.StatusOK, w.Code)
	}
	for i, pair := range [][2]string{{"A", "B"}, {"A", "C"}, {"C", "D"}} {
		w := h.do(t, http.MethodPost, "/links/register", map[string]any{
			"callingExecId": pair[0], "triggeredExecId": pair[1],
			"sessionId": "s1", "createdAt": 10 * (i + 1),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	// Tree: single root A with children [B, C]; C childless (D unknown).
	w := h.do(t, http.MethodPost, "/tree", map[string]any{"sessionId": "s1"})
	require.Equal(t, http.StatusOK, w.Code)
	trees := decodeBody(t, w)["trees"].([]any)
	require.Len(t, trees, 1)
	root := trees[0].(map[string]any)
	assert.Equal(t, "A", root["execId"])
	children := root["children"].([]any)
	require.Len(t, children, 2)
	assert.Equal(t, "B", children[0].(map[string]any)["execId"])
	c := children[1].(map[string]any)
	assert.Equal(t, "C", c["execId"])
	assert.Empty(t, c["children"])

	// latestOnly roots at the newest registration.
	w = h.do(t, http.MethodPost, "/tree", map[string]any{"sessionId": "s1", "latestOnly": true})
	trees = decodeBody(t, w)["trees"].([]any)
	require.Len(t, trees, 1)
	assert.Equal(t, "C", trees[0].(map[string]any)["execId"])

	// Links by calling / by triggered.
	w = h.do(t, http.MethodGet, "/links/by-calling/A", nil)
	require.Equal(t, http.StatusOK, w.Code)
	links := decodeBody(t, w)["links"].([]any)
	assert.Len(t, links, 2)

	w = h.do(t, http.MethodGet, "/links/by-triggered/C", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "A", decodeBody(t, w)["callingExec"])

	w = h.do(t, http.MethodGet, "/links/by-triggered/zzz", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Status update then latest statuses.
	w = h.do(t, http.MethodPost, "/status/update", map[string]any{
		"execId": "C", "status": "RUNNING",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/status", map[string]any{"sessionId": "s1", "limit": 2})
	require.Equal(t, http.StatusOK, w.Code)
	statuses := decodeBody(t, w)["statuses"].([]any)
	require.Len(t, statuses, 2)
	newest := statuses[0].(map[string]any)
	assert.Equal(t, "C", newest["execId"])
	assert.Equal(t, "RUNNING", newest["status"])
	assert.Equal(t, "UNKNOWN", statuses[1].(map[string]any)["status"])

	// Empty status patch is rejected.
	w = h.do(t, http.MethodPost, "/status/update", map[string]any{"execId": "C"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkspaceHeartbeatEndpoint(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/producer/start", map[string]any{"mode": "local-sandbox"})
	require.Equal(t, http.StatusAccepted, w.Code)
	workspaceID := decodeBody(t, w)["workspaceId"].(string)

	w = h.do(t, http.MethodPost, "/workspaces/"+workspaceID+"/heartbeat", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/workspaces/missing/heartbeat", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// fakeObjectStore mirrors the objsync test double for server-level tests.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string]fakeObj
}

type fakeObj struct {
	data []byte
	gen  int64
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string]fakeObj)}
}

func (s *fakeObjectStore) put(name, content string, gen int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = fakeObj{data: []byte(content), gen: gen}
}

func (s *fakeObjectStore) List(ctx context.Context, prefix string) ([]objsync.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []objsync.ObjectInfo
	for name, obj := range s.objects {
		if strings.HasPrefix(name, prefix) {
			out = append(out, objsync.ObjectInfo{Name: name, Generation: obj.gen, Size: int64(len(obj.data))})
		}
	}
	return out, nil
}

func (s *fakeObjectStore) Download(ctx context.Context, name string) (io.ReadCloser, objsync.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, objsync.ObjectInfo{}, objsync.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)),
		objsync.ObjectInfo{Name: name, Generation: obj.gen, Size: int64(len(obj.data))}, nil
}

func (s *fakeObjectStore) Upload(ctx context.Context, name string, r io.Reader, ifGenerationMatch int64) (objsync.ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return objsync.ObjectInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, exists := s.objects[name]
	if ifGenerationMatch == 0 && exists {
		return objsync.ObjectInfo{}, objsync.ErrPreconditionFailed
	}
	if ifGenerationMatch > 0 && (!exists || obj.gen != ifGenerationMatch) {
		return objsync.ObjectInfo{}, objsync.ErrPreconditionFailed
	}
	next := fakeObj{data: data, gen: obj.gen + 1}
	if !exists {
		next.gen = 1
	}
	s.objects[name] = next
	return objsync.ObjectInfo{Name: name, Generation: next.gen, Size: int64(len(data))}, nil
}
