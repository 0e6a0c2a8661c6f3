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

package events

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awfl/workbridge/internal/dispatch"
)

// upstreamStub serves a canned SSE connection per request.
type upstreamStub struct {
	mu        sync.Mutex
	conns     int
	callbacks []string
}

func TestPullClientDispatchesAndPostsCallbacks(t *testing.T) {
	stub := &upstreamStub{}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.conns++
		conn := stub.conns
		stub.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		if conn == 1 {
			// First connection delivers events 1 and 2 then drops.
			fmt.Fprintf(w, "id: 1\ndata: {\"id\":\"1\",\"callback_id\":\"cb1\",\"tool_call\":{\"function\":{\"name\":\"X\"}}}\n\n")
			fmt.Fprintf(w, "id: 2\ndata: {\"id\":\"2\",\"tool_call\":{\"function\":{\"name\":\"X\"}}}\n\n")
			flusher.Flush()
			return
		}
		// Reconnect must resume from id 2 and replays it.
		assert.Equal(t, "2", r.URL.Query().Get("since_id"))
		fmt.Fprintf(w, "id: 2\ndata: {\"id\":\"2\",\"tool_call\":{\"function\":{\"name\":\"X\"}}}\n\n")
		fmt.Fprintf(w, "id: 3\ndata: {\"id\":\"3\",\"tool_call\":{\"function\":{\"name\":\"X\"}}}\n\n")
		flusher.Flush()
	})
	mux.HandleFunc("POST /callbacks/{id}", func(w http.ResponseWriter, r *http.Request) {
		stub.mu.Lock()
		stub.callbacks = append(stub.callbacks, r.PathValue("id"))
		stub.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	var dispatched []string
	var mu sync.Mutex
	d := func(ctx context.Context, ev *dispatch.Event) *dispatch.Result {
		mu.Lock()
		dispatched = append(dispatched, ev.ID)
		mu.Unlock()
		return &dispatch.Result{EventID: ev.ID}
	}

	client := NewPullClient(PullConfig{
		BaseURL:    srv.URL,
		UserID:     "u1",
		ProjectID:  "p1",
		Backoff:    10 * time.Millisecond,
		BackoffCap: 50 * time.Millisecond,
		Heartbeat:  time.Hour,
	}, d, dispatch.NewCallbackPoster(srv.URL, "", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dispatched) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// Event 2 was replayed on reconnect but dispatched exactly once.
	assert.Equal(t, []string{"1", "2", "3"}, dispatched[:3])

	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Contains(t, stub.callbacks, "cb1")
}

func TestPullClientHeartbeatHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Hold the connection open without events.
		<-r.Context().Done()
	}))
	defer srv.Close()

	var beats atomic.Int32
	client := NewPullClient(PullConfig{
		BaseURL:    srv.URL,
		Backoff:    10 * time.Millisecond,
		BackoffCap: 50 * time.Millisecond,
		Heartbeat:  20 * time.Millisecond,
		OnHeartbeat: func(ctx context.Context) {
			beats.Add(1)
		},
	}, func(ctx context.Context, ev *dispatch.Event) *dispatch.Result {
		return &dispatch.Result{EventID: ev.ID}
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	client.Run(ctx)

	assert.GreaterOrEqual(t, beats.Load(), int32(2))
}

func TestPullClientIdleWatchdogReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		// Silence: the client watchdog must cut the connection.
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewPullClient(PullConfig{
		BaseURL:      srv.URL,
		Backoff:      10 * time.Millisecond,
		BackoffCap:   20 * time.Millisecond,
		Heartbeat:    time.Hour,
		IdleWatchdog: 50 * time.Millisecond,
	}, func(ctx context.Context, ev *dispatch.Event) *dispatch.Result {
		return &dispatch.Result{EventID: ev.ID}
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	client.Run(ctx)

	assert.GreaterOrEqual(t, conns.Load(), int32(2), "watchdog must force reconnects")
}
