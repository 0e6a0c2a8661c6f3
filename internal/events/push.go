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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/log"
)

// Flusher is the subset of http.Flusher the line writer needs.
type Flusher interface {
	Flush()
}

// LineWriter serializes NDJSON frames onto a streaming response. Result
// frames, heartbeats and sync-stat lines share one writer, so frames are
// never interleaved mid-line.
type LineWriter struct {
	mu    sync.Mutex
	w     io.Writer
	flush Flusher
}

// NewLineWriter wraps a response writer. flush may be nil.
func NewLineWriter(w io.Writer, flush Flusher) *LineWriter {
	return &LineWriter{w: w, flush: flush}
}

// WriteLine writes v as exactly one JSON line and flushes.
func (lw *LineWriter) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()

	if _, err := lw.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if lw.flush != nil {
		lw.flush.Flush()
	}
	return nil
}

// Ping is the keepalive frame on push-streaming responses. It is a control
// line, never a protocol data frame.
type Ping struct {
	Type string `json:"type"`
}

// PushConfig parameterizes one push-streaming request.
type PushConfig struct {
	// Heartbeat is the keepalive cadence on the response.
	Heartbeat time.Duration

	Logger *slog.Logger
}

// ServePush consumes NDJSON events from r and writes one result line per
// event onto lw, in receive order. Heartbeat frames are interspersed until
// the request ends. Returns the number of events processed.
func ServePush(ctx context.Context, cfg PushConfig, r io.Reader, lw *LineWriter, d Dispatch) (int, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := lw.WriteLine(Ping{Type: "ping"}); err != nil {
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	processed := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev dispatch.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			logger.Warn("skipping undecodable request line", slog.Any("error", err))
			continue
		}

		// Events on one stream execute sequentially so result lines keep
		// the receive order.
		result := d(ctx, &ev)
		if err := lw.WriteLine(result); err != nil {
			return processed, err
		}
		processed++

		logger.Debug("result emitted",
			slog.String(log.EventIDKey, ev.ID))
	}
	if err := scanner.Err(); err != nil {
		return processed, fmt.Errorf("failed to read request stream: %w", err)
	}
	return processed, nil
}
