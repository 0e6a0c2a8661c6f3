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
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/log"
)

// Dispatch executes one event and returns its result frame.
type Dispatch func(ctx context.Context, ev *dispatch.Event) *dispatch.Result

// PullConfig parameterizes a pull+callback stream.
type PullConfig struct {
	// BaseURL is the upstream workflows service.
	BaseURL string

	// Token authenticates against the upstream.
	Token string

	// UserID and ProjectID scope the subscription.
	UserID    string
	ProjectID string

	// SinceID and SinceTime seed the replay cursor.
	SinceID   string
	SinceTime string

	// Backoff is the initial reconnect backoff, doubled up to BackoffCap
	// and reset by a successful event.
	Backoff    time.Duration
	BackoffCap time.Duration

	// Heartbeat is the cadence of the OnHeartbeat hook.
	Heartbeat time.Duration

	// IdleWatchdog forces a reconnect after this much stream silence.
	// Zero disables it.
	IdleWatchdog time.Duration

	// OnHeartbeat runs periodically while the stream is up; the launcher
	// wires lease renewal and workspace liveness through it.
	OnHeartbeat func(ctx context.Context)

	Logger *slog.Logger
}

// PullClient maintains the outbound event subscription and posts per-event
// callbacks.
type PullClient struct {
	cfg      PullConfig
	cursor   *Cursor
	client   *http.Client
	dispatch Dispatch
	poster   *dispatch.CallbackPoster
	logger   *slog.Logger
}

// NewPullClient creates a pull-mode stream client.
func NewPullClient(cfg PullConfig, d Dispatch, poster *dispatch.CallbackPoster) *PullClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PullClient{
		cfg:      cfg,
		cursor:   NewCursor(cfg.SinceID, cfg.SinceTime),
		client:   &http.Client{},
		dispatch: d,
		poster:   poster,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// Cursor exposes the replay position, e.g. for status reporting.
func (c *PullClient) Cursor() *Cursor {
	return c.cursor
}

// Run consumes the upstream event channel until ctx is cancelled,
// reconnecting with exponential backoff. Reconnects are invisible to the
// dispatcher beyond cursor reseeding and duplicate-id suppression.
func (c *PullClient) Run(ctx context.Context) error {
	backoff := c.cfg.Backoff

	if c.cfg.OnHeartbeat != nil {
		go c.heartbeatLoop(ctx)
	}

	for {
		delivered, err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = c.cfg.Backoff
		}

		c.logger.Warn("event stream disconnected, reconnecting",
			slog.Any("error", err),
			slog.Int64("backoff_ms", backoff.Milliseconds()))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}
}

// consumeOnce opens one connection and processes frames until it breaks.
// Returns how many events were delivered on this connection.
func (c *PullClient) consumeOnce(ctx context.Context) (int, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := c.buildRequest(connCtx)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("event stream returned %d", resp.StatusCode)
	}

	// The watchdog cancels a connection that has gone silent.
	var watchdog *time.Timer
	if c.cfg.IdleWatchdog > 0 {
		watchdog = time.AfterFunc(c.cfg.IdleWatchdog, cancel)
		defer watchdog.Stop()
	}

	delivered := 0
	err = ParseSSE(resp.Body, func(f Frame) error {
		if watchdog != nil {
			watchdog.Reset(c.cfg.IdleWatchdog)
		}
		if f.Type == "ping" || len(f.Data) == 0 {
			return nil
		}

		ev, err := DecodeEvent(f)
		if err != nil {
			c.logger.Warn("skipping undecodable event frame",
				slog.String(log.EventIDKey, f.ID),
				slog.Any("error", err))
			return nil
		}

		if !c.cursor.Observe(ev.ID, ev.CreateTime) {
			c.logger.Debug("duplicate event after reconnect",
				slog.String(log.EventIDKey, ev.ID))
			return nil
		}
		delivered++

		result := c.dispatch(ctx, ev)

		if ev.CallbackID != "" && c.poster != nil {
			if err := c.poster.Post(ctx, ev.CallbackID, result); err != nil {
				c.logger.Warn("callback delivery failed",
					slog.String(log.EventIDKey, ev.ID),
					slog.String("callback_id", ev.CallbackID),
					slog.Any("error", err))
			}
		}
		return nil
	})
	return delivered, err
}

func (c *PullClient) buildRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.cfg.BaseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("invalid upstream base URL: %w", err)
	}

	q := u.Query()
	lastID, lastTime := c.cursor.Position()
	if lastID != "" {
		q.Set("since_id", lastID)
	} else if lastTime != "" {
		q.Set("since_time", lastTime)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-User-Id", c.cfg.UserID)
	req.Header.Set("X-Project-Id", c.cfg.ProjectID)
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

func (c *PullClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cfg.OnHeartbeat(ctx)
		}
	}
}
