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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"
)

// CallbackPoster delivers per-event results to the upstream in pull mode.
//
// Retry policy: transport conditions (network errors, 5xx) retry up to 3
// attempts with jittered backoff. 404 means the callback expired and is
// terminal. A 400 is retried exactly once with the payload wrapped as
// {"result": payload}; other 4xx are terminal.
type CallbackPoster struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	// OnRetry is invoked before each retry attempt, e.g. to count it.
	OnRetry func()

	// backoff is injectable for tests.
	backoff func(attempt int) time.Duration
}

// NewCallbackPoster creates a poster against the upstream base URL.
func NewCallbackPoster(baseURL, token string, logger *slog.Logger) *CallbackPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallbackPoster{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(slog.String("component", "callback")),
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt)*250*time.Millisecond +
				time.Duration(rand.Int63n(100))*time.Millisecond
		},
	}
}

// Post delivers the result for callbackID. The error reports undeliverable
// callbacks; callers log it and move on, because a callback failure never
// stalls the stream.
func (p *CallbackPoster) Post(ctx context.Context, callbackID string, result *Result) error {
	const maxAttempts = 3

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode callback payload: %w", err)
	}

	wrapped := false
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := p.post(ctx, callbackID, payload)
		if err == nil && status < 300 {
			return nil
		}

		switch {
		case err != nil:
			lastErr = err
		case status == http.StatusNotFound:
			// The callback expired upstream. Terminal.
			return fmt.Errorf("callback %s expired (404)", callbackID)
		case status == http.StatusBadRequest && !wrapped:
			// Upstream wants an enveloped payload; re-wrap once.
			wrapped = true
			envelope, mErr := json.Marshal(map[string]any{"result": json.RawMessage(payload)})
			if mErr != nil {
				return fmt.Errorf("failed to wrap callback payload: %w", mErr)
			}
			payload = envelope
			lastErr = fmt.Errorf("callback %s rejected with 400", callbackID)
		case status >= 400 && status < 500:
			return fmt.Errorf("callback %s rejected with %d", callbackID, status)
		default:
			lastErr = fmt.Errorf("callback %s failed with %d", callbackID, status)
		}

		if attempt == maxAttempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry()
		}

		select {
		case <-time.After(p.backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (p *CallbackPoster) post(ctx context.Context, callbackID string, payload []byte) (int, error) {
	url := fmt.Sprintf("%s/callbacks/%s", p.baseURL, callbackID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
