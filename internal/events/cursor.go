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

// Package events maintains the durable event subscription to the upstream
// workflows service: SSE pull with replay cursor and reconnect, and the
// NDJSON push-streaming frames.
package events

import (
	"sync"
	"time"
)

// Cursor tracks the replay position of a stream. Resume prefers the last
// event id; the wall-clock time is the fallback.
type Cursor struct {
	mu       sync.Mutex
	lastID   string
	lastTime string
}

// NewCursor seeds a cursor with the initial resume position.
func NewCursor(sinceID, sinceTime string) *Cursor {
	return &Cursor{lastID: sinceID, lastTime: sinceTime}
}

// Observe records a delivered event and reports whether it is new.
// A repeat of the current last id (the replay overlap after a reconnect)
// returns false and must not be re-dispatched.
func (c *Cursor) Observe(id, createTime string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != "" && id == c.lastID {
		return false
	}
	if id != "" {
		c.lastID = id
	}
	if createTime != "" {
		c.lastTime = createTime
	} else {
		c.lastTime = time.Now().UTC().Format(time.RFC3339Nano)
	}
	return true
}

// Position returns the current resume position.
func (c *Cursor) Position() (lastID, lastTime string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID, c.lastTime
}
