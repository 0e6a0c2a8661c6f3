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

// Package lifecycle coordinates graceful shutdown: one cancellation fans
// out to every long-lived task, and registered hooks run concurrently
// under a shared deadline.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hook is a bounded-time teardown step.
type Hook struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator collects shutdown hooks.
type Coordinator struct {
	mu     sync.Mutex
	hooks  []Hook
	logger *slog.Logger
}

// NewCoordinator creates a shutdown coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger.With(slog.String("component", "lifecycle")),
	}
}

// Register adds a shutdown hook. Hooks registered after Shutdown started
// are not run.
func (c *Coordinator) Register(name string, run func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, Hook{Name: name, Run: run})
}

// Shutdown runs all hooks concurrently, each bounded by the budget.
// It returns once every hook finished or the budget lapsed.
func (c *Coordinator) Shutdown(budget time.Duration) {
	c.mu.Lock()
	hooks := make([]Hook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	var wg sync.WaitGroup
	for _, h := range hooks {
		wg.Add(1)
		go func(h Hook) {
			defer wg.Done()
			started := time.Now()
			if err := h.Run(ctx); err != nil {
				c.logger.Warn("shutdown hook failed",
					slog.String("hook", h.Name),
					slog.Any("error", err))
				return
			}
			c.logger.Debug("shutdown hook done",
				slog.String("hook", h.Name),
				slog.Int64("duration_ms", time.Since(started).Milliseconds()))
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("shutdown budget exhausted with hooks still running",
			slog.Int64("budget_ms", budget.Milliseconds()))
	}
}
