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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/awfl/workbridge/internal/log"
	"github.com/awfl/workbridge/internal/sandbox"
)

// Supported tool names.
const (
	ToolReadFile   = "READ_FILE"
	ToolUpdateFile = "UPDATE_FILE"
	ToolRunCommand = "RUN_COMMAND"
)

// Error messages carried in result frames for dispatch-level failures.
const (
	errBadArguments        = "bad_arguments"
	errUnknownTool         = "unknown_tool"
	errWorkrootUnavailable = "workroot_unavailable"
)

// Scope identifies the tenant context a stream executes under. It feeds
// the work-root template.
type Scope struct {
	UserID      string
	ProjectID   string
	WorkspaceID string
	SessionID   string
}

// Config parameterizes a dispatcher.
type Config struct {
	// WorkRoot is the base sandbox mount.
	WorkRoot string

	// PrefixTemplate renders the per-request directory under WorkRoot.
	PrefixTemplate string

	// ReadFileMaxBytes caps READ_FILE content.
	ReadFileMaxBytes int

	// OutputMaxBytes caps RUN_COMMAND output.
	OutputMaxBytes int

	// RunCommandTimeout bounds RUN_COMMAND subprocesses.
	RunCommandTimeout time.Duration

	// FilterExpr optionally gates dispatch; events evaluating false are
	// acknowledged with a skipped result.
	FilterExpr string

	Logger *slog.Logger
}

// Dispatcher executes tool-call events in per-request sandboxes.
type Dispatcher struct {
	cfg    Config
	filter *vm.Program
	logger *slog.Logger

	now func() time.Time
}

// New creates a dispatcher. An invalid filter expression is a
// configuration error.
func New(cfg Config) (*Dispatcher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "dispatch")),
		now:    time.Now,
	}

	if cfg.FilterExpr != "" {
		program, err := expr.Compile(cfg.FilterExpr, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("invalid event filter expression: %w", err)
		}
		d.filter = program
	}

	return d, nil
}

// Dispatch executes one event and always produces a result frame. Handler
// failures land in the frame's error field; only the surrounding stream
// decides what a transport failure is.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event, scope Scope) *Result {
	res := &Result{
		EventID:    ev.ID,
		CreateTime: ev.CreateTime,
		Timestamp:  d.now().UTC().Format(time.RFC3339Nano),
	}

	if ev.ToolCall == nil {
		res.Error = &ResultError{Message: errBadArguments}
		return res
	}
	name := ev.ToolCall.Function.Name
	res.Tool = ToolName{Name: name}

	args, err := ev.ToolCall.Function.ParseArguments()
	if err != nil {
		res.Error = &ResultError{Message: errBadArguments}
		return res
	}
	res.Args = args

	if d.filter != nil {
		keep, err := d.runFilter(name, ev.ID, args)
		if err != nil {
			d.logger.Warn("event filter failed, dispatching anyway",
				slog.String(log.EventIDKey, ev.ID),
				slog.Any("error", err))
		} else if !keep {
			res.Result = map[string]any{"skipped": true}
			return res
		}
	}

	workRoot, err := d.workRootFor(scope)
	if err != nil {
		d.logger.Error("work root unavailable",
			slog.String(log.EventIDKey, ev.ID),
			slog.Any("error", err))
		res.Error = &ResultError{Message: errWorkrootUnavailable}
		return res
	}

	started := d.now()
	value, err := d.invoke(ctx, name, args, workRoot)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		res.Error = &ResultError{Message: err.Error()}
		d.logger.Info("tool returned error",
			slog.String(log.EventIDKey, ev.ID),
			slog.String(log.ToolKey, name),
			slog.Int64(log.DurationKey, elapsed),
			slog.String("message", err.Error()))
		return res
	}

	res.Result = value
	d.logger.Debug("tool executed",
		slog.String(log.EventIDKey, ev.ID),
		slog.String(log.ToolKey, name),
		slog.Int64(log.DurationKey, elapsed))
	return res
}

// invoke runs the named tool. Unknown names are tool errors.
func (d *Dispatcher) invoke(ctx context.Context, name string, args map[string]any, workRoot string) (any, error) {
	switch name {
	case ToolReadFile:
		rel, _ := args["filepath"].(string)
		return orNil(sandbox.ReadFile(workRoot, rel, d.cfg.ReadFileMaxBytes))
	case ToolUpdateFile:
		rel, _ := args["filepath"].(string)
		content, _ := args["content"].(string)
		return orNil(sandbox.UpdateFile(workRoot, rel, content))
	case ToolRunCommand:
		command, _ := args["command"].(string)
		return orNil(sandbox.RunCommand(ctx, workRoot, command, d.cfg.RunCommandTimeout, d.cfg.OutputMaxBytes))
	default:
		return nil, fmt.Errorf("%s", errUnknownTool)
	}
}

// orNil keeps a typed nil pointer out of the result frame.
func orNil[T any](v *T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (d *Dispatcher) runFilter(tool, eventID string, args map[string]any) (bool, error) {
	out, err := expr.Run(d.filter, map[string]any{
		"tool":     tool,
		"event_id": eventID,
		"args":     args,
	})
	if err != nil {
		return true, err
	}
	keep, ok := out.(bool)
	if !ok {
		return true, fmt.Errorf("filter returned %T, want bool", out)
	}
	return keep, nil
}

// WorkRoot renders the per-request work root and creates it; the sync
// engine mirrors the same directory the tools operate in.
func (d *Dispatcher) WorkRoot(scope Scope) (string, error) {
	return d.workRootFor(scope)
}

// workRootFor renders the per-request work root and creates it. The
// rendered prefix must stay under the configured mount.
func (d *Dispatcher) workRootFor(scope Scope) (string, error) {
	prefix := RenderPrefix(d.cfg.PrefixTemplate, scope)
	workRoot := filepath.Join(d.cfg.WorkRoot, prefix)

	rel, err := filepath.Rel(d.cfg.WorkRoot, workRoot)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("rendered work root %q escapes the mount", workRoot)
	}

	if err := os.MkdirAll(workRoot, 0755); err != nil {
		return "", fmt.Errorf("failed to create work root: %w", err)
	}
	return workRoot, nil
}

var templateToken = regexp.MustCompile(`\{[a-zA-Z]+\}`)

// RenderPrefix substitutes the recognized tokens into the work-prefix
// template. Unrecognized tokens render empty.
func RenderPrefix(template string, scope Scope) string {
	return templateToken.ReplaceAllStringFunc(template, func(token string) string {
		switch token {
		case "{userId}":
			return scope.UserID
		case "{projectId}":
			return scope.ProjectID
		case "{workspaceId}":
			return scope.WorkspaceID
		case "{sessionId}":
			return scope.SessionID
		default:
			return ""
		}
	})
}
