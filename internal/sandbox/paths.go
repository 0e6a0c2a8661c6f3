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

// Package sandbox implements the path-constrained tool handlers executed
// per event: READ_FILE, UPDATE_FILE, and RUN_COMMAND. Every filesystem
// effect stays under the per-request work root; escapes are tool errors,
// never transport failures.
package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Tool error messages are part of the wire contract: they travel verbatim
// in result frames.
var (
	// ErrPathEscape rejects a filepath resolving outside the work root.
	ErrPathEscape = errors.New("path_escape")

	// ErrNotFound reports a missing file to READ_FILE callers.
	ErrNotFound = errors.New("not_found")

	// ErrTimeout reports a RUN_COMMAND exceeding its budget.
	ErrTimeout = errors.New("timeout")
)

// ResolveWithin resolves rel against root and guarantees the result is a
// strict descendant of root. Absolute paths, parent traversal, and symlinks
// pointing outside the root are all rejected with ErrPathEscape.
func ResolveWithin(root, rel string) (string, error) {
	if rel == "" {
		return "", ErrPathEscape
	}
	if filepath.IsAbs(rel) {
		return "", ErrPathEscape
	}

	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}

	resolved := filepath.Join(root, cleaned)
	if !strictlyWithin(root, resolved) {
		return "", ErrPathEscape
	}

	// A symlink inside the root may still point outside it. Resolve the
	// deepest existing ancestor and re-check.
	real, err := resolveExisting(resolved)
	if err != nil {
		return "", err
	}
	realRoot, rootErr := filepath.EvalSymlinks(root)
	if rootErr != nil {
		realRoot = root
	}
	if real != realRoot && !strictlyWithin(realRoot, real) {
		return "", ErrPathEscape
	}

	return resolved, nil
}

// strictlyWithin reports whether path is a strict descendant of root.
func strictlyWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// resolveExisting resolves symlinks on the deepest existing prefix of path,
// re-joining the not-yet-existing suffix lexically.
func resolveExisting(path string) (string, error) {
	suffix := ""
	current := path
	for {
		real, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(real, suffix), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}
