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

// Package objsync mirrors a sandbox work root against an object-store
// prefix in both directions, with manifest-based change detection and
// generation-based conflict protection.
package objsync

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrObjectNotFound is returned when an object doesn't exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrPreconditionFailed is returned when a generation precondition
	// does not hold; the engine counts it as a conflict.
	ErrPreconditionFailed = errors.New("generation precondition failed")

	// ErrPermission is returned when the credential lacks a permission;
	// uploads degrade to conflicts rather than failing the run.
	ErrPermission = errors.New("permission denied")
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	// Name is the full object name including the prefix.
	Name string

	// Generation changes on every object rewrite.
	Generation int64

	// Size is the object size in bytes.
	Size int64
}

// IsFolder reports whether the object is a folder placeholder.
func (o ObjectInfo) IsFolder() bool {
	return len(o.Name) > 0 && o.Name[len(o.Name)-1] == '/'
}

// ObjectStore is the slice of the object-store API the mirror needs.
// A missing bucket or prefix lists as empty, never as an error.
type ObjectStore interface {
	// List returns all objects under prefix, paginating as needed.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Download opens the current object content.
	Download(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)

	// Upload writes content under a generation precondition:
	// ifGenerationMatch > 0 updates that exact generation, 0 requires the
	// object not to exist.
	Upload(ctx context.Context, name string, r io.Reader, ifGenerationMatch int64) (ObjectInfo, error)
}
