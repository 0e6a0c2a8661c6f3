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

// Package metastore provides a transactional, schema-less JSON document
// store scoped by (userID, projectID, collection, docID). It is the single
// storage primitive behind the consumer lock, workspaces, and the exec
// registry; mutual exclusion relies on its read-modify-write transactions
// rather than any distributed consensus.
package metastore

import (
	"context"
	"errors"
)

var (
	// ErrDocNotFound is returned when a document doesn't exist.
	ErrDocNotFound = errors.New("document not found")

	// ErrDocExists is returned when creating a document that already exists.
	ErrDocExists = errors.New("document already exists")

	// ErrUnchanged aborts an Update without writing and without error.
	ErrUnchanged = errors.New("document unchanged")
)

// Doc is a schema-less JSON document. Numeric values round-trip as float64.
type Doc map[string]any

// String returns the string value at key, if present.
func (d Doc) String(key string) (string, bool) {
	v, ok := d[key].(string)
	return v, ok
}

// Int64 returns the numeric value at key as int64, if present.
func (d Doc) Int64(key string) (int64, bool) {
	switch v := d[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Bool returns the boolean value at key, if present.
func (d Doc) Bool(key string) (bool, bool) {
	v, ok := d[key].(bool)
	return v, ok
}

// Key identifies a document.
type Key struct {
	UserID     string
	ProjectID  string
	Collection string
	DocID      string
}

// Query filters and orders an indexed collection scan.
type Query struct {
	// Field is a top-level JSON field name to filter on. Empty matches all.
	Field string

	// Value is the required field value.
	Value any

	// OrderBy is a top-level JSON field to sort on. Empty keeps store order.
	OrderBy string

	// Desc reverses the sort.
	Desc bool

	// Limit caps the result count. Zero means no limit.
	Limit int
}

// Store is the document store interface implemented by SQLiteStore.
//
// Update is the transactional primitive everything else is built on: the
// modify function observes the current document (nil when absent) and
// returns the replacement. Returning (nil, nil) deletes the document;
// returning ErrUnchanged leaves it untouched and reports success.
type Store interface {
	Create(ctx context.Context, key Key, doc Doc) error
	Get(ctx context.Context, key Key) (Doc, error)
	Merge(ctx context.Context, key Key, patch Doc) error
	Delete(ctx context.Context, key Key) error
	Update(ctx context.Context, key Key, modify func(Doc) (Doc, error)) error
	QueryDocs(ctx context.Context, userID, projectID, collection string, q Query) ([]Doc, error)
	Close() error
}
