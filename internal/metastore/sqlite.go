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

package metastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
//
// Features:
//   - WAL mode for concurrent readers
//   - BEGIN IMMEDIATE transactions for read-modify-write updates
//   - json_extract-based field queries
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the document store at path.
// The parent directory is created if absent and migrations run automatically.
func Open(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Immediate transactions take the write lock at BEGIN, which makes the
	// read inside Update repeatable.
	connStr := path + "?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode handles multiple readers; writes serialize on the database
	// write lock that BEGIN IMMEDIATE takes.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			collection TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			PRIMARY KEY (user_id, project_id, collection, doc_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_documents_collection
			ON documents(user_id, project_id, collection)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create inserts a new document, failing with ErrDocExists when present.
func (s *SQLiteStore) Create(ctx context.Context, key Key, doc Doc) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := `INSERT INTO documents (user_id, project_id, collection, doc_id, data)
	          VALUES (?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query, key.UserID, key.ProjectID, key.Collection, key.DocID, string(data))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDocExists
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// Get retrieves a document by key.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (Doc, error) {
	query := `SELECT data FROM documents
	          WHERE user_id = ? AND project_id = ? AND collection = ? AND doc_id = ?`

	var data string
	err := s.db.QueryRowContext(ctx, query, key.UserID, key.ProjectID, key.Collection, key.DocID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDocNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return decodeDoc(data)
}

// Merge shallow-merges patch into the document, creating it when absent.
func (s *SQLiteStore) Merge(ctx context.Context, key Key, patch Doc) error {
	return s.Update(ctx, key, func(current Doc) (Doc, error) {
		if current == nil {
			current = Doc{}
		}
		for k, v := range patch {
			current[k] = v
		}
		return current, nil
	})
}

// Delete removes a document. Deleting an absent document is a no-op.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	query := `DELETE FROM documents
	          WHERE user_id = ? AND project_id = ? AND collection = ? AND doc_id = ?`

	if _, err := s.db.ExecContext(ctx, query, key.UserID, key.ProjectID, key.Collection, key.DocID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// Update runs modify inside a write transaction. The current document (nil
// when absent) is passed in; the returned document replaces it. Returning
// (nil, nil) deletes the document. Returning ErrUnchanged commits nothing
// and reports success. Concurrent updates serialize on the write lock, so
// exactly one of two racing modifications observes the other's result.
func (s *SQLiteStore) Update(ctx context.Context, key Key, modify func(Doc) (Doc, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current Doc
	var data string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents
		 WHERE user_id = ? AND project_id = ? AND collection = ? AND doc_id = ?`,
		key.UserID, key.ProjectID, key.Collection, key.DocID).Scan(&data)
	switch {
	case err == nil:
		if current, err = decodeDoc(data); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	default:
		return fmt.Errorf("failed to read document: %w", err)
	}

	next, err := modify(current)
	if err != nil {
		if errors.Is(err, ErrUnchanged) {
			return nil
		}
		return err
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM documents
			 WHERE user_id = ? AND project_id = ? AND collection = ? AND doc_id = ?`,
			key.UserID, key.ProjectID, key.Collection, key.DocID); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		return tx.Commit()
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (user_id, project_id, collection, doc_id, data)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, project_id, collection, doc_id)
		 DO UPDATE SET data = excluded.data, updated_at = datetime('now')`,
		key.UserID, key.ProjectID, key.Collection, key.DocID, string(encoded)); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}

	return tx.Commit()
}

// QueryDocs returns collection documents matching q.
func (s *SQLiteStore) QueryDocs(ctx context.Context, userID, projectID, collection string, q Query) ([]Doc, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT data FROM documents WHERE user_id = ? AND project_id = ? AND collection = ?`)
	args := []any{userID, projectID, collection}

	if q.Field != "" {
		if err := validateFieldName(q.Field); err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprintf(` AND json_extract(data, '$.%s') = ?`, q.Field))
		args = append(args, q.Value)
	}

	if q.OrderBy != "" {
		if err := validateFieldName(q.OrderBy); err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprintf(` ORDER BY json_extract(data, '$.%s')`, q.OrderBy))
		if q.Desc {
			sb.WriteString(` DESC`)
		}
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		doc, err := decodeDoc(data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return docs, nil
}

func decodeDoc(data string) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// validateFieldName restricts query fields to identifier characters so
// field names can be spliced into json_extract paths.
func validateFieldName(field string) error {
	for _, r := range field {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return fmt.Errorf("invalid query field %q", field)
	}
	if field == "" {
		return fmt.Errorf("query field cannot be empty")
	}
	return nil
}

// isUniqueConstraintError detects primary-key violations from modernc sqlite.
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
