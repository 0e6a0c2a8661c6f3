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

package objsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the manifest file at the work root. The engine never
// uploads it.
const ManifestName = ".gcs-manifest.json"

// Entry records the last reconciled state of one object: the remote
// generation and the local file stats observed at that moment.
type Entry struct {
	RemoteGen  int64 `json:"remoteGen"`
	LocalMtime int64 `json:"localMtime"`
	LocalSize  int64 `json:"localSize"`
}

// Manifest maps object names (relative to the sync prefix) to entries.
type Manifest struct {
	entries map[string]Entry
}

// LoadManifest reads the manifest at workRoot. A missing or malformed
// manifest is treated as empty; the next sync re-downloads whatever
// differs remotely.
func LoadManifest(workRoot string) *Manifest {
	m := &Manifest{entries: make(map[string]Entry)}

	data, err := os.ReadFile(filepath.Join(workRoot, ManifestName))
	if err != nil {
		return m
	}

	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return m
	}
	if entries != nil {
		m.entries = entries
	}
	return m
}

// Save writes the manifest crash-safely via temp-file-and-rename.
func (m *Manifest) Save(workRoot string) error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(workRoot, ManifestName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}

// Get returns the entry for name.
func (m *Manifest) Get(name string) (Entry, bool) {
	e, ok := m.entries[name]
	return e, ok
}

// Set records the entry for name.
func (m *Manifest) Set(name string, e Entry) {
	m.entries[name] = e
}

// Len returns the number of tracked objects.
func (m *Manifest) Len() int {
	return len(m.entries)
}
