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

// Package workspace maps workspace paths to display metadata and wire
// identifiers. A workspace's canonical identifier in wire contexts is
// the first 8 hex chars of sha256 of its absolute path; tracking,
// execution and progress records always key by that hash, never by a
// registry id.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// DefaultEmoji is the display fallback for unregistered workspaces.
const DefaultEmoji = "📁"

// Entry is one hand-edited registry record.
type Entry struct {
	Path  string `json:"path"`
	Emoji string `json:"emoji,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Registry is the read-only workspace registry. It may not cover all
// observed paths; unregistered paths use default display and the hash
// directly as id.
type Registry struct {
	entries map[string]Entry // registry id -> entry
	byPath  map[string]string
}

// Hash returns the canonical wire identifier for a workspace path.
func Hash(absPath string) string {
	sum := sha256.Sum256([]byte(absPath))
	return hex.EncodeToString(sum[:])[:8]
}

// LoadRegistry reads registry.json. A missing file yields an empty
// registry — the system runs fine without hand-edited display names.
func LoadRegistry(path string) (*Registry, error) {
	reg := &Registry{
		entries: make(map[string]Entry),
		byPath:  make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read workspace registry: %w", err)
	}

	if err := json.Unmarshal(data, &reg.entries); err != nil {
		return nil, fmt.Errorf("failed to parse workspace registry %s: %w", path, err)
	}
	for id, entry := range reg.entries {
		reg.byPath[entry.Path] = id
	}
	return reg, nil
}

// Len returns the number of registered workspaces.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Display returns the emoji and human name for a workspace path,
// degrading to defaults for unregistered paths.
func (r *Registry) Display(absPath string) (emoji, name string) {
	if id, ok := r.byPath[absPath]; ok {
		entry := r.entries[id]
		emoji, name = entry.Emoji, entry.Name
	}
	if emoji == "" {
		emoji = DefaultEmoji
	}
	if name == "" {
		name = Hash(absPath)
	}
	return emoji, name
}

// ID returns the registry id for a path when registered, otherwise the
// workspace hash.
func (r *Registry) ID(absPath string) string {
	if id, ok := r.byPath[absPath]; ok {
		return id
	}
	return Hash(absPath)
}
