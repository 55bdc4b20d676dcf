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

// Package dedup suppresses no-op chat edits. The transport rejects
// "edit with identical content", and every suppressed edit is rate
// budget saved. The store keeps the hash of the last successfully sent
// text per (workspace, session, workflow): a fast in-memory tier plus
// one file per key under dedup/ so suppression survives bus restarts.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tombee/relay/internal/spool"
)

// TTL is how long a dedup entry stays valid; stale entries are swept at
// startup and ignored on lookup.
const TTL = 30 * time.Minute

// Key identifies one workflow instance's message stream.
type Key struct {
	WorkspaceID string
	SessionID   string
	WorkflowID  string
}

func (k Key) String() string {
	return k.WorkspaceID + "/" + k.SessionID + "/" + k.WorkflowID
}

// Store is the two-tier hash store. Disk entries are loaded lazily on
// first lookup for a key.
type Store struct {
	dir string
	mem *gocache.Cache
}

// New returns a store over dir.
func New(dir string) *Store {
	return &Store{
		dir: dir,
		mem: gocache.New(TTL, 10*time.Minute),
	}
}

// HashText returns the content hash used for comparison.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ShouldSend reports whether text differs from the last successfully
// sent text for key. Identical content must not reach the wire.
func (s *Store) ShouldSend(key Key, text string) bool {
	return s.lastHash(key) != HashText(text)
}

// MarkSent records text as the last successfully sent content for key,
// in memory and atomically on disk.
func (s *Store) MarkSent(key Key, text string) error {
	hash := HashText(text)
	s.mem.Set(key.String(), hash, gocache.DefaultExpiration)
	if err := spool.WriteBytes(s.path(key), []byte(hash)); err != nil {
		return fmt.Errorf("failed to persist dedup entry: %w", err)
	}
	return nil
}

// Clear removes the entry for a completed workflow.
func (s *Store) Clear(key Key) {
	s.mem.Delete(key.String())
	_ = os.Remove(s.path(key))
}

// Sweep removes on-disk entries older than the TTL. Called once at bus
// startup to warm-prune the directory.
func (s *Store) Sweep() (int, error) {
	return spool.SweepOlderThan(s.dir, TTL)
}

// lastHash consults the memory tier, falling back to disk. A disk entry
// older than the TTL counts as absent.
func (s *Store) lastHash(key Key) string {
	if v, ok := s.mem.Get(key.String()); ok {
		return v.(string)
	}

	path := s.path(key)
	info, err := os.Stat(path)
	if err != nil || time.Since(info.ModTime()) > TTL {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	hash := strings.TrimSpace(string(data))
	s.mem.Set(key.String(), hash, gocache.DefaultExpiration)
	return hash
}

// path derives the on-disk filename: the first 16 hex chars of the key
// hash, .hash suffix.
func (s *Store) path(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:])[:16]+".hash")
}
