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

// Package tracking maintains the map of live workflows: which chat
// message each one edits, plus the context needed to render it. The map
// lives in memory for the loop and is mirrored to tracking/ so a
// restarted bus resumes editing the correct messages.
package tracking

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/spool"
	"github.com/tombee/relay/internal/state"
)

// TTL after which an abandoned tracking record is swept.
const TTL = 30 * time.Minute

// Store is the in-memory map plus its disk mirror. All access happens
// on the bus event-loop goroutine; no locking is needed.
type Store struct {
	dir    string
	logger *slog.Logger
	live   map[string]record.Tracking
}

// NewStore returns an empty store over dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
		live:   make(map[string]record.Tracking),
	}
}

func keyOf(workspaceHash, sessionID, workflowID string) string {
	return workspaceHash + "_" + sessionID + "_" + workflowID
}

// Put records a live workflow in memory and on disk.
func (s *Store) Put(workspaceHash, sessionID, workflowID string, tr record.Tracking) error {
	s.live[keyOf(workspaceHash, sessionID, workflowID)] = tr
	path := filepath.Join(s.dir, state.TrackingName(workspaceHash, sessionID, workflowID))
	if err := spool.WriteJSON(path, tr); err != nil {
		return fmt.Errorf("failed to persist tracking record: %w", err)
	}
	return nil
}

// Get returns the tracking record for a workflow instance.
func (s *Store) Get(workspaceHash, sessionID, workflowID string) (record.Tracking, bool) {
	tr, ok := s.live[keyOf(workspaceHash, sessionID, workflowID)]
	return tr, ok
}

// Delete clears a workflow instance from memory and disk.
func (s *Store) Delete(workspaceHash, sessionID, workflowID string) error {
	delete(s.live, keyOf(workspaceHash, sessionID, workflowID))
	path := filepath.Join(s.dir, state.TrackingName(workspaceHash, sessionID, workflowID))
	return spool.Consume(path)
}

// Len returns the number of live workflows.
func (s *Store) Len() int {
	return len(s.live)
}

// Restore scans the tracking directory and repopulates the in-memory
// map. A file that fails to parse is logged and skipped — one bad
// record must not block startup.
func (s *Store) Restore() (int, error) {
	paths, err := spool.List(s.dir, "*_tracking.json")
	if err != nil {
		return 0, fmt.Errorf("failed to list tracking directory: %w", err)
	}

	restored := 0
	for _, path := range paths {
		var tr record.Tracking
		if err := spool.ReadJSON(path, &tr, "message_id", "workspace_id", "session_id", "workflow_name"); err != nil {
			if err == spool.ErrGone {
				continue
			}
			s.logger.Warn("skipping unreadable tracking record",
				"path", path, "error", err)
			continue
		}

		base := filepath.Base(path)
		workflowID, ok := workflowFromName(base, tr.WorkspaceID, tr.SessionID)
		if !ok {
			s.logger.Warn("skipping tracking record with unparseable name", "path", path)
			continue
		}
		s.live[keyOf(tr.WorkspaceID, tr.SessionID, workflowID)] = tr
		restored++
	}
	return restored, nil
}

// Sweep removes on-disk records older than the TTL. In-memory entries
// are kept; they die with their execution record or the process.
func (s *Store) Sweep() (int, error) {
	return spool.SweepOlderThan(s.dir, TTL)
}

// workflowFromName recovers the workflow id from
// <hash>_<session>_<workflow>_tracking.json given the known hash and
// session. Filenames encode routing keys for human inspection; parsing
// them back is only safe with the record content in hand.
func workflowFromName(base, workspaceHash, sessionID string) (string, bool) {
	prefix := workspaceHash + "_" + sessionID + "_"
	const suffix = "_tracking.json"
	if len(base) <= len(prefix)+len(suffix) {
		return "", false
	}
	if base[:len(prefix)] != prefix || base[len(base)-len(suffix):] != suffix {
		return "", false
	}
	return base[len(prefix) : len(base)-len(suffix)], true
}
