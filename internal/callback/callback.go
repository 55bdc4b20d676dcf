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

// Package callback compresses button-press context into short tokens.
// Telegram limits inline button payloads to 64 bytes, so the payload is
// an 11-byte pointer ("cb_" plus 8 hex chars) and the on-disk map under
// callbacks/ is the source of truth for the full context.
package callback

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/relay/internal/spool"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// StateTTL is how long a stored callback context stays resolvable,
// measured from the mapping file's mtime.
const StateTTL = 5 * time.Minute

// MaxFiles caps the callbacks directory; the sweeper removes the oldest
// beyond this.
const MaxFiles = 500

// Actions a callback token can carry. Workflow selections use
// "workflow_<workflow_id>".
const (
	ActionAutoFixAll   = "auto_fix_all"
	ActionReject       = "reject"
	ActionViewDetails  = "view_details"
	ActionCustomPrompt = "custom_prompt"
	WorkflowPrefix     = "workflow_"
)

// Context is the full button-press context backing one token.
type Context struct {
	WorkspaceID   string `json:"workspace_id"`
	WorkspacePath string `json:"workspace_path"`
	SessionID     string `json:"session_id"`
	Action        string `json:"action"`
	CorrelationID string `json:"correlation_id"`
	Timestamp     string `json:"timestamp"`
}

// Store maps short tokens to contexts via files in the callbacks
// directory.
type Store struct {
	dir string
	ttl time.Duration
}

// NewStore returns a token store over dir with the standard TTL.
func NewStore(dir string) *Store {
	return &Store{dir: dir, ttl: StateTTL}
}

// Create canonicalizes ctx, derives the token from its hash, persists
// the mapping file and returns the token. Token collisions at 32 bits
// are accepted as unreachable in practice.
func (s *Store) Create(ctx Context) (string, error) {
	if ctx.Timestamp == "" {
		ctx.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	canonical, err := canonicalJSON(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize callback context: %w", err)
	}

	sum := sha256.Sum256(canonical)
	token := "cb_" + hex.EncodeToString(sum[:])[:8]

	if err := spool.WriteJSON(s.path(token), ctx); err != nil {
		return "", fmt.Errorf("failed to persist callback context: %w", err)
	}
	return token, nil
}

// Resolve returns the context behind a token. A token whose mapping file
// is missing yields NotFoundError; one older than the TTL is removed
// and yields ExpiredError.
func (s *Store) Resolve(token string) (Context, error) {
	path := s.path(token)

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Context{}, &relayerrors.NotFoundError{Resource: "callback", ID: token}
		}
		return Context{}, fmt.Errorf("failed to stat callback file: %w", err)
	}

	if age := time.Since(info.ModTime()); age > s.ttl {
		// Expired state is deleted on read; the caller answers the user.
		_ = os.Remove(path)
		return Context{}, &relayerrors.ExpiredError{Resource: "callback", ID: token, Age: age}
	}

	var ctx Context
	if err := spool.ReadJSON(path, &ctx, "workspace_id", "session_id", "action"); err != nil {
		if err == spool.ErrGone {
			return Context{}, &relayerrors.NotFoundError{Resource: "callback", ID: token}
		}
		return Context{}, err
	}
	return ctx, nil
}

// Sweep removes expired mapping files and caps the directory size,
// oldest first.
func (s *Store) Sweep() (int, error) {
	removed, err := spool.SweepOlderThan(s.dir, s.ttl)
	if err != nil {
		return removed, err
	}
	capped, err := spool.CapFiles(s.dir, MaxFiles)
	return removed + capped, err
}

func (s *Store) path(token string) string {
	return filepath.Join(s.dir, token+".json")
}

// canonicalJSON renders the context with sorted keys so equal contexts
// always hash to the same token.
func canonicalJSON(ctx Context) ([]byte, error) {
	// Round-trip through a map: encoding/json sorts map keys.
	raw, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}
