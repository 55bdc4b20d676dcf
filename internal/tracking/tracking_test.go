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

package tracking

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/state"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func sample() record.Tracking {
	return record.Tracking{
		MessageID:    42,
		WorkspaceID:  "ab12cd34",
		SessionID:    "S1",
		WorkflowName: "Fix links",
		GitBranch:    "main",
		GitModified:  2,
		UserPrompt:   "fix my links",
	}
}

func TestPutGetDelete(t *testing.T) {
	s, dir := newStore(t)

	require.NoError(t, s.Put("ab12cd34", "S1", "fix-links", sample()))
	assert.Equal(t, 1, s.Len())

	// Disk mirror uses the canonical filename.
	_, err := os.Stat(filepath.Join(dir, state.TrackingName("ab12cd34", "S1", "fix-links")))
	require.NoError(t, err)

	tr, ok := s.Get("ab12cd34", "S1", "fix-links")
	require.True(t, ok)
	assert.Equal(t, 42, tr.MessageID)

	require.NoError(t, s.Delete("ab12cd34", "S1", "fix-links"))
	_, ok = s.Get("ab12cd34", "S1", "fix-links")
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore(t *testing.T) {
	s1, dir := newStore(t)
	require.NoError(t, s1.Put("ab12cd34", "S1", "fix-links", sample()))

	other := sample()
	other.SessionID = "S2"
	other.MessageID = 43
	require.NoError(t, s1.Put("ab12cd34", "S2", "commit", other))

	// A fresh store over the same directory sees both live workflows.
	s2 := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := s2.Restore()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tr, ok := s2.Get("ab12cd34", "S1", "fix-links")
	require.True(t, ok)
	assert.Equal(t, 42, tr.MessageID)
	tr, ok = s2.Get("ab12cd34", "S2", "commit")
	require.True(t, ok)
	assert.Equal(t, 43, tr.MessageID)
}

func TestRestoreSkipsBadFile(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, s.Put("ab12cd34", "S1", "fix-links", sample()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz_bad_x_tracking.json"), []byte("not json"), 0600))

	s2 := NewStore(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := s2.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweep(t *testing.T) {
	s, dir := newStore(t)
	require.NoError(t, s.Put("ab12cd34", "S1", "fix-links", sample()))

	path := filepath.Join(dir, state.TrackingName("ab12cd34", "S1", "fix-links"))
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))

	removed, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestWorkflowIDWithUnderscores(t *testing.T) {
	// Session ids and workflow ids may themselves contain underscores;
	// the record content disambiguates the filename.
	s, _ := newStore(t)
	require.NoError(t, s.Put("ab12cd34", "S1", "fix_all_links", sample()))

	s2 := NewStore(s.dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n, err := s2.Restore()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok := s2.Get("ab12cd34", "S1", "fix_all_links")
	assert.True(t, ok)
}
