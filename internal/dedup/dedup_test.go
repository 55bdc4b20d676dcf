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

package dedup

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = Key{WorkspaceID: "ab12cd34", SessionID: "S1", WorkflowID: "fix-links"}

func TestShouldSendSuppressesIdentical(t *testing.T) {
	s := New(t.TempDir())

	assert.True(t, s.ShouldSend(key, "progress 25%"))
	require.NoError(t, s.MarkSent(key, "progress 25%"))

	// Identical content is suppressed; changed content is not.
	assert.False(t, s.ShouldSend(key, "progress 25%"))
	assert.True(t, s.ShouldSend(key, "progress 50%"))
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s1 := New(dir)
	require.NoError(t, s1.MarkSent(key, "progress 25%"))

	// A fresh store over the same directory lazily reads the disk tier.
	s2 := New(dir)
	assert.False(t, s2.ShouldSend(key, "progress 25%"))
	assert.True(t, s2.ShouldSend(key, "progress 50%"))
}

func TestKeysAreIndependent(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.MarkSent(key, "same text"))

	other := key
	other.WorkflowID = "commit"
	assert.True(t, s.ShouldSend(other, "same text"))
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.MarkSent(key, "text"))

	s.Clear(key)
	assert.True(t, s.ShouldSend(key, "text"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStaleDiskEntryIgnoredAndSwept(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.MarkSent(key, "old text"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	path := dir + "/" + entries[0].Name()
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, stale, stale))

	// A new store must not trust the stale disk entry.
	s2 := New(dir)
	assert.True(t, s2.ShouldSend(key, "old text"))

	removed, err := s2.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
