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

package events

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndRecent(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Event{
		CorrelationID: "C1",
		WorkspaceID:   "ab12cd34",
		SessionID:     "S1",
		Component:     "bot",
		EventType:     SummaryReceived,
		Metadata:      map[string]any{"path": "/w"},
	}))
	require.NoError(t, l.Append(ctx, Event{
		CorrelationID: "C1",
		Component:     "orchestrator",
		EventType:     WorkflowStarted,
	}))

	got, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, WorkflowStarted, got[0].EventType)
	assert.Equal(t, SummaryReceived, got[1].EventType)
	assert.Equal(t, "ab12cd34", got[1].WorkspaceID)
	assert.Equal(t, "/w", got[1].Metadata["path"])
	assert.False(t, got[1].Timestamp.IsZero())
}

func TestAppendRequiresComponentAndType(t *testing.T) {
	l := openLog(t)
	assert.Error(t, l.Append(context.Background(), Event{Component: "bot"}))
	assert.Error(t, l.Append(context.Background(), Event{EventType: BotStarted}))
}

func TestRecentLimit(t *testing.T) {
	l := openLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, Event{Component: "bot", EventType: CLIHeartbeat}))
	}

	got, err := l.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestReopenPreservesEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.Append(context.Background(), Event{Component: "bot", EventType: BotStarted}))
	require.NoError(t, l1.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()

	got, err := l2.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
