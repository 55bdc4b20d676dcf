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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirsCreatesSpoolTree(t *testing.T) {
	paths := New(t.TempDir())
	require.NoError(t, paths.EnsureDirs())

	for _, dir := range []string{
		paths.Summaries(), paths.Selections(), paths.Executions(),
		paths.Progress(), paths.Tracking(), paths.Dedup(), paths.Callbacks(),
		paths.Notifications(), paths.Approvals(), paths.Completions(), paths.Logs(),
	} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), dir)
	}
}

func TestDefaultRootHonorsEnv(t *testing.T) {
	t.Setenv("RELAY_STATE_DIR", "/tmp/relay-test-state")
	root, err := DefaultRoot()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/relay-test-state", root)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "ab12cd34_S1_fix-links_tracking.json", TrackingName("ab12cd34", "S1", "fix-links"))
	assert.Equal(t, "ab12cd34_S1_fix-links.json", ProgressName("ab12cd34", "S1", "fix-links"))
	assert.Equal(t, "execution_S1_ab12cd34_fix-links.json", ExecutionName("S1", "ab12cd34", "fix-links"))
	assert.Equal(t, "selection_S1_ab12cd34.json", SelectionName("S1", "ab12cd34"))
	assert.Equal(t, "summary_S1_ab12cd34.json", SummaryName("S1", "ab12cd34"))
	assert.Equal(t, filepath.Join("r", "logs", "worker.log"), New("r").WorkerLog())
}
