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

package bot

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/telegram"
	"github.com/tombee/relay/internal/workspace"
)

func emptyRegistry(t *testing.T) *workspace.Registry {
	t.Helper()
	reg, err := workspace.LoadRegistry("/nonexistent/registry.json")
	require.NoError(t, err)
	return reg
}

func TestMenuTextIncludesSessionFacts(t *testing.T) {
	sum := testSummary()
	text := menuText(&sum, emptyRegistry(t))

	assert.Contains(t, text, "Session complete")
	assert.Contains(t, text, "main")
	assert.Contains(t, text, "2 modified")
	assert.Contains(t, text, "3 link errors")
	assert.Contains(t, text, "fix the docs")
	assert.Contains(t, text, "Choose a workflow")
}

func TestMenuTextOmitsZeroLycheeLine(t *testing.T) {
	sum := testSummary()
	sum.LycheeStatus.ErrorCount = 0
	text := menuText(&sum, emptyRegistry(t))
	assert.NotContains(t, text, "link errors")
}

func TestProgressBlockBounds(t *testing.T) {
	assert.Contains(t, progressBlock(record.StageStarting, -5, "m"), "░░░░░░░░░░ 0%")
	assert.Contains(t, progressBlock(record.StageCompleted, 250, "m"), "▓▓▓▓▓▓▓▓▓▓ 100%")
	assert.Contains(t, progressBlock(record.StageExecuting, 50, "m"), "▓▓▓▓▓░░░░░ 50%")
}

func TestTerminalTextIcons(t *testing.T) {
	tr := record.Tracking{WorkflowName: "Fix links"}
	cases := map[string]string{
		record.ExecSuccess: "✅",
		record.ExecError:   "❌",
		record.ExecTimeout: "⏱️",
	}
	for status, icon := range cases {
		text := terminalText(tr, &record.Execution{Status: status})
		assert.True(t, strings.HasPrefix(text, icon), "status %s should lead with %s", status, icon)
	}
}

func TestOutputLinePrefersStderrOnFailure(t *testing.T) {
	exec := &record.Execution{
		Status: record.ExecError,
		Stdout: "some stdout",
		Stderr: "\nfatal: broken\nmore context",
	}
	assert.Equal(t, "fatal: broken", outputLine(exec))
}

func TestOutputLineExtractsResultField(t *testing.T) {
	exec := &record.Execution{
		Status: record.ExecSuccess,
		Stdout: `{"result":"# heading\n\nFixed everything"}`,
	}
	assert.Equal(t, "Fixed everything", outputLine(exec))
}

func TestOutputLineSkipsJSONNoise(t *testing.T) {
	exec := &record.Execution{
		Status: record.ExecSuccess,
		Stdout: "{\"type\":\"system\"}\n[1,2]\nDone in 3s\n",
	}
	assert.Equal(t, "Done in 3s", outputLine(exec))
}

func TestLycheeDetailsCapsPerFile(t *testing.T) {
	errs := make([]string, 9)
	for i := range errs {
		errs[i] = fmt.Sprintf("https://example.com/%d", i)
	}
	text := lycheeDetails(map[string][]string{"docs/a.md": errs})

	assert.Contains(t, text, "9 total")
	assert.Contains(t, text, "and 4 more")
	assert.NotContains(t, text, "example\\.com/5")
}

func TestLycheeDetailsFitsTransportBudget(t *testing.T) {
	failMap := make(map[string][]string)
	for i := 0; i < 200; i++ {
		file := fmt.Sprintf("docs/file-%03d.md", i)
		failMap[file] = []string{strings.Repeat("x", 80)}
	}
	text := lycheeDetails(failMap)
	assert.LessOrEqual(t, len([]rune(text)), telegram.MaxMessageLen)
}

func TestRecoveredTextFallsBackToWorkflowID(t *testing.T) {
	text := recoveredText(&record.Execution{WorkflowID: "fix-links", Status: record.ExecSuccess})
	assert.Contains(t, text, "fix\\-links")
}
