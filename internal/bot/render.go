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
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tombee/relay/internal/markup"
	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/telegram"
	"github.com/tombee/relay/internal/transcript"
	"github.com/tombee/relay/internal/workspace"
)

// Per-file cap for the view-details reply.
const maxErrorsPerFile = 5

// menuText renders the session-complete menu message.
func menuText(sum *record.SessionSummary, ws *workspace.Registry) string {
	emoji, name := ws.Display(sum.WorkspacePath)

	var b strings.Builder
	fmt.Fprintf(&b, "🔔 *Session complete* %s %s\n", emoji, markup.Escape(name))
	fmt.Fprintf(&b, "🌿 %s · ✏️ %d modified · 📎 %d staged\n",
		markup.Escape(sum.GitStatus.Branch), sum.GitStatus.ModifiedFiles, sum.GitStatus.StagedFiles)
	if sum.LycheeStatus.ErrorCount > 0 {
		fmt.Fprintf(&b, "🔗 %d link errors\n", sum.LycheeStatus.ErrorCount)
	}
	fmt.Fprintf(&b, "⏱ %s\n", markup.Escape(fmt.Sprintf("%.0fs", sum.DurationSeconds)))

	if sum.LastUserPrompt != "" {
		text, _ := markup.Truncate(markup.Escape(sum.LastUserPrompt), transcript.UserPromptBudget)
		fmt.Fprintf(&b, "\n💬 _%s_\n", text)
	}
	if sum.LastResponse != "" {
		text, _ := markup.Truncate(markup.Escape(sum.LastResponse), transcript.ResponseBudget)
		fmt.Fprintf(&b, "🤖 %s\n", text)
	}

	b.WriteString("\nChoose a workflow:")
	return b.String()
}

// trackingText renders the message posted when a workflow is selected.
// It is edited in place through the workflow's life.
func trackingText(tr record.Tracking, ws *workspace.Registry, workspacePath string) string {
	emoji, name := ws.Display(workspacePath)

	var b strings.Builder
	fmt.Fprintf(&b, "🚀 %s %s — *%s*\n", emoji, markup.Escape(name), markup.Escape(tr.WorkflowName))
	fmt.Fprintf(&b, "🌿 %s · ✏️ %d modified\n", markup.Escape(tr.GitBranch), tr.GitModified)
	if tr.WorkingDirectory != "" {
		fmt.Fprintf(&b, "📂 %s\n", markup.Escape(tr.WorkingDirectory))
	}
	if tr.UserPrompt != "" {
		text, _ := markup.Truncate(markup.Escape(tr.UserPrompt), transcript.UserPromptBudget)
		fmt.Fprintf(&b, "💬 _%s_\n", text)
	}
	b.WriteString("\n")
	b.WriteString(progressBlock(record.StageStarting, 0, "Queued"))
	return b.String()
}

// progressText renders a progress edit for a tracked workflow.
func progressText(tr record.Tracking, snap *record.ProgressSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚙️ *%s*\n", markup.Escape(tr.WorkflowName))
	fmt.Fprintf(&b, "🌿 %s\n\n", markup.Escape(tr.GitBranch))
	b.WriteString(progressBlock(snap.Stage, snap.ProgressPercent, snap.Message))
	return b.String()
}

// terminalText renders the final edit once an execution record arrives.
func terminalText(tr record.Tracking, exec *record.Execution) string {
	icon := "✅"
	switch exec.Status {
	case record.ExecError:
		icon = "❌"
	case record.ExecTimeout:
		icon = "⏱️"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* — %s\n", icon, markup.Escape(tr.WorkflowName), markup.Escape(exec.Status))
	fmt.Fprintf(&b, "⏱ %s\n", markup.Escape(fmt.Sprintf("%.1fs", exec.DurationSeconds)))
	if line := outputLine(exec); line != "" {
		text, _ := markup.Truncate(markup.Escape(line), transcript.UserPromptBudget)
		fmt.Fprintf(&b, "Output: %s\n", text)
	}
	return b.String()
}

// recoveredText is the fallback notification when an execution arrives
// with no tracking entry (bus restarted and tracking was swept).
func recoveredText(exec *record.Execution) string {
	name := exec.WorkflowName
	if name == "" {
		name = exec.WorkflowID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ℹ️ Recovered workflow result: *%s* — %s\n",
		markup.Escape(name), markup.Escape(exec.Status))
	if line := outputLine(exec); line != "" {
		text, _ := markup.Truncate(markup.Escape(line), transcript.UserPromptBudget)
		fmt.Fprintf(&b, "Output: %s\n", text)
	}
	return b.String()
}

// outputLine picks the one-line result for terminal messages: stderr
// first line on failure, otherwise the extracted stdout summary that the
// worker put in the final progress message is not available here, so
// fall back to the first meaningful stdout line.
func outputLine(exec *record.Execution) string {
	if exec.Status != record.ExecSuccess {
		for _, line := range strings.Split(exec.Stderr, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				return line
			}
		}
	}
	if result := resultField(exec.Stdout); result != "" {
		return result
	}
	for _, line := range strings.Split(exec.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			continue
		}
		return line
	}
	return ""
}

// progressBlock renders a ten-cell bar plus the stage message.
func progressBlock(stage string, percent int, message string) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := percent / 10
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
	return fmt.Sprintf("%s %d%% · %s\n%s", bar, percent, markup.Escape(stage), markup.Escape(message))
}

// lycheeDetails formats the sidecar error report for a view_details
// reply: per-file bullets, capped per file, truncated to the transport
// budget.
func lycheeDetails(failMap map[string][]string) string {
	total := 0
	files := make([]string, 0, len(failMap))
	for file, errs := range failMap {
		files = append(files, file)
		total += len(errs)
	}
	sort.Strings(files)

	var b strings.Builder
	fmt.Fprintf(&b, "🔗 *Link errors* — %d total\n", total)
	for _, file := range files {
		errs := failMap[file]
		fmt.Fprintf(&b, "\n📄 %s\n", markup.Escape(file))
		shown := errs
		if len(shown) > maxErrorsPerFile {
			shown = shown[:maxErrorsPerFile]
		}
		for _, e := range shown {
			fmt.Fprintf(&b, "  • %s\n", markup.Escape(e))
		}
		if len(errs) > maxErrorsPerFile {
			fmt.Fprintf(&b, "  …and %d more\n", len(errs)-maxErrorsPerFile)
		}
	}

	// Headroom for the ellipsis and any closing markers truncation adds.
	out, _ := markup.Truncate(b.String(), telegram.MaxMessageLen-16)
	return out
}

func resultField(stdout string) string {
	// Cheap check before a JSON parse; most stdout is not JSON.
	trimmed := strings.TrimSpace(stdout)
	if !strings.HasPrefix(trimmed, "{") {
		return ""
	}
	var obj struct {
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return ""
	}
	for _, line := range strings.Split(obj.Result, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}
