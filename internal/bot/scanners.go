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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/tombee/relay/internal/callback"
	"github.com/tombee/relay/internal/dedup"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/markup"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/spool"
	"github.com/tombee/relay/internal/state"
	"github.com/tombee/relay/internal/telegram"
	"github.com/tombee/relay/internal/transcript"
	"github.com/tombee/relay/internal/workflow"
)

// scanSummaries drains the summary inbox: each file becomes a workflow
// menu (or is consumed silently when no trigger fires). Invalid files
// are rejected in place for human inspection.
func (b *Bot) scanSummaries(ctx context.Context) {
	files, err := spool.List(b.paths.Summaries(), "*.json")
	if err != nil {
		b.logger.Error("failed to list summaries", "error", err)
		return
	}

	for _, path := range files {
		if b.skipBad[path] {
			continue
		}
		var sum record.SessionSummary
		if err := spool.ReadJSON(path, &sum, record.SummaryRequired...); err != nil {
			if err == spool.ErrGone {
				continue
			}
			b.rejectInPlace("summary", path, err)
			continue
		}
		if err := b.handleSummary(ctx, path, &sum); err != nil {
			metrics.ScanErrors.WithLabelValues("summary").Inc()
			b.logger.Error("failed to process summary", "path", path, "error", err)
		}
	}
}

func (b *Bot) handleSummary(ctx context.Context, path string, sum *record.SessionSummary) error {
	if err := b.event(ctx, events.SummaryReceived, sum.CorrelationID, sum.WorkspaceID, sum.SessionID, map[string]any{
		"workspace_path": sum.WorkspacePath,
	}); err != nil {
		return err
	}

	b.backfillTranscript(sum)
	b.cacheSummary(sum)

	entries := workflow.Filter(b.registry, sum)
	if len(entries) == 0 {
		// No trigger fires; the summary is still consumed.
		if err := spool.Consume(path); err != nil && err != spool.ErrGone {
			return err
		}
		return b.event(ctx, events.SummaryProcessed, sum.CorrelationID, sum.WorkspaceID, sum.SessionID, map[string]any{
			"menu": false,
		})
	}

	keyboard, err := b.menuKeyboard(sum, entries)
	if err != nil {
		return err
	}

	if _, err := b.transport.Send(ctx, b.cfg.Telegram.ChatID, menuText(sum, b.workspaces), keyboard); err != nil {
		// Leave the file; the next pass retries the menu.
		return err
	}
	b.touch()

	if err := spool.Consume(path); err != nil && err != spool.ErrGone {
		return err
	}
	return b.event(ctx, events.SummaryProcessed, sum.CorrelationID, sum.WorkspaceID, sum.SessionID, map[string]any{
		"menu":      true,
		"workflows": len(entries),
	})
}

// backfillTranscript fills last_user_prompt/last_response from the
// session transcript when the hook left them empty. Best effort: an
// unreadable transcript just means a sparser menu and tracking message.
func (b *Bot) backfillTranscript(sum *record.SessionSummary) {
	if sum.TranscriptPath == "" || (sum.LastUserPrompt != "" && sum.LastResponse != "") {
		return
	}
	ex, err := transcript.FromFile(sum.TranscriptPath)
	if err != nil {
		b.logger.Warn("failed to extract transcript", "path", sum.TranscriptPath, "error", err)
		return
	}
	if sum.LastUserPrompt == "" {
		sum.LastUserPrompt = ex.UserPrompt
	}
	if sum.LastResponse == "" {
		sum.LastResponse = ex.LastResponse
	}
}

// menuKeyboard builds one row per eligible workflow plus the custom
// prompt row. Every button press resolves through the callback store.
func (b *Bot) menuKeyboard(sum *record.SessionSummary, entries []workflow.Entry) ([][]telegram.Button, error) {
	var keyboard [][]telegram.Button
	for _, e := range entries {
		token, err := b.callbacks.Create(callback.Context{
			WorkspaceID:   sum.WorkspaceID,
			WorkspacePath: sum.WorkspacePath,
			SessionID:     sum.SessionID,
			Action:        callback.WorkflowPrefix + e.ID,
			CorrelationID: sum.CorrelationID,
		})
		if err != nil {
			return nil, err
		}
		label := e.Manifest.Name
		if e.Manifest.Icon != "" {
			label = e.Manifest.Icon + " " + label
		}
		keyboard = append(keyboard, []telegram.Button{{Text: label, CallbackData: token}})
	}

	token, err := b.callbacks.Create(callback.Context{
		WorkspaceID:   sum.WorkspaceID,
		WorkspacePath: sum.WorkspacePath,
		SessionID:     sum.SessionID,
		Action:        callback.ActionCustomPrompt,
		CorrelationID: sum.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	keyboard = append(keyboard, []telegram.Button{{Text: "✍️ Custom prompt", CallbackData: token}})
	return keyboard, nil
}

// scanNotifications handles the legacy v3 inbox: notify_*.json files
// become messages with the old auto-fix/details/dismiss buttons.
func (b *Bot) scanNotifications(ctx context.Context) {
	files, err := spool.List(b.paths.Notifications(), "notify_*.json")
	if err != nil {
		b.logger.Error("failed to list notifications", "error", err)
		return
	}

	for _, path := range files {
		if b.skipBad[path] {
			continue
		}
		var n record.Notification
		if err := spool.ReadJSON(path, &n, record.NotificationRequired...); err != nil {
			if err == spool.ErrGone {
				continue
			}
			b.rejectInPlace("notification", path, err)
			continue
		}
		if err := b.handleNotification(ctx, path, &n); err != nil {
			metrics.ScanErrors.WithLabelValues("notification").Inc()
			b.logger.Error("failed to process notification", "path", path, "error", err)
		}
	}
}

func (b *Bot) handleNotification(ctx context.Context, path string, n *record.Notification) error {
	if n.CorrelationID == "" {
		// Legacy hooks predate correlation ids; mint one so the whole
		// run still traces as a unit.
		n.CorrelationID = uuid.NewString()
	}

	emoji, name := b.workspaces.Display(n.WorkspacePath)
	text := fmt.Sprintf("🔔 %s %s — session %s finished\n",
		emoji, markup.Escape(name), markup.Escape(n.SessionID))
	if n.Message != "" {
		text += markup.Escape(n.Message) + "\n"
	}

	var keyboard [][]telegram.Button
	row := []telegram.Button{}
	for _, action := range []struct{ action, label string }{
		{callback.ActionAutoFixAll, "🔧 Auto-fix"},
		{callback.ActionViewDetails, "🔍 Details"},
		{callback.ActionReject, "✖️ Dismiss"},
	} {
		token, err := b.callbacks.Create(callback.Context{
			WorkspaceID:   n.WorkspaceID,
			WorkspacePath: n.WorkspacePath,
			SessionID:     n.SessionID,
			Action:        action.action,
			CorrelationID: n.CorrelationID,
		})
		if err != nil {
			return err
		}
		row = append(row, telegram.Button{Text: action.label, CallbackData: token})
	}
	keyboard = append(keyboard, row)

	if _, err := b.transport.Send(ctx, b.cfg.Telegram.ChatID, text, keyboard); err != nil {
		return err
	}
	b.touch()
	if err := spool.Consume(path); err != nil && err != spool.ErrGone {
		return err
	}
	return nil
}

// scanCompletions drains the legacy completion queue into plain
// informational messages.
func (b *Bot) scanCompletions(ctx context.Context) {
	files, err := spool.List(b.paths.Completions(), "*.json")
	if err != nil {
		b.logger.Error("failed to list completions", "error", err)
		return
	}

	for _, path := range files {
		if b.skipBad[path] {
			continue
		}
		var n record.Notification
		if err := spool.ReadJSON(path, &n, record.NotificationRequired...); err != nil {
			if err == spool.ErrGone {
				continue
			}
			b.rejectInPlace("completion", path, err)
			continue
		}

		emoji, name := b.workspaces.Display(n.WorkspacePath)
		text := fmt.Sprintf("✅ %s %s — %s", emoji, markup.Escape(name), markup.Escape(n.Message))
		if _, err := b.transport.Send(ctx, b.cfg.Telegram.ChatID, text, nil); err != nil {
			metrics.ScanErrors.WithLabelValues("completion").Inc()
			b.logger.Error("failed to post completion", "path", path, "error", err)
			continue
		}
		b.touch()
		if err := spool.Consume(path); err != nil && err != spool.ErrGone {
			b.logger.Error("failed to consume completion", "path", path, "error", err)
		}
	}
}

// scanProgress edits tracked messages from worker progress snapshots.
// Snapshots without a tracking entry are from a prior swept run and are
// skipped silently.
func (b *Bot) scanProgress(ctx context.Context) {
	files, err := spool.List(b.paths.Progress(), "*.json")
	if err != nil {
		b.logger.Error("failed to list progress snapshots", "error", err)
		return
	}

	for _, path := range files {
		if b.skipBad[path] {
			continue
		}
		var snap record.ProgressSnapshot
		if err := spool.ReadJSON(path, &snap, "workspace_id", "session_id", "workflow_id", "stage"); err != nil {
			if err == spool.ErrGone {
				continue
			}
			b.rejectInPlace("progress", path, err)
			continue
		}

		tr, ok := b.tracking.Get(snap.WorkspaceID, snap.SessionID, snap.WorkflowID)
		if !ok {
			if snap.Stage == record.StageCompleted {
				_ = os.Remove(path)
			}
			continue
		}

		key := dedup.Key{WorkspaceID: snap.WorkspaceID, SessionID: snap.SessionID, WorkflowID: snap.WorkflowID}
		if err := b.transport.EditTracked(ctx, key, b.cfg.Telegram.ChatID, tr.MessageID, progressText(tr, &snap), nil); err != nil {
			metrics.ScanErrors.WithLabelValues("progress").Inc()
			b.logger.Error("failed to edit progress message",
				"workflow_id", snap.WorkflowID, "error", err)
			continue
		}
		b.touch()

		if snap.Stage == record.StageCompleted {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				b.logger.Error("failed to remove completed progress snapshot", "path", path, "error", err)
			}
		}
	}
}

// scanExecutions finalizes tracked messages from execution records and
// cleans the per-workflow state. Records with no tracking entry become
// a fallback notification.
func (b *Bot) scanExecutions(ctx context.Context) {
	files, err := spool.List(b.paths.Executions(), "execution_*.json")
	if err != nil {
		b.logger.Error("failed to list executions", "error", err)
		return
	}

	for _, path := range files {
		if b.skipBad[path] {
			continue
		}
		var exec record.Execution
		if err := spool.ReadJSON(path, &exec, record.ExecutionRequired...); err != nil {
			if err == spool.ErrGone {
				continue
			}
			b.rejectInPlace("execution", path, err)
			continue
		}
		if err := b.handleExecution(ctx, path, &exec); err != nil {
			metrics.ScanErrors.WithLabelValues("execution").Inc()
			b.logger.Error("failed to process execution", "path", path, "error", err)
		}
	}
}

func (b *Bot) handleExecution(ctx context.Context, path string, exec *record.Execution) error {
	key := dedup.Key{WorkspaceID: exec.WorkspaceID, SessionID: exec.SessionID, WorkflowID: exec.WorkflowID}

	tr, tracked := b.tracking.Get(exec.WorkspaceID, exec.SessionID, exec.WorkflowID)
	if tracked {
		if err := b.transport.EditTracked(ctx, key, b.cfg.Telegram.ChatID, tr.MessageID, terminalText(tr, exec), nil); err != nil {
			return err
		}
		if err := b.tracking.Delete(exec.WorkspaceID, exec.SessionID, exec.WorkflowID); err != nil {
			b.logger.Error("failed to delete tracking entry", "error", err)
		}
	} else {
		if _, err := b.transport.Send(ctx, b.cfg.Telegram.ChatID, recoveredText(exec), nil); err != nil {
			return err
		}
	}
	b.touch()

	// Per-workflow state ends here: dedup entry, progress snapshot,
	// execution record.
	b.dedup.Clear(key)
	progressPath := filepath.Join(b.paths.Progress(), state.ProgressName(exec.WorkspaceID, exec.SessionID, exec.WorkflowID))
	if err := os.Remove(progressPath); err != nil && !os.IsNotExist(err) {
		b.logger.Error("failed to remove progress snapshot", "path", progressPath, "error", err)
	}
	if err := spool.Consume(path); err != nil && err != spool.ErrGone {
		return err
	}
	return nil
}

// rejectInPlace logs a diagnosable parse failure once and leaves the
// file for human inspection.
func (b *Bot) rejectInPlace(scanner, path string, err error) {
	b.skipBad[path] = true
	metrics.ScanErrors.WithLabelValues(scanner).Inc()
	b.logger.Error("rejecting unreadable spool file in place",
		"scanner", scanner, "path", path, "error", err)
}
