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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tombee/relay/internal/callback"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/lifecycle"
	"github.com/tombee/relay/internal/markup"
	"github.com/tombee/relay/internal/metrics"
	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/spool"
	"github.com/tombee/relay/internal/state"
	"github.com/tombee/relay/internal/telegram"
)

// lycheeResultsFile is the sidecar report the session hook leaves in the
// workspace; view_details reads it on demand.
const lycheeResultsFile = ".lychee-results.json"

// handleCallback routes one button press. Every path answers the user:
// expired tokens edit the menu in place, unknown actions get a reply.
func (b *Bot) handleCallback(ctx context.Context, ev telegram.CallbackEvent) {
	b.touch()
	b.logger.Info("callback received", "from", ev.From, "message_id", ev.MessageID)

	cctx, err := b.callbacks.Resolve(ev.Token)
	if err != nil {
		b.logger.Warn("callback token unresolvable", "token", ev.Token, "error", err)
		if editErr := b.transport.Edit(ctx, ev.ChatID, ev.MessageID,
			"⌛ This menu has expired\\. A new session summary will produce a fresh one\\.", nil); editErr != nil {
			b.logger.Error("failed to expire menu message", "error", editErr)
		}
		// The dead token resolves to no ids; the event still records
		// that the press was seen and declined.
		if evErr := b.event(ctx, events.SummaryProcessed, "", "", "", map[string]any{
			"processed": false,
			"reason":    "expired",
			"token":     ev.Token,
		}); evErr != nil {
			b.logger.Error("failed to record expired-token event", "error", evErr)
		}
		return
	}

	switch {
	case strings.HasPrefix(cctx.Action, callback.WorkflowPrefix):
		b.selectWorkflow(ctx, ev, cctx, strings.TrimPrefix(cctx.Action, callback.WorkflowPrefix))

	case cctx.Action == callback.ActionCustomPrompt:
		// Not wired to the worker yet; say so instead of dropping the press.
		if _, err := b.transport.Reply(ctx, ev.ChatID, ev.MessageID,
			"✍️ Custom prompts are not implemented yet\\."); err != nil {
			b.logger.Error("failed to reply to custom prompt", "error", err)
		}

	case cctx.Action == callback.ActionViewDetails:
		b.viewDetails(ctx, ev, cctx)

	case cctx.Action == callback.ActionAutoFixAll:
		b.autoFixAll(ctx, ev, cctx)

	case cctx.Action == callback.ActionReject:
		if err := b.transport.Edit(ctx, ev.ChatID, ev.MessageID, "✖️ Dismissed", nil); err != nil {
			b.logger.Error("failed to edit dismissed message", "error", err)
		}
		if err := b.event(ctx, events.SummaryProcessed, cctx.CorrelationID, cctx.WorkspaceID, cctx.SessionID, map[string]any{
			"action": "reject",
		}); err != nil {
			b.logger.Error("failed to record reject event", "error", err)
		}

	default:
		b.logger.Warn("unknown callback action", "action", cctx.Action)
		if _, err := b.transport.Reply(ctx, ev.ChatID, ev.MessageID, "Unknown action\\."); err != nil {
			b.logger.Error("failed to reply to unknown action", "error", err)
		}
	}
}

// selectWorkflow writes the selection record, replaces the menu with a
// tracked progress message and spawns a detached worker on it.
func (b *Bot) selectWorkflow(ctx context.Context, ev telegram.CallbackEvent, cctx callback.Context, workflowID string) {
	manifest, err := b.registry.Get(workflowID)
	if err != nil {
		b.logger.Error("selected workflow not in registry", "workflow_id", workflowID, "error", err)
		if _, rerr := b.transport.Reply(ctx, ev.ChatID, ev.MessageID,
			"❌ Workflow "+markup.Escape(workflowID)+" is no longer registered\\."); rerr != nil {
			b.logger.Error("failed to reply", "error", rerr)
		}
		return
	}

	// The summary file is consumed when the menu is posted; the cache
	// holds its content for embedding. A cache miss (bus restarted
	// between menu and press) falls back to the callback context fields.
	sum, ok := b.cachedSummary(cctx.WorkspaceID, cctx.SessionID)
	if !ok {
		sum = record.SessionSummary{
			CorrelationID: cctx.CorrelationID,
			WorkspacePath: cctx.WorkspacePath,
			WorkspaceID:   cctx.WorkspaceID,
			SessionID:     cctx.SessionID,
		}
	}

	sel := record.Selection{
		WorkspacePath: cctx.WorkspacePath,
		WorkspaceID:   cctx.WorkspaceID,
		SessionID:     cctx.SessionID,
		Workflows:     []string{workflowID},
		CorrelationID: cctx.CorrelationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		SummaryData:   sum,
	}
	selPath := filepath.Join(b.paths.Selections(), state.SelectionName(cctx.SessionID, cctx.WorkspaceID))
	if err := spool.WriteJSON(selPath, sel); err != nil {
		b.logger.Error("failed to write selection", "error", err)
		if _, rerr := b.transport.Reply(ctx, ev.ChatID, ev.MessageID, "❌ Failed to queue workflow\\."); rerr != nil {
			b.logger.Error("failed to reply", "error", rerr)
		}
		return
	}

	if err := b.event(ctx, events.SelectionCreated, cctx.CorrelationID, cctx.WorkspaceID, cctx.SessionID, map[string]any{
		"workflow_id": workflowID,
	}); err != nil {
		b.logger.Error("failed to record selection event", "error", err)
	}

	// The menu dies, a tracked progress message takes its place.
	if err := b.transport.Delete(ctx, ev.ChatID, ev.MessageID); err != nil {
		b.logger.Warn("failed to delete menu message", "error", err)
	}

	tr := record.Tracking{
		WorkspaceID:      cctx.WorkspaceID,
		SessionID:        cctx.SessionID,
		WorkflowName:     manifest.Name,
		RepositoryRoot:   sum.RepositoryRoot,
		WorkingDirectory: sum.WorkingDirectory,
		GitBranch:        sum.GitStatus.Branch,
		GitModified:      sum.GitStatus.ModifiedFiles,
		GitStaged:        sum.GitStatus.StagedFiles,
		GitUntracked:     sum.GitStatus.UntrackedFiles,
		UserPrompt:       sum.LastUserPrompt,
		LastResponse:     sum.LastResponse,
	}
	msgID, err := b.transport.Send(ctx, ev.ChatID, trackingText(tr, b.workspaces, cctx.WorkspacePath), nil)
	if err != nil {
		b.logger.Error("failed to post tracking message", "error", err)
	} else {
		tr.MessageID = msgID
		if err := b.tracking.Put(cctx.WorkspaceID, cctx.SessionID, workflowID, tr); err != nil {
			b.logger.Error("failed to persist tracking record", "error", err)
		}
	}
	b.touch()

	b.spawnWorker(ctx, selPath, cctx)
}

// autoFixAll handles the legacy button: an approval record instead of a
// selection, same worker handoff.
func (b *Bot) autoFixAll(ctx context.Context, ev telegram.CallbackEvent, cctx callback.Context) {
	ap := record.Approval{
		WorkspacePath: cctx.WorkspacePath,
		WorkspaceID:   cctx.WorkspaceID,
		SessionID:     cctx.SessionID,
		Action:        callback.ActionAutoFixAll,
		CorrelationID: cctx.CorrelationID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(b.paths.Approvals(), "approval_"+cctx.SessionID+".json")
	if err := spool.WriteJSON(path, ap); err != nil {
		b.logger.Error("failed to write approval", "error", err)
		if _, rerr := b.transport.Reply(ctx, ev.ChatID, ev.MessageID, "❌ Failed to queue auto\\-fix\\."); rerr != nil {
			b.logger.Error("failed to reply", "error", rerr)
		}
		return
	}

	if err := b.transport.Edit(ctx, ev.ChatID, ev.MessageID, "🔧 Auto\\-fix started", nil); err != nil {
		b.logger.Warn("failed to edit notification message", "error", err)
	}
	b.touch()

	b.spawnWorker(ctx, path, cctx)
}

func (b *Bot) spawnWorker(ctx context.Context, inputPath string, cctx callback.Context) {
	sp := b.spawner
	if cctx.CorrelationID != "" {
		// Propagated so the worker can trace legacy inputs that carry
		// no correlation id of their own.
		sp = lifecycle.NewSpawner().WithEnv("RELAY_CORRELATION_ID=" + cctx.CorrelationID)
	}
	pid, err := sp.SpawnDetached(b.opts.WorkerBinary, []string{inputPath}, b.paths.WorkerLog())
	if err != nil {
		b.logger.Error("failed to spawn worker", "binary", b.opts.WorkerBinary, "error", err)
		return
	}
	metrics.WorkersSpawned.Inc()
	b.logger.Info("worker spawned",
		"binary", b.opts.WorkerBinary,
		"pid", pid,
		"input", filepath.Base(inputPath),
		"session_id", cctx.SessionID)
	if err := b.event(ctx, events.SummaryProcessed, cctx.CorrelationID, cctx.WorkspaceID, cctx.SessionID, map[string]any{
		"action": cctx.Action,
	}); err != nil {
		b.logger.Error("failed to record event", "error", err)
	}
}

// viewDetails replies with the workspace's link-error report.
func (b *Bot) viewDetails(ctx context.Context, ev telegram.CallbackEvent, cctx callback.Context) {
	path := filepath.Join(cctx.WorkspacePath, lycheeResultsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		text := "🔗 No link error details found for this workspace\\."
		if _, rerr := b.transport.Reply(ctx, ev.ChatID, ev.MessageID, text); rerr != nil {
			b.logger.Error("failed to reply", "error", rerr)
		}
		return
	}

	failMap, err := parseLycheeResults(data)
	if err != nil || len(failMap) == 0 {
		b.logger.Warn("unparseable lychee results", "path", path, "error", err)
		if _, rerr := b.transport.Reply(ctx, ev.ChatID, ev.MessageID,
			"🔗 Link error report could not be parsed\\."); rerr != nil {
			b.logger.Error("failed to reply", "error", rerr)
		}
		return
	}

	if _, err := b.transport.Reply(ctx, ev.ChatID, ev.MessageID, lycheeDetails(failMap)); err != nil {
		b.logger.Error("failed to reply with link details", "error", err)
	}
	b.touch()
}

// parseLycheeResults accepts both shapes the report has shipped with:
// a bare file→errors map, and the richer {"fail_map": {file: [{url,
// status}, ...]}} form.
func parseLycheeResults(data []byte) (map[string][]string, error) {
	var plain map[string][]string
	if err := json.Unmarshal(data, &plain); err == nil && len(plain) > 0 {
		return plain, nil
	}

	var rich struct {
		FailMap map[string][]struct {
			URL    string `json:"url"`
			Status struct {
				Text string `json:"text"`
				Code int    `json:"code"`
			} `json:"status"`
		} `json:"fail_map"`
	}
	if err := json.Unmarshal(data, &rich); err != nil {
		return nil, err
	}
	if len(rich.FailMap) == 0 {
		return nil, fmt.Errorf("no fail_map in report")
	}

	out := make(map[string][]string, len(rich.FailMap))
	for file, errs := range rich.FailMap {
		for _, e := range errs {
			line := e.URL
			if e.Status.Text != "" {
				line += " (" + e.Status.Text + ")"
			} else if e.Status.Code != 0 {
				line += fmt.Sprintf(" (HTTP %d)", e.Status.Code)
			}
			out[file] = append(out[file], line)
		}
	}
	return out, nil
}
