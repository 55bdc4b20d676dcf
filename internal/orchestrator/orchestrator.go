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

// Package orchestrator is the worker one-shot. It consumes one
// selection (or legacy approval) file, runs each chosen workflow
// through the render → spawn → wait state machine, and reports back
// to the bus purely through progress snapshots and execution records
// in the spool.
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/prompt"
	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/spool"
	"github.com/tombee/relay/internal/state"
	"github.com/tombee/relay/internal/workflow"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

const component = "orchestrator"

// defaultHeartbeat is how often a waiting worker records that the
// subprocess is still alive.
const defaultHeartbeat = 30 * time.Second

// defaultKillWait bounds how long a timed-out workflow waits for its
// killed subprocess to be reaped before abandoning it.
const defaultKillWait = 5 * time.Second

// Orchestrator runs the workflows named by one selection file.
type Orchestrator struct {
	cfg      *config.Config
	paths    state.Paths
	registry *workflow.Registry
	events   *events.Log
	logger   *slog.Logger
	tracer   trace.Tracer

	heartbeatEvery time.Duration
	killWait       time.Duration
}

// New loads the workflow registry and prepares a worker. A missing or
// invalid registry fails here, before any file is consumed.
func New(cfg *config.Config, paths state.Paths, eventLog *events.Log, logger *slog.Logger) (*Orchestrator, error) {
	reg, err := workflow.Load(paths.Workflows())
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:            cfg,
		paths:          paths,
		registry:       reg,
		events:         eventLog,
		logger:         logger,
		tracer:         otel.Tracer("github.com/tombee/relay/internal/orchestrator"),
		heartbeatEvery: defaultHeartbeat,
		killWait:       defaultKillWait,
	}, nil
}

// Run processes one selection or approval file, routed by filename
// prefix. The file is unlinked once parsed; from then on the embedded
// summary is the only context.
func (o *Orchestrator) Run(ctx context.Context, path string) error {
	sel, err := o.load(path)
	if err != nil {
		return err
	}

	if err := o.event(ctx, sel, "", events.OrchestratorStarted, map[string]any{
		"workflows": sel.Workflows,
	}); err != nil {
		return err
	}

	if sumErr := o.fillSummary(sel); sumErr != nil {
		// No summary context anywhere: every workflow gets an error
		// record and the assistant is never launched.
		for _, id := range sel.Workflows {
			name := id
			if m, regErr := o.registry.Get(id); regErr == nil {
				name = m.Name
			}
			if err := o.finish(ctx, sel, id, name, time.Now(), record.ExecError, -1, "", sumErr.Error()); err != nil {
				o.logger.Error("workflow failed without summary context",
					"workflow_id", id,
					"session_id", sel.SessionID,
					"error", err)
			}
		}
		if err := o.event(ctx, sel, "", events.OrchestratorFailed, map[string]any{
			"failed": len(sel.Workflows),
		}); err != nil {
			return err
		}
		return sumErr
	}

	o.warnDependencies(sel)

	var failed int
	for _, id := range sel.Workflows {
		if err := o.runWorkflow(ctx, sel, id); err != nil {
			failed++
			o.logger.Error("workflow run failed",
				"workflow_id", id,
				"session_id", sel.SessionID,
				"error", err)
		}
	}

	if failed > 0 {
		if err := o.event(ctx, sel, "", events.OrchestratorFailed, map[string]any{
			"failed": failed,
		}); err != nil {
			return err
		}
		return fmt.Errorf("%d of %d workflows failed", failed, len(sel.Workflows))
	}
	return o.event(ctx, sel, "", events.OrchestratorCompleted, nil)
}

// load parses and consumes the input file. Selections are taken as-is;
// legacy approvals are upgraded to a selection over the registry's
// link-fix workflows.
func (o *Orchestrator) load(path string) (*record.Selection, error) {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "selection_"):
		var sel record.Selection
		if err := spool.ReadJSON(path, &sel, record.SelectionRequired...); err != nil {
			return nil, err
		}
		o.consumeInput(path)
		return &sel, nil

	case strings.HasPrefix(base, "approval_"):
		var ap record.Approval
		if err := spool.ReadJSON(path, &ap, "workspace_path", "session_id"); err != nil {
			return nil, err
		}
		o.consumeInput(path)
		return o.selectionFromApproval(&ap), nil

	default:
		return nil, &relayerrors.ValidationError{
			Field:   "path",
			Message: fmt.Sprintf("unrecognized input file %q: expected selection_* or approval_*", base),
		}
	}
}

func (o *Orchestrator) consumeInput(path string) {
	if err := spool.Consume(path); err != nil {
		// Already consumed by a racing sweep; the parsed copy is ours.
		o.logger.Warn("failed to consume input file", "path", path, "error", err)
	}
}

// fillSummary recovers summary context for old-format selections that
// did not embed it, by re-reading the summary file by name. A selection
// with no summary anywhere cannot render its templates honestly, so a
// double miss is fatal to the run.
func (o *Orchestrator) fillSummary(sel *record.Selection) error {
	if sel.SummaryData.SessionID != "" {
		return nil
	}
	path := filepath.Join(o.paths.Summaries(), state.SummaryName(sel.SessionID, sel.WorkspaceID))
	var sum record.SessionSummary
	if err := spool.ReadJSON(path, &sum, record.SummaryRequired...); err != nil {
		return fmt.Errorf("selection embeds no summary and %s is gone: %w", filepath.Base(path), err)
	}
	sel.SummaryData = sum
	return nil
}

// selectionFromApproval maps the legacy auto-fix approval onto the
// registry's lychee-triggered workflows, in id order.
func (o *Orchestrator) selectionFromApproval(ap *record.Approval) *record.Selection {
	if ap.CorrelationID == "" {
		// The bus propagates its correlation id through the environment
		// when spawning on a legacy input.
		ap.CorrelationID = os.Getenv("RELAY_CORRELATION_ID")
	}
	if ap.CorrelationID == "" {
		// Legacy hooks predate correlation ids; mint one so the whole
		// run still traces as a unit.
		ap.CorrelationID = uuid.NewString()
	}

	sum := record.SessionSummary{
		CorrelationID: ap.CorrelationID,
		WorkspacePath: ap.WorkspacePath,
		WorkspaceID:   ap.WorkspaceID,
		SessionID:     ap.SessionID,
		// Legacy approvals predate summary stats; claim one error so
		// lychee-triggered templates that branch on the count render.
		LycheeStatus: record.LycheeStatus{ErrorCount: 1},
	}

	var ids []string
	for _, e := range workflow.Filter(o.registry, &sum) {
		if e.Manifest.Triggers.LycheeErrors {
			ids = append(ids, e.ID)
		}
	}

	return &record.Selection{
		WorkspacePath: ap.WorkspacePath,
		WorkspaceID:   ap.WorkspaceID,
		SessionID:     ap.SessionID,
		Workflows:     ids,
		CorrelationID: ap.CorrelationID,
		Timestamp:     ap.Timestamp,
		SummaryData:   sum,
	}
}

// warnDependencies flags manifests that declare ordering constraints.
// Execution order stays exactly as received; the field is parsed so the
// file format survives a future topological-sort implementation.
func (o *Orchestrator) warnDependencies(sel *record.Selection) {
	for _, id := range sel.Workflows {
		m, err := o.registry.Get(id)
		if err != nil || len(m.Dependencies) == 0 {
			continue
		}
		o.logger.Warn("workflow declares dependencies; not enforced, executing in input order",
			"workflow_id", id,
			"dependencies", m.Dependencies)
	}
}

// runWorkflow drives one workflow through the state machine:
// starting → rendering → executing → waiting → completed.
func (o *Orchestrator) runWorkflow(ctx context.Context, sel *record.Selection, id string) error {
	ctx, span := o.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", id),
		attribute.String("session.id", sel.SessionID),
		attribute.String("workspace.id", sel.WorkspaceID),
	))
	defer span.End()

	started := time.Now()

	manifest, err := o.registry.Get(id)
	if err != nil {
		return o.finish(ctx, sel, id, id, started, record.ExecError, -1, "", err.Error())
	}

	if err := o.event(ctx, sel, id, events.WorkflowStarted, nil); err != nil {
		return err
	}
	if err := o.progress(sel, id, record.StageStarting, record.StatusRunning, "Starting "+manifest.Name); err != nil {
		return err
	}

	if err := o.progress(sel, id, record.StageRendering, record.StatusRunning, "Rendering prompt"); err != nil {
		return err
	}
	promptText, err := prompt.Render(manifest.PromptTemplate, prompt.Context{
		WorkspacePath: sel.WorkspacePath,
		SessionID:     sel.SessionID,
		CorrelationID: sel.CorrelationID,
		GitStatus:     sel.SummaryData.GitStatus,
		LycheeStatus:  sel.SummaryData.LycheeStatus,
	})
	if err != nil {
		// Render failure never reaches the subprocess.
		return o.finish(ctx, sel, id, manifest.Name, started, record.ExecError, -1, "", err.Error())
	}

	if err := o.progress(sel, id, record.StageExecuting, record.StatusRunning, "Launching assistant"); err != nil {
		return err
	}

	res, err := o.invoke(ctx, sel, id, manifest.Name, promptText)
	if err != nil {
		return err
	}

	status := record.ExecSuccess
	switch {
	case res.TimedOut:
		status = record.ExecTimeout
	case res.ExitCode != 0:
		status = record.ExecError
	}
	return o.finish(ctx, sel, id, manifest.Name, started, status, res.ExitCode, res.Stdout, res.Stderr)
}

type cliResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// invoke spawns the assistant subprocess in the workspace directory and
// waits for it, bounded by the configured timeout. The anti-feedback
// marker exists exactly while the child may be running.
func (o *Orchestrator) invoke(ctx context.Context, sel *record.Selection, id, name, promptText string) (cliResult, error) {
	marker := record.Marker{
		SessionID:       sel.SessionID,
		WorkspacePath:   sel.WorkspacePath,
		WorkflowID:      id,
		WorkflowName:    name,
		StartedAt:       time.Now().UTC().Format(time.RFC3339),
		OrchestratorPID: os.Getpid(),
		CorrelationID:   sel.CorrelationID,
	}
	if err := spool.WriteJSON(o.paths.Marker(), marker); err != nil {
		return cliResult{}, fmt.Errorf("failed to write anti-feedback marker: %w", err)
	}
	defer func() {
		if err := os.Remove(o.paths.Marker()); err != nil && !os.IsNotExist(err) {
			o.logger.Error("failed to remove anti-feedback marker", "error", err)
		}
	}()

	cmd := exec.Command(o.cfg.Claude.Binary, "-p", promptText, "--output-format", "json")
	cmd.Dir = sel.WorkspacePath
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return cliResult{ExitCode: -1, Stderr: err.Error()}, nil
	}
	if err := o.event(ctx, sel, id, events.CLIStarted, map[string]any{"pid": cmd.Process.Pid}); err != nil {
		// The child is already running; kill it rather than leak it.
		cmd.Process.Kill()
		cmd.Wait()
		return cliResult{}, err
	}

	if err := o.progress(sel, id, record.StageWaiting, record.StatusRunning, "Waiting for assistant"); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return cliResult{}, err
	}

	stopBeat := make(chan struct{})
	go o.heartbeat(ctx, sel, id, stopBeat)
	defer close(stopBeat)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := o.cfg.Claude.Timeout()
	select {
	case waitErr := <-done:
		res := cliResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode(waitErr)}
		if waitErr != nil && res.Stderr == "" {
			res.Stderr = waitErr.Error()
		}
		if err := o.event(ctx, sel, id, events.CLICompleted, map[string]any{"exit_code": res.ExitCode}); err != nil {
			return cliResult{}, err
		}
		return res, nil

	case <-time.After(timeout):
		if killErr := cmd.Process.Kill(); killErr != nil {
			o.logger.Error("failed to kill timed-out subprocess", "pid", cmd.Process.Pid, "error", killErr)
		} else if err := o.event(ctx, sel, id, events.CLIKilled, map[string]any{"pid": cmd.Process.Pid}); err != nil {
			return cliResult{}, err
		}

		res := cliResult{
			Stderr:   fmt.Sprintf("Process exceeded %d-second timeout", o.cfg.Claude.TimeoutSeconds),
			ExitCode: -1,
			TimedOut: true,
		}
		// Reaping can outlive the kill: the kill itself may fail, or an
		// orphaned grandchild may hold the stdout pipe open. Bound the
		// wait so the timeout record is always written. When the wait is
		// abandoned the copier may still be writing, so stdout stays out
		// of the record.
		select {
		case <-done:
			res.Stdout = stdout.String()
		case <-time.After(o.killWait):
			o.logger.Error("subprocess not reaped after kill, abandoning wait", "pid", cmd.Process.Pid)
		}
		if err := o.event(ctx, sel, id, events.CLITimeout, map[string]any{"timeout_seconds": o.cfg.Claude.TimeoutSeconds}); err != nil {
			return cliResult{}, err
		}
		return res, nil
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if relayerrors.As(waitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// heartbeat records liveness while the subprocess runs.
func (o *Orchestrator) heartbeat(ctx context.Context, sel *record.Selection, id string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.event(ctx, sel, id, events.CLIHeartbeat, nil); err != nil {
				o.logger.Warn("failed to record heartbeat", "error", err)
			}
		case <-stop:
			return
		}
	}
}

// finish writes the execution record and the terminal progress
// snapshot, exactly once per workflow invocation.
func (o *Orchestrator) finish(ctx context.Context, sel *record.Selection, id, name string, started time.Time, status string, exitCode int, stdout, stderr string) error {
	summary := summarize(stdout, stderr, status != record.ExecSuccess)

	rec := record.Execution{
		WorkspaceID:     sel.WorkspaceID,
		WorkspacePath:   sel.WorkspacePath,
		SessionID:       sel.SessionID,
		WorkflowID:      id,
		WorkflowName:    name,
		CorrelationID:   sel.CorrelationID,
		Status:          status,
		ExitCode:        exitCode,
		DurationSeconds: time.Since(started).Seconds(),
		Stdout:          stdout,
		Stderr:          stderr,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(o.paths.Executions(), state.ExecutionName(sel.SessionID, sel.WorkspaceID, id))
	if err := spool.WriteJSON(path, rec); err != nil {
		return fmt.Errorf("failed to write execution record: %w", err)
	}
	if err := o.event(ctx, sel, id, events.ExecutionCreated, map[string]any{
		"status":    status,
		"exit_code": exitCode,
	}); err != nil {
		return err
	}

	progressStatus := record.StatusCompleted
	if status != record.ExecSuccess {
		progressStatus = record.StatusError
	}
	if err := o.progress(sel, id, record.StageCompleted, progressStatus, summary); err != nil {
		return err
	}

	if status != record.ExecSuccess {
		return fmt.Errorf("workflow %s finished with status %s: %s", id, status, summary)
	}
	return nil
}

// progress overwrites the snapshot for this workflow instance with the
// canonical percent for the stage.
func (o *Orchestrator) progress(sel *record.Selection, id, stage, status, message string) error {
	snap := record.ProgressSnapshot{
		WorkspaceID:     sel.WorkspaceID,
		SessionID:       sel.SessionID,
		WorkflowID:      id,
		Status:          status,
		Stage:           stage,
		ProgressPercent: record.StagePercent[stage],
		Message:         message,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(o.paths.Progress(), state.ProgressName(sel.WorkspaceID, sel.SessionID, id))
	if err := spool.WriteJSON(path, snap); err != nil {
		return fmt.Errorf("failed to write progress snapshot: %w", err)
	}
	return nil
}

func (o *Orchestrator) event(ctx context.Context, sel *record.Selection, workflowID, eventType string, metadata map[string]any) error {
	if workflowID != "" {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata["workflow_id"] = workflowID
	}
	return o.events.Append(ctx, events.Event{
		CorrelationID: sel.CorrelationID,
		WorkspaceID:   sel.WorkspaceID,
		SessionID:     sel.SessionID,
		Component:     component,
		EventType:     eventType,
		Metadata:      metadata,
	})
}
