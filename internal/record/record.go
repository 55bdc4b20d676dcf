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

// Package record defines the JSON documents exchanged through the spool
// directories. Every record is written atomically (temp file, fsync,
// rename); rename is the commit operation. Filenames encode routing keys
// for human inspection only — consumers never trust ordering.
package record

// GitStatus summarises the repository state at session end.
type GitStatus struct {
	Branch         string   `json:"branch"`
	ModifiedFiles  int      `json:"modified_files"`
	StagedFiles    int      `json:"staged_files"`
	UntrackedFiles int      `json:"untracked_files"`
	Porcelain      []string `json:"porcelain,omitempty"`
}

// LycheeStatus summarises link-validation results.
type LycheeStatus struct {
	ErrorCount int    `json:"error_count"`
	Details    string `json:"details,omitempty"`
}

// SessionSummary describes a just-ended development session.
// Produced by the external session hook, consumed by the bus.
type SessionSummary struct {
	CorrelationID    string         `json:"correlation_id"`
	WorkspacePath    string         `json:"workspace_path"`
	WorkspaceID      string         `json:"workspace_id"`
	SessionID        string         `json:"session_id"`
	Timestamp        string         `json:"timestamp"`
	DurationSeconds  float64        `json:"duration_seconds"`
	RepositoryRoot   string         `json:"repository_root,omitempty"`
	WorkingDirectory string         `json:"working_directory,omitempty"`
	GitStatus        GitStatus      `json:"git_status"`
	LycheeStatus     LycheeStatus   `json:"lychee_status"`
	LastUserPrompt   string         `json:"last_user_prompt,omitempty"`
	LastResponse     string         `json:"last_response,omitempty"`
	TranscriptPath   string         `json:"transcript_path,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SummaryRequired lists the fields a summary must carry to be accepted.
// A file missing any of them is rejected in place for human inspection.
var SummaryRequired = []string{"workspace_path", "workspace_id", "session_id", "correlation_id"}

// Selection is the bus→worker handoff for a chosen workflow set.
// The summary is embedded so the worker does not depend on the summary
// file still existing.
type Selection struct {
	WorkspacePath string         `json:"workspace_path"`
	WorkspaceID   string         `json:"workspace_id"` // workspace hash, never a registry id
	SessionID     string         `json:"session_id"`
	Workflows     []string       `json:"workflows"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     string         `json:"timestamp"`
	SummaryData   SessionSummary `json:"summary_data"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SelectionRequired lists the fields a selection must carry.
var SelectionRequired = []string{"workspace_path", "workspace_id", "session_id", "workflows"}

// Progress stage names, written by the worker in order. Each stage has a
// canonical percent; the bus renders whatever it reads.
const (
	StageStarting  = "starting"
	StageRendering = "rendering"
	StageExecuting = "executing"
	StageWaiting   = "waiting"
	StageCompleted = "completed"
)

// StagePercent maps each stage to its canonical progress percent.
var StagePercent = map[string]int{
	StageStarting:  0,
	StageRendering: 25,
	StageExecuting: 50,
	StageWaiting:   75,
	StageCompleted: 100,
}

// Progress statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ProgressSnapshot is overwritten in place at each worker state
// transition. The bus deletes it once stage is completed.
type ProgressSnapshot struct {
	WorkspaceID     string `json:"workspace_id"`
	SessionID       string `json:"session_id"`
	WorkflowID      string `json:"workflow_id"`
	Status          string `json:"status"`
	Stage           string `json:"stage"`
	ProgressPercent int    `json:"progress_percent"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// Execution outcome statuses.
const (
	ExecSuccess = "success"
	ExecError   = "error"
	ExecTimeout = "timeout"
)

// Execution is the worker's final record for one workflow invocation,
// written exactly once.
type Execution struct {
	WorkspaceID       string         `json:"workspace_id"`
	WorkspacePath     string         `json:"workspace_path,omitempty"`
	SessionID         string         `json:"session_id"`
	WorkflowID        string         `json:"workflow_id"`
	WorkflowName      string         `json:"workflow_name,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	Status            string         `json:"status"`
	ExitCode          int            `json:"exit_code"`
	DurationSeconds   float64        `json:"duration_seconds"`
	Stdout            string         `json:"stdout,omitempty"`
	Stderr            string         `json:"stderr,omitempty"`
	HeadlessSessionID string         `json:"headless_session_id,omitempty"`
	Timestamp         string         `json:"timestamp"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// ExecutionRequired lists the fields an execution must carry.
var ExecutionRequired = []string{"workspace_id", "session_id", "workflow_id", "status"}

// Tracking links a live workflow instance to the chat message that is
// edited through its life. Bus-private: created at selection, deleted at
// execution consumption, TTL-swept after 30 minutes.
type Tracking struct {
	MessageID        int    `json:"message_id"`
	WorkspaceID      string `json:"workspace_id"` // workspace hash
	RepositoryRoot   string `json:"repository_root,omitempty"`
	WorkingDirectory string `json:"working_directory,omitempty"`
	GitBranch        string `json:"git_branch,omitempty"`
	GitModified      int    `json:"git_modified"`
	GitStaged        int    `json:"git_staged"`
	GitUntracked     int    `json:"git_untracked"`
	WorkflowName     string `json:"workflow_name"`
	SessionID        string `json:"session_id"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	LastResponse     string `json:"last_response,omitempty"`
}

// Marker is the anti-feedback singleton. While the marker file exists the
// external session hook must not emit summaries for the session named
// inside it. The hook reads only session_id and workspace_path.
type Marker struct {
	SessionID       string `json:"session_id"`
	WorkspacePath   string `json:"workspace_path"`
	WorkflowID      string `json:"workflow_id"`
	WorkflowName    string `json:"workflow_name"`
	StartedAt       string `json:"started_at"`
	OrchestratorPID int    `json:"orchestrator_pid"`
	CorrelationID   string `json:"correlation_id"`
}

// Legacy v3 notification, kept for backward compatibility with older
// session hooks that predate the summary format.
type Notification struct {
	WorkspacePath string         `json:"workspace_path"`
	WorkspaceID   string         `json:"workspace_id"`
	SessionID     string         `json:"session_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     string         `json:"timestamp,omitempty"`
	Message       string         `json:"message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NotificationRequired lists the fields a legacy notification must carry.
var NotificationRequired = []string{"workspace_path", "session_id"}

// Approval is the legacy v3 bus→worker record for the auto_fix_all path.
type Approval struct {
	WorkspacePath string `json:"workspace_path"`
	WorkspaceID   string `json:"workspace_id"`
	SessionID     string `json:"session_id"`
	Action        string `json:"action"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}
