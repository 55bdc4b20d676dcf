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

// Package state defines the on-disk layout shared by the bus, the worker
// and external session hooks. All inter-process communication happens
// through these directories.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known names under the state root.
const (
	RegistryFile  = "registry.json"
	WorkflowsFile = "workflows.json"
	PIDFile       = "bot.pid"
	EventsDB      = "events.db"
	MarkerFile    = "autofix-in-progress.json"

	SummariesDir     = "summaries"
	SelectionsDir    = "selections"
	ExecutionsDir    = "executions"
	ProgressDir      = "progress"
	TrackingDir      = "tracking"
	DedupDir         = "dedup"
	CallbacksDir     = "callbacks"
	NotificationsDir = "notifications" // legacy v3 inbox
	ApprovalsDir     = "approvals"     // legacy v3 queue
	CompletionsDir   = "completions"   // legacy v3 queue
	LogsDir          = "logs"
)

// Paths resolves locations under a single state root directory.
type Paths struct {
	Root string
}

// New returns path helpers rooted at dir.
func New(dir string) Paths {
	return Paths{Root: dir}
}

// DefaultRoot returns the state root, honoring RELAY_STATE_DIR and
// falling back to ~/.local/state/relay.
func DefaultRoot() (string, error) {
	if dir := os.Getenv("RELAY_STATE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "state", "relay"), nil
}

func (p Paths) Registry() string      { return filepath.Join(p.Root, RegistryFile) }
func (p Paths) Workflows() string     { return filepath.Join(p.Root, WorkflowsFile) }
func (p Paths) PID() string           { return filepath.Join(p.Root, PIDFile) }
func (p Paths) Events() string        { return filepath.Join(p.Root, EventsDB) }
func (p Paths) Marker() string        { return filepath.Join(p.Root, MarkerFile) }
func (p Paths) Summaries() string     { return filepath.Join(p.Root, SummariesDir) }
func (p Paths) Selections() string    { return filepath.Join(p.Root, SelectionsDir) }
func (p Paths) Executions() string    { return filepath.Join(p.Root, ExecutionsDir) }
func (p Paths) Progress() string      { return filepath.Join(p.Root, ProgressDir) }
func (p Paths) Tracking() string      { return filepath.Join(p.Root, TrackingDir) }
func (p Paths) Dedup() string         { return filepath.Join(p.Root, DedupDir) }
func (p Paths) Callbacks() string     { return filepath.Join(p.Root, CallbacksDir) }
func (p Paths) Notifications() string { return filepath.Join(p.Root, NotificationsDir) }
func (p Paths) Approvals() string     { return filepath.Join(p.Root, ApprovalsDir) }
func (p Paths) Completions() string   { return filepath.Join(p.Root, CompletionsDir) }
func (p Paths) Logs() string          { return filepath.Join(p.Root, LogsDir) }

// WorkerLog is the append-only file that detached worker processes
// redirect stdout/stderr into.
func (p Paths) WorkerLog() string { return filepath.Join(p.Logs(), "worker.log") }

// EnsureDirs creates the state root and all spool directories with
// restrictive permissions.
func (p Paths) EnsureDirs() error {
	dirs := []string{
		p.Root,
		p.Summaries(),
		p.Selections(),
		p.Executions(),
		p.Progress(),
		p.Tracking(),
		p.Dedup(),
		p.Callbacks(),
		p.Notifications(),
		p.Approvals(),
		p.Completions(),
		p.Logs(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", dir, err)
		}
	}
	return nil
}

// TrackingName builds the tracking filename for one workflow instance.
func TrackingName(workspaceHash, sessionID, workflowID string) string {
	return fmt.Sprintf("%s_%s_%s_tracking.json", workspaceHash, sessionID, workflowID)
}

// ProgressName builds the progress filename for one workflow instance.
func ProgressName(workspaceHash, sessionID, workflowID string) string {
	return fmt.Sprintf("%s_%s_%s.json", workspaceHash, sessionID, workflowID)
}

// ExecutionName builds the execution filename for one workflow invocation.
func ExecutionName(sessionID, workspaceHash, workflowID string) string {
	return fmt.Sprintf("execution_%s_%s_%s.json", sessionID, workspaceHash, workflowID)
}

// SelectionName builds the selection filename for one menu choice.
func SelectionName(sessionID, workspaceHash string) string {
	return fmt.Sprintf("selection_%s_%s.json", sessionID, workspaceHash)
}

// SummaryName builds the summary filename the session hook writes.
func SummaryName(sessionID, workspaceHash string) string {
	return fmt.Sprintf("summary_%s_%s.json", sessionID, workspaceHash)
}
