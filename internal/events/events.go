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

// Package events is the append-only structured event log shared by the
// bus and the worker. Write failures propagate to the caller — tracing
// data is never silently dropped.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Hierarchical event names used across the system.
const (
	BotStarted            = "bot.started"
	BotShutdown           = "bot.shutdown"
	SummaryReceived       = "summary.received"
	SummaryProcessed      = "summary.processed"
	SelectionCreated      = "selection.created"
	OrchestratorStarted   = "orchestrator.started"
	OrchestratorCompleted = "orchestrator.completed"
	OrchestratorFailed    = "orchestrator.failed"
	WorkflowStarted       = "workflow.started"
	CLIStarted            = "claude_cli.started"
	CLIHeartbeat          = "claude_cli.heartbeat"
	CLICompleted          = "claude_cli.completed"
	CLITimeout            = "claude_cli.timeout"
	CLIKilled             = "claude_cli.killed"
	ExecutionCreated      = "execution.created"
)

// Event is one log record.
type Event struct {
	CorrelationID string         `json:"correlation_id"`
	WorkspaceID   string         `json:"workspace_id"`
	SessionID     string         `json:"session_id"`
	Component     string         `json:"component"`
	EventType     string         `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Log is a SQLite-backed append-only event store.
type Log struct {
	db *sql.DB
}

// Open opens (and migrates) the event database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	// SQLite serializes writes; a single connection avoids lock churn
	// between the bus and concurrent workers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to event log: %w", err)
	}

	l := &Log{db: db}
	if err := l.configure(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := l.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) configure(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := l.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (l *Log) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL DEFAULT '',
		workspace_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		component TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_correlation ON events(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(workspace_id, session_id);`

	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate event log: %w", err)
	}
	return nil
}

// Append writes one event. The error is returned to the caller; event
// logging is fail-fast by contract.
func (l *Log) Append(ctx context.Context, ev Event) error {
	if ev.Component == "" || ev.EventType == "" {
		return fmt.Errorf("event requires component and event_type")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var metadata any
	if len(ev.Metadata) > 0 {
		raw, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(raw)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (correlation_id, workspace_id, session_id, component, event_type, timestamp, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.CorrelationID, ev.WorkspaceID, ev.SessionID, ev.Component, ev.EventType,
		ev.Timestamp.Format(time.RFC3339Nano), metadata)
	if err != nil {
		return fmt.Errorf("failed to append event %s: %w", ev.EventType, err)
	}
	return nil
}

// Recent returns the newest events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT correlation_id, workspace_id, session_id, component, event_type, timestamp, metadata
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var ts string
		var metadata sql.NullString
		if err := rows.Scan(&ev.CorrelationID, &ev.WorkspaceID, &ev.SessionID,
			&ev.Component, &ev.EventType, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse event timestamp %q: %w", ts, err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
