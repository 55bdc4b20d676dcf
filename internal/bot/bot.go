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

// Package bot is the bus: a single-goroutine event loop that turns
// session summaries into chat menus, button presses into worker
// spawns, and worker progress into message edits. All shared state
// (tracking, dedup, summary cache, activity timestamp) is touched only
// on the loop goroutine, so the package needs no locks of its own.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/tombee/relay/internal/callback"
	"github.com/tombee/relay/internal/config"
	"github.com/tombee/relay/internal/dedup"
	"github.com/tombee/relay/internal/events"
	"github.com/tombee/relay/internal/lifecycle"
	"github.com/tombee/relay/internal/record"
	"github.com/tombee/relay/internal/spool"
	"github.com/tombee/relay/internal/state"
	"github.com/tombee/relay/internal/telegram"
	"github.com/tombee/relay/internal/tracking"
	"github.com/tombee/relay/internal/workflow"
	"github.com/tombee/relay/internal/workspace"
	"github.com/tombee/relay/schemas"
)

const component = "bot"

// Transport is the outbound chat surface the bus drives. Implemented
// by *telegram.Client; tests substitute a recorder.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string, keyboard [][]telegram.Button) (int, error)
	Reply(ctx context.Context, chatID int64, replyTo int, text string) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]telegram.Button) error
	EditTracked(ctx context.Context, key dedup.Key, chatID int64, messageID int, text string, keyboard [][]telegram.Button) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	Updates(ctx context.Context) <-chan telegram.CallbackEvent
}

// Options tune loop cadence and worker spawning. Zero values take the
// standard intervals.
type Options struct {
	// WorkerBinary is the worker executable. Default: "relayworker"
	// next to the current executable, falling back to PATH lookup.
	WorkerBinary string

	MenuPoll     time.Duration // summaries + legacy inboxes, default 5s
	ProgressPoll time.Duration // progress snapshots, default 2s
	ExecPoll     time.Duration // execution records, default 5s
	IdleCheck    time.Duration // idle timer granularity, default 30s
	SweepEvery   time.Duration // TTL sweeps, default 5m
}

func (o *Options) applyDefaults() {
	if o.MenuPoll <= 0 {
		o.MenuPoll = 5 * time.Second
	}
	if o.ProgressPoll <= 0 {
		o.ProgressPoll = 2 * time.Second
	}
	if o.ExecPoll <= 0 {
		o.ExecPoll = 5 * time.Second
	}
	if o.IdleCheck <= 0 {
		o.IdleCheck = 30 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = 5 * time.Minute
	}
	if o.WorkerBinary == "" {
		o.WorkerBinary = defaultWorkerBinary()
	}
}

func defaultWorkerBinary() string {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "relayworker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return "relayworker"
}

// Bot is the bus. Construct with New, drive with Run.
type Bot struct {
	cfg       *config.Config
	paths     state.Paths
	logger    *slog.Logger
	transport Transport
	events    *events.Log
	opts      Options

	registry   *workflow.Registry
	workspaces *workspace.Registry
	tracking   *tracking.Store
	dedup      *dedup.Store
	callbacks  *callback.Store

	// summaries caches consumed session summaries by hash/session so
	// callback handling can embed them after the file is gone.
	summaries *gocache.Cache

	lock    *lifecycle.Lock
	spawner *lifecycle.Spawner
	watcher *spool.Watcher

	lastActivity time.Time

	// skipBad remembers rejected-in-place files so each is logged once,
	// not on every scan pass.
	skipBad map[string]bool
}

// New runs the startup sequence: PID lock, registry load (fail-fast),
// tracking restore, state sweeps. On any error the lock is released and
// no state has been consumed. store must be the same dedup store the
// transport consults as its edit gate: completion cleanup clears the
// entry from both tiers, and a second instance over the same directory
// would keep a stale memory tier alive.
func New(cfg *config.Config, paths state.Paths, transport Transport, store *dedup.Store, eventLog *events.Log, logger *slog.Logger, opts Options) (*Bot, error) {
	opts.applyDefaults()

	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	publishSchemas(paths, logger)

	lock := lifecycle.NewLock(paths.PID())
	if err := lock.Acquire(); err != nil {
		return nil, err
	}

	b := &Bot{
		cfg:       cfg,
		paths:     paths,
		logger:    logger,
		transport: transport,
		events:    eventLog,
		opts:      opts,
		tracking:  tracking.NewStore(paths.Tracking(), logger),
		dedup:     store,
		callbacks: callback.NewStore(paths.Callbacks()),
		summaries: gocache.New(dedup.TTL, 10*time.Minute),
		lock:      lock,
		spawner:   lifecycle.NewSpawner(),
		skipBad:   make(map[string]bool),
	}

	reg, err := workflow.Load(paths.Workflows())
	if err != nil {
		lock.Release()
		return nil, err
	}
	b.registry = reg

	ws, err := workspace.LoadRegistry(paths.Registry())
	if err != nil {
		lock.Release()
		return nil, err
	}
	b.workspaces = ws

	restored, err := b.tracking.Restore()
	if err != nil {
		lock.Release()
		return nil, err
	}
	if restored > 0 {
		logger.Info("restored live workflow tracking", "count", restored)
	}

	if removed, err := b.dedup.Sweep(); err != nil {
		logger.Warn("dedup sweep failed", "error", err)
	} else if removed > 0 {
		logger.Debug("swept stale dedup entries", "count", removed)
	}
	if removed, err := b.callbacks.Sweep(); err != nil {
		logger.Warn("callback sweep failed", "error", err)
	} else if removed > 0 {
		logger.Debug("swept stale callback state", "count", removed)
	}

	// Inotify is an accelerator only; polling still runs underneath.
	if w, err := spool.NewWatcher(logger,
		paths.Summaries(), paths.Progress(), paths.Executions(),
		paths.Notifications(), paths.Completions()); err != nil {
		logger.Warn("spool watcher unavailable, polling only", "error", err)
	} else {
		b.watcher = w
	}

	b.lastActivity = time.Now()
	return b, nil
}

// Run drives the loop until ctx is cancelled or the idle threshold is
// reached. Pending spool files from before startup are processed first.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.event(ctx, events.BotStarted, "", "", "", nil); err != nil {
		b.shutdown(ctx)
		return err
	}
	b.logger.Info("bus started",
		"pid", os.Getpid(),
		"state_dir", b.paths.Root,
		"tracked", b.tracking.Len())
	defer b.shutdown(ctx)

	// Files that arrived while the bus was down.
	b.scanExecutions(ctx)
	b.scanProgress(ctx)
	b.scanSummaries(ctx)
	b.scanNotifications(ctx)
	b.scanCompletions(ctx)

	updates := b.transport.Updates(ctx)

	menuTick := time.NewTicker(b.opts.MenuPoll)
	defer menuTick.Stop()
	progressTick := time.NewTicker(b.opts.ProgressPoll)
	defer progressTick.Stop()
	execTick := time.NewTicker(b.opts.ExecPoll)
	defer execTick.Stop()
	idleTick := time.NewTicker(b.opts.IdleCheck)
	defer idleTick.Stop()
	sweepTick := time.NewTicker(b.opts.SweepEvery)
	defer sweepTick.Stop()

	var wake <-chan struct{}
	if b.watcher != nil {
		wake = b.watcher.Wake()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-updates:
			if !ok {
				return fmt.Errorf("transport update stream closed")
			}
			b.handleCallback(ctx, ev)

		case <-wake:
			b.scanSummaries(ctx)
			b.scanNotifications(ctx)
			b.scanCompletions(ctx)
			b.scanProgress(ctx)
			b.scanExecutions(ctx)

		case <-menuTick.C:
			b.scanSummaries(ctx)
			b.scanNotifications(ctx)
			b.scanCompletions(ctx)

		case <-progressTick.C:
			b.scanProgress(ctx)

		case <-execTick.C:
			b.scanExecutions(ctx)

		case <-sweepTick.C:
			b.sweep()

		case <-idleTick.C:
			idle := time.Since(b.lastActivity)
			if idle >= b.cfg.Bus.IdleTimeout() {
				b.logger.Info("idle threshold reached, shutting down", "idle", idle.Round(time.Second))
				return nil
			}
		}
	}
}

func (b *Bot) shutdown(ctx context.Context) {
	if err := b.event(ctx, events.BotShutdown, "", "", "", nil); err != nil {
		b.logger.Error("failed to record shutdown event", "error", err)
	}
	if b.watcher != nil {
		b.watcher.Close()
	}
	if err := b.lock.Release(); err != nil {
		b.logger.Error("failed to release PID lock", "error", err)
	}
	b.logger.Info("bus stopped")
}

func (b *Bot) sweep() {
	if removed, err := b.tracking.Sweep(); err != nil {
		b.logger.Warn("tracking sweep failed", "error", err)
	} else if removed > 0 {
		b.logger.Debug("swept stale tracking entries", "count", removed)
	}
	if _, err := b.callbacks.Sweep(); err != nil {
		b.logger.Warn("callback sweep failed", "error", err)
	}
	if _, err := b.dedup.Sweep(); err != nil {
		b.logger.Warn("dedup sweep failed", "error", err)
	}
}

// touch marks activity for the idle timer: inbound transport events and
// scanner passes that produced a send.
func (b *Bot) touch() {
	b.lastActivity = time.Now()
}

func (b *Bot) event(ctx context.Context, eventType, correlationID, workspaceID, sessionID string, metadata map[string]any) error {
	return b.events.Append(ctx, events.Event{
		CorrelationID: correlationID,
		WorkspaceID:   workspaceID,
		SessionID:     sessionID,
		Component:     component,
		EventType:     eventType,
		Metadata:      metadata,
	})
}

// publishSchemas drops the embedded record schemas into the state tree:
// schema.json is a reserved spool name the scanners skip, there for hook
// authors and editors. Best effort.
func publishSchemas(paths state.Paths, logger *slog.Logger) {
	targets := map[string][]byte{
		filepath.Join(paths.Summaries(), "schema.json"):    schemas.Summary(),
		filepath.Join(paths.Root, "workflows.schema.json"): schemas.Workflows(),
	}
	for path, data := range targets {
		if err := os.WriteFile(path, data, 0600); err != nil {
			logger.Warn("failed to publish schema", "path", path, "error", err)
		}
	}
}

// summaryKey keys the in-memory summary cache.
func summaryKey(workspaceID, sessionID string) string {
	return workspaceID + "/" + sessionID
}

func (b *Bot) cacheSummary(sum *record.SessionSummary) {
	b.summaries.Set(summaryKey(sum.WorkspaceID, sum.SessionID), *sum, gocache.DefaultExpiration)
}

func (b *Bot) cachedSummary(workspaceID, sessionID string) (record.SessionSummary, bool) {
	v, ok := b.summaries.Get(summaryKey(workspaceID, sessionID))
	if !ok {
		return record.SessionSummary{}, false
	}
	sum, ok := v.(record.SessionSummary)
	return sum, ok
}
