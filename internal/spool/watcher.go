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

package spool

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watcher accelerates the polling scanners: a rename or create in a
// watched spool directory nudges the Wake channel so the next scan runs
// immediately instead of waiting out the poll interval. Polling remains
// the source of truth — a lost inotify event only costs latency.
type Watcher struct {
	fs     *fsnotify.Watcher
	wake   chan struct{}
	logger *slog.Logger
}

// NewWatcher watches the given directories. A nil Watcher is returned
// together with the error when inotify is unavailable; callers fall back
// to pure polling.
func NewWatcher(logger *slog.Logger, dirs ...string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fs:     fs,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
	go w.loop()
	return w, nil
}

// Wake delivers at most one pending nudge; receivers drain it and scan.
func (w *Watcher) Wake() <-chan struct{} {
	return w.wake
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Rename is the commit operation for spool writes; Create
			// covers producers that write directly.
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default: // a nudge is already pending
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Debug("spool watcher error", "error", err)
		}
	}
}
