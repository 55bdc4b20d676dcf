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

// Package lifecycle manages bus process lifecycle: the PID file lock
// that keeps a state directory single-instance, process liveness
// checks, graceful shutdown, and detached worker spawning.
//
// The PID file is the sole mutual-exclusion primitive between bus
// instances. It relies on kernel advisory locking, so a crashed owner
// releases the lock automatically; an unlocked file with stale content
// is orphan state the operator must resolve by hand.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrInvalidPID is returned when the PID file contains non-numeric data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// HeldError means another live bus instance owns the lock.
type HeldError struct {
	PID     int
	Command string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("another instance is already running (pid %d: %s)", e.PID, e.Command)
}

// StaleError means the PID file exists but no live owner holds the
// lock. It is never cleared automatically: on network filesystems a
// free lock with stale content can mean advisory locking is not
// working, and clobbering it would let two instances run.
type StaleError struct {
	PID  int
	Path string
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("stale PID file (pid %d is not running); verify no instance is alive, then remove it: rm %s", e.PID, e.Path)
}

// Lock is an exclusive whole-file advisory lock on a PID file. The
// file stays open for the lifetime of the lock.
type Lock struct {
	path string
	f    *os.File
}

// NewLock creates a lock manager for the given path. Nothing is
// acquired until Acquire.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the PID file path.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock and records the current PID. On contention it
// diagnoses the holder and returns *HeldError; a pre-existing file with
// no live locked owner yields *StaleError. State is never touched in
// either failure case.
func (l *Lock) Acquire() error {
	parentDir := filepath.Dir(l.path)
	if err := verifyDirectorySafety(parentDir); err != nil {
		return fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(parentDir, 0700); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	// Remember whether the file pre-existed, and who it claims owns it.
	priorPID, hadPrior := l.readPrior()

	f, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("failed to open PID file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if err != syscall.EWOULDBLOCK {
			return fmt.Errorf("failed to lock PID file: %w", err)
		}
		return l.diagnoseHolder()
	}

	// Lock acquired, but the file already carried a PID: the previous
	// owner vanished without releasing cleanly, or never held the lock
	// at all. Orphan state; hand it to the operator.
	if hadPrior {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		return &StaleError{PID: priorPID, Path: l.path}
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync PID file: %w", err)
	}

	l.f = f
	return nil
}

// diagnoseHolder classifies a lock-contention failure by examining the
// PID recorded in the file.
func (l *Lock) diagnoseHolder() error {
	pid, err := l.Read()
	if err != nil {
		return &HeldError{Command: "<unknown>"}
	}
	if !IsProcessRunning(pid) {
		// Locked but owner not visible. Advisory locks die with their
		// owner on local filesystems, so treat this as orphan state.
		return &StaleError{PID: pid, Path: l.path}
	}
	cmd := "<unknown>"
	if c, err := processCommand(pid); err == nil {
		cmd = c
	}
	return &HeldError{PID: pid, Command: cmd}
}

// Read parses the PID recorded in the file.
func (l *Lock) Read() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrInvalidPID, pidStr)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

// readPrior reports any PID already recorded at the path. A file that
// exists but holds garbage still counts as prior state.
func (l *Lock) readPrior() (int, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return 0, false
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid, true
}

// Release unlocks and removes the PID file. Safe to call when the lock
// was never acquired.
func (l *Lock) Release() error {
	if l.f != nil {
		syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
		l.f.Close()
		l.f = nil

		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove PID file: %w", err)
		}
	}
	return nil
}

// Exists reports whether the PID file is present on disk.
func (l *Lock) Exists() bool {
	_, err := os.Stat(l.path)
	return err == nil
}

// verifyDirectorySafety rejects world-writable parents, which would
// allow symlink substitution under the PID file.
func verifyDirectorySafety(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if info.Mode()&0002 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, info.Mode()&os.ModePerm)
	}
	return nil
}
