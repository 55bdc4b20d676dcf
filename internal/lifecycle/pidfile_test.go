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

package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRecordsOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	l := NewLock(path)

	require.NoError(t, l.Acquire())
	defer l.Release()

	pid, err := l.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReleaseRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	l := NewLock(path)

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
	assert.False(t, l.Exists())

	// Release is idempotent.
	require.NoError(t, l.Release())
}

func TestAcquireContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")

	first := NewLock(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	// The holder is this test process, which is alive; whether it is
	// classified held or stale depends on the test binary's name, but
	// acquisition must fail either way without touching the file.
	second := NewLock(path)
	err := second.Acquire()
	require.Error(t, err)

	pid, readErr := first.Read()
	require.NoError(t, readErr)
	assert.Equal(t, os.Getpid(), pid)
}

func TestStalePIDFileIsNeverCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	// A PID that cannot exist: beyond the default pid_max.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0600))

	l := NewLock(path)
	err := l.Acquire()
	require.Error(t, err)

	var stale *StaleError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, 99999999, stale.PID)
	assert.Contains(t, stale.Error(), "rm "+path)

	// The orphan file survives the failed acquisition.
	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "99999999\n", string(data))
}

func TestAcquireGarbagePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0600))

	l := NewLock(path)
	err := l.Acquire()
	require.Error(t, err)

	var stale *StaleError
	assert.True(t, errors.As(err, &stale))
}

func TestAcquireRejectsWorldWritableParent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loose")
	require.NoError(t, os.Mkdir(dir, 0777))
	// TempDir parents may mask permissions; force them.
	require.NoError(t, os.Chmod(dir, 0777))

	l := NewLock(filepath.Join(dir, "bot.pid"))
	err := l.Acquire()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsafeDirectory)
}

func TestReadInvalidPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.pid")
	require.NoError(t, os.WriteFile(path, []byte("-7\n"), 0600))

	_, err := NewLock(path).Read()
	assert.ErrorIs(t, err, ErrInvalidPID)
}

func TestHeldErrorMessage(t *testing.T) {
	e := &HeldError{PID: 123, Command: "relayd start"}
	assert.Equal(t, fmt.Sprintf("another instance is already running (pid %d: %s)", 123, "relayd start"), e.Error())
}
