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
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(99999999))
}

func TestWaitForExitTimeout(t *testing.T) {
	err := WaitForExit(os.Getpid(), 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}

func TestWaitForExitDeadProcess(t *testing.T) {
	assert.NoError(t, WaitForExit(99999999, time.Second))
}

func TestGracefulShutdownNotRunning(t *testing.T) {
	err := GracefulShutdown(99999999, time.Second, false)
	assert.ErrorIs(t, err, ErrProcessNotRunning)
}

func TestGetProcessInfoSelf(t *testing.T) {
	info, err := GetProcessInfo(os.Getpid())
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.NotEmpty(t, info.Command)
}

func TestGetProcessInfoDead(t *testing.T) {
	info, err := GetProcessInfo(99999999)
	require.NoError(t, err)
	assert.False(t, info.Running)
	assert.Empty(t, info.Command)
}
