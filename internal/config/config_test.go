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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultClaudeBinary, cfg.Claude.Binary)
	assert.Equal(t, 300*time.Second, cfg.Claude.Timeout())
	assert.Equal(t, 1800*time.Second, cfg.Bus.IdleTimeout())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram:
  chat_id: 12345
  token: inline-token
claude:
  binary: /usr/local/bin/claude
  timeout_seconds: 60
bus:
  idle_timeout_seconds: 900
state_dir: /tmp/relay-state
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(12345), cfg.Telegram.ChatID)
	assert.Equal(t, "inline-token", cfg.Telegram.Token)
	assert.Equal(t, "/usr/local/bin/claude", cfg.Claude.Binary)
	assert.Equal(t, 60*time.Second, cfg.Claude.Timeout())
	assert.Equal(t, 900*time.Second, cfg.Bus.IdleTimeout())
	assert.Equal(t, "/tmp/relay-state", cfg.StateDir)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telegram: ["), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
telegram:
  chat_id: 1
  token: from-file
claude:
  timeout_seconds: 60
`), 0600))

	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")
	t.Setenv("TELEGRAM_CHAT_ID", "777")
	t.Setenv("CLAUDE_CLI_TIMEOUT", "120")
	t.Setenv("RELAY_IDLE_TIMEOUT", "60")
	t.Setenv("RELAY_STATE_DIR", "/tmp/override")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, int64(777), cfg.Telegram.ChatID)
	assert.Equal(t, 120*time.Second, cfg.Claude.Timeout())
	assert.Equal(t, 60*time.Second, cfg.Bus.IdleTimeout())
	assert.Equal(t, "/tmp/override", cfg.StateDir)
}

func TestEnvInvalidChatID(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateTransport(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.ValidateTransport())

	cfg.Telegram.ChatID = 1
	assert.Error(t, cfg.ValidateTransport())

	cfg.Telegram.Token = "t"
	assert.NoError(t, cfg.ValidateTransport())
}

func TestConfigPathRespectsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	path, err := Path()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "relay", "config.yaml"), path)

	// Dir is created on demand.
	info, err := os.Stat(filepath.Join(dir, "relay"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
