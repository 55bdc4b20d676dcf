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

// Package config loads relay configuration: YAML file, environment
// overrides, then keychain for the bot token. Environment always wins
// over the file; the keychain wins over an inline token.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// Defaults.
const (
	DefaultIdleTimeoutSeconds = 1800
	DefaultCLITimeoutSeconds  = 300
	DefaultClaudeBinary       = "claude"
)

// Config is the complete relay configuration shared by the bus and
// the worker.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Claude   ClaudeConfig   `yaml:"claude"`
	Bus      BusConfig      `yaml:"bus"`

	// StateDir overrides the default state directory
	// (~/.local/state/relay).
	StateDir string `yaml:"state_dir,omitempty"`
}

// TelegramConfig configures the chat transport.
type TelegramConfig struct {
	// ChatID is the operator chat all messages go to.
	ChatID int64 `yaml:"chat_id"`

	// Token is the bot token. Prefer the keychain or the
	// TELEGRAM_BOT_TOKEN environment variable over an inline value.
	Token string `yaml:"token,omitempty"`
}

// ClaudeConfig configures the external assistant subprocess.
type ClaudeConfig struct {
	// Binary is the executable name or path.
	Binary string `yaml:"binary,omitempty"`

	// TimeoutSeconds bounds one subprocess invocation.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Timeout returns the subprocess limit as a duration.
func (c ClaudeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// BusConfig configures bus-only behavior.
type BusConfig struct {
	// IdleTimeoutSeconds is how long the bus runs with no activity
	// before shutting itself down.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds,omitempty"`
}

// IdleTimeout returns the idle threshold as a duration.
func (c BusConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Claude: ClaudeConfig{
			Binary:         DefaultClaudeBinary,
			TimeoutSeconds: DefaultCLITimeoutSeconds,
		},
		Bus: BusConfig{
			IdleTimeoutSeconds: DefaultIdleTimeoutSeconds,
		},
	}
}

// Load reads the config file at path (or the default location when
// path is empty), then applies environment overrides. A missing file
// is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		var err error
		if path, err = Path(); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults plus environment.
	case err != nil:
		return nil, &relayerrors.ConfigError{Key: path, Reason: "cannot read config file", Cause: err}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &relayerrors.ConfigError{Key: path, Reason: "cannot parse config file", Cause: err}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("RELAY_STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return &relayerrors.ConfigError{Key: "TELEGRAM_CHAT_ID", Reason: fmt.Sprintf("invalid value %q", v), Cause: err}
		}
		c.Telegram.ChatID = id
	}
	if v := os.Getenv("RELAY_IDLE_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return &relayerrors.ConfigError{Key: "RELAY_IDLE_TIMEOUT", Reason: fmt.Sprintf("invalid value %q", v), Cause: err}
		}
		c.Bus.IdleTimeoutSeconds = secs
	}
	if v := os.Getenv("CLAUDE_CLI_TIMEOUT"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return &relayerrors.ConfigError{Key: "CLAUDE_CLI_TIMEOUT", Reason: fmt.Sprintf("invalid value %q", v), Cause: err}
		}
		c.Claude.TimeoutSeconds = secs
	}
	if v := os.Getenv("CLAUDE_BINARY"); v != "" {
		c.Claude.Binary = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Claude.Binary == "" {
		c.Claude.Binary = DefaultClaudeBinary
	}
	if c.Claude.TimeoutSeconds <= 0 {
		c.Claude.TimeoutSeconds = DefaultCLITimeoutSeconds
	}
	if c.Bus.IdleTimeoutSeconds <= 0 {
		c.Bus.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}
}

// ValidateTransport checks the fields the bus needs to reach the chat
// transport. The worker does not require them.
func (c *Config) ValidateTransport() error {
	if c.Telegram.ChatID == 0 {
		return &relayerrors.ConfigError{Key: "telegram.chat_id", Reason: "chat id is required (or set TELEGRAM_CHAT_ID)"}
	}
	if c.Telegram.Token == "" {
		return &relayerrors.ConfigError{Key: "telegram.token", Reason: "bot token is required (keychain, TELEGRAM_BOT_TOKEN, or telegram.token)"}
	}
	return nil
}

// Dir returns the XDG config directory for relay, creating it if
// needed. Respects XDG_CONFIG_HOME.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "relay")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	return dir, nil
}

// Path returns the full path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
