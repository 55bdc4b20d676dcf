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
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keychain identifiers for the bot token.
const (
	KeyringService = "relay"
	KeyringUser    = "telegram-bot-token"
)

// ResolveToken fills in the bot token from the system keychain when
// the environment and config file did not provide one. A keychain with
// no entry is not an error; an unreachable keychain is.
func (c *Config) ResolveToken() error {
	if c.Telegram.Token != "" {
		return nil
	}

	token, err := keyring.Get(KeyringService, KeyringUser)
	if err != nil {
		if err == keyring.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to read bot token from keychain: %w", err)
	}
	c.Telegram.Token = token
	return nil
}

// StoreToken saves the bot token in the system keychain.
func StoreToken(token string) error {
	if err := keyring.Set(KeyringService, KeyringUser, token); err != nil {
		return fmt.Errorf("failed to store bot token in keychain: %w", err)
	}
	return nil
}

// DeleteToken removes the bot token from the system keychain.
func DeleteToken() error {
	if err := keyring.Delete(KeyringService, KeyringUser); err != nil && err != keyring.ErrNotFound {
		return fmt.Errorf("failed to delete bot token from keychain: %w", err)
	}
	return nil
}
