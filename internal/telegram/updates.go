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

package telegram

import (
	"context"
	"time"
)

// longPollWindow is the getUpdates timeout in seconds. The HTTP client
// timeout in Config must exceed it.
const longPollWindow = 30

// CallbackEvent is a button press delivered to the bus loop. Token is
// the opaque callback datum baked into the button.
type CallbackEvent struct {
	QueryID   string
	Token     string
	ChatID    int64
	MessageID int
	From      string
}

type update struct {
	UpdateID      int64 `json:"update_id"`
	CallbackQuery *struct {
		ID   string `json:"id"`
		Data string `json:"data"`
		From struct {
			Username  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"from"`
		Message *struct {
			MessageID int `json:"message_id"`
			Chat      struct {
				ID int64 `json:"id"`
			} `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// Updates starts a long-poll loop and returns a channel of button
// presses. The channel closes when ctx is cancelled. Each callback
// query is acknowledged before dispatch so the chat client stops
// showing a spinner even if handling fails later.
func (c *Client) Updates(ctx context.Context) <-chan CallbackEvent {
	out := make(chan CallbackEvent, 16)
	go c.pollLoop(ctx, out)
	return out
}

func (c *Client) pollLoop(ctx context.Context, out chan<- CallbackEvent) {
	defer close(out)

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		batch, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("update poll failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range batch {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			cq := u.CallbackQuery
			if cq == nil || cq.Message == nil {
				continue
			}

			if err := c.answerCallback(ctx, cq.ID); err != nil {
				c.logger.Warn("failed to answer callback query", "query_id", cq.ID, "error", err)
			}

			from := cq.From.Username
			if from == "" {
				from = cq.From.FirstName
			}
			ev := CallbackEvent{
				QueryID:   cq.ID,
				Token:     cq.Data,
				ChatID:    cq.Message.Chat.ID,
				MessageID: cq.Message.MessageID,
				From:      from,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]update, error) {
	payload := map[string]any{
		"timeout":         longPollWindow,
		"allowed_updates": []string{"callback_query"},
	}
	if offset > 0 {
		payload["offset"] = offset
	}

	var batch []update
	if err := c.call(ctx, "getUpdates", 0, payload, &batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *Client) answerCallback(ctx context.Context, queryID string) error {
	return c.call(ctx, "answerCallbackQuery", 0, map[string]any{
		"callback_query_id": queryID,
	}, nil)
}
