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

// Package telegram is the chat-transport adapter. Every outbound call
// flows through it: it escapes the markup dialect, enforces the
// aggregate and per-chat rate budgets, honors transport-signalled
// backoff, and consults the dedup store before editing. It is the only
// package that talks to the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/relay/internal/dedup"
	"github.com/tombee/relay/internal/metrics"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// MaxMessageLen is the transport's message budget in characters.
const MaxMessageLen = 4096

// ParseMode is the markup dialect all outbound text uses. The markup
// package escapes user-derived strings for it.
const ParseMode = "MarkdownV2"

// Config holds transport configuration.
type Config struct {
	// Token is the bot token.
	Token string

	// BaseURL overrides the API endpoint, mainly for tests.
	// Default: https://api.telegram.org
	BaseURL string

	// HTTPTimeout bounds one HTTP round trip. It must exceed the long
	// poll window. Default: 40s.
	HTTPTimeout time.Duration

	// MaxRetries bounds retry attempts after rate-limit responses.
	// Default: 3.
	MaxRetries int
}

// Gate is the dedup consultation surface the adapter requires.
type Gate interface {
	ShouldSend(key dedup.Key, text string) bool
	MarkSent(key dedup.Key, text string) error
}

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Client is the transport adapter. Safe for use from the bus loop plus
// the update-polling goroutine.
type Client struct {
	cfg    Config
	httpc  *http.Client
	logger *slog.Logger
	gate   Gate

	// Aggregate bucket: 30 req/s. Per-chat buckets: 20 req/min.
	global *rate.Limiter

	mu      sync.Mutex
	perChat map[int64]*rate.Limiter

	// sleepUnit scales transport-signalled retry_after values; tests
	// shrink it to keep backoff paths fast.
	sleepUnit time.Duration
}

// New creates a transport adapter. gate may be nil to disable edit
// deduplication (worker-side tooling does this).
func New(cfg Config, logger *slog.Logger, gate Gate) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 40 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:       cfg,
		httpc:     &http.Client{Timeout: cfg.HTTPTimeout},
		logger:    logger,
		gate:      gate,
		global:    rate.NewLimiter(rate.Limit(30), 30),
		perChat:   make(map[int64]*rate.Limiter),
		sleepUnit: time.Second,
	}
}

// Send posts a new message and returns its message id.
func (c *Client) Send(ctx context.Context, chatID int64, text string, keyboard [][]Button) (int, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": ParseMode,
	}
	if keyboard != nil {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}

	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", chatID, payload, &msg); err != nil {
		return 0, err
	}
	metrics.MessagesSent.Inc()
	return msg.MessageID, nil
}

// Reply posts a message replying to another one.
func (c *Client) Reply(ctx context.Context, chatID int64, replyTo int, text string) (int, error) {
	payload := map[string]any{
		"chat_id":             chatID,
		"text":                text,
		"parse_mode":          ParseMode,
		"reply_to_message_id": replyTo,
	}
	var msg struct {
		MessageID int `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", chatID, payload, &msg); err != nil {
		return 0, err
	}
	metrics.MessagesSent.Inc()
	return msg.MessageID, nil
}

// Edit replaces a message's text. A "message is not modified" response
// is swallowed and reported as success.
func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text string, keyboard [][]Button) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": ParseMode,
	}
	if keyboard != nil {
		payload["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}

	err := c.call(ctx, "editMessageText", chatID, payload, nil)
	if err != nil {
		var te *relayerrors.TransportError
		if relayerrors.As(err, &te) && strings.Contains(te.Message, "message is not modified") {
			return nil
		}
		return err
	}
	metrics.MessageEdits.Inc()
	return nil
}

// EditTracked edits a workflow-instance message through the dedup gate:
// content whose hash equals the last successfully sent text for key
// never reaches the wire.
func (c *Client) EditTracked(ctx context.Context, key dedup.Key, chatID int64, messageID int, text string, keyboard [][]Button) error {
	if c.gate != nil && !c.gate.ShouldSend(key, text) {
		metrics.EditsDeduped.Inc()
		return nil
	}
	if err := c.Edit(ctx, chatID, messageID, text, keyboard); err != nil {
		return err
	}
	if c.gate != nil {
		return c.gate.MarkSent(key, text)
	}
	return nil
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	return c.call(ctx, "deleteMessage", chatID, payload, nil)
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call executes one API method with rate limiting and bounded retry.
// Rate-limit responses are retried after the transport-signalled
// interval, or exponential backoff when none is given; any other error
// propagates immediately.
func (c *Client) call(ctx context.Context, method string, chatID int64, payload map[string]any, out any) error {
	if err := c.global.Wait(ctx); err != nil {
		return err
	}
	if chatID != 0 {
		if err := c.chatLimiter(chatID).Wait(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RateLimitRetries.Inc()
			if err := c.sleep(ctx, c.backoff(lastErr, attempt)); err != nil {
				return err
			}
		}

		resp, err := c.roundTrip(ctx, method, payload)
		if err != nil {
			return &relayerrors.TransportError{Method: method, Message: "request failed", Cause: err}
		}

		if resp.OK {
			if out != nil {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return &relayerrors.TransportError{Method: method, Message: "cannot decode result", Cause: err}
				}
			}
			return nil
		}

		apiErr := &relayerrors.TransportError{
			Method:     method,
			Code:       resp.ErrorCode,
			Message:    resp.Description,
			RetryAfter: time.Duration(resp.Parameters.RetryAfter) * c.sleepUnit,
		}
		if !apiErr.IsRateLimit() {
			return apiErr
		}
		lastErr = apiErr
	}
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, method string, payload map[string]any) (*apiResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.cfg.BaseURL, c.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return &resp, nil
}

// backoff picks the retry delay: the transport-signalled interval when
// present, otherwise 2^attempt scaled by the sleep unit.
func (c *Client) backoff(lastErr error, attempt int) time.Duration {
	var te *relayerrors.TransportError
	if relayerrors.As(lastErr, &te) && te.RetryAfter > 0 {
		return te.RetryAfter
	}
	return time.Duration(1<<uint(attempt)) * c.sleepUnit
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) chatLimiter(chatID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.perChat[chatID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/20), 20)
		c.perChat[chatID] = lim
	}
	return lim
}
