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
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/dedup"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

type apiCall struct {
	Method  string
	Payload map[string]any
}

// fakeAPI is a scripted Bot API endpoint. Each handler consumes one
// request; the last handler repeats.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []apiCall
	handlers []func(w http.ResponseWriter)
	srv      *httptest.Server
}

func newFakeAPI(t *testing.T, handlers ...func(w http.ResponseWriter)) *fakeAPI {
	t.Helper()
	f := &fakeAPI{handlers: handlers}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)

		f.mu.Lock()
		f.calls = append(f.calls, apiCall{Method: lastPathSegment(r.URL.Path), Payload: payload})
		idx := len(f.calls) - 1
		if idx >= len(f.handlers) {
			idx = len(f.handlers) - 1
		}
		h := f.handlers[idx]
		f.mu.Unlock()

		h(w)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) callLog() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

func lastPathSegment(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func ok(result string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		io.WriteString(w, `{"ok":true,"result":`+result+`}`)
	}
}

func apiError(code int, description string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		resp := map[string]any{"ok": false, "error_code": code, "description": description}
		if code == 429 {
			resp["parameters"] = map[string]any{"retry_after": 1}
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestClient(t *testing.T, f *fakeAPI, gate Gate) *Client {
	t.Helper()
	c := New(Config{Token: "test-token", BaseURL: f.srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)), gate)
	c.sleepUnit = time.Millisecond
	return c
}

func TestSendReturnsMessageID(t *testing.T) {
	f := newFakeAPI(t, ok(`{"message_id":77}`))
	c := newTestClient(t, f, nil)

	id, err := c.Send(context.Background(), 100, "hello", [][]Button{{{Text: "Go", CallbackData: "cb_1"}}})
	require.NoError(t, err)
	assert.Equal(t, 77, id)

	calls := f.callLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "sendMessage", calls[0].Method)
	assert.Equal(t, "hello", calls[0].Payload["text"])
	assert.Equal(t, ParseMode, calls[0].Payload["parse_mode"])
	assert.NotNil(t, calls[0].Payload["reply_markup"])
}

func TestRateLimitRetriesThenSucceeds(t *testing.T) {
	f := newFakeAPI(t,
		apiError(429, "Too Many Requests: retry after 1"),
		apiError(429, "Too Many Requests: retry after 1"),
		ok(`{"message_id":1}`),
	)
	c := newTestClient(t, f, nil)

	_, err := c.Send(context.Background(), 100, "x", nil)
	require.NoError(t, err)
	assert.Len(t, f.callLog(), 3)
}

func TestRateLimitExhaustsRetries(t *testing.T) {
	f := newFakeAPI(t, apiError(429, "Too Many Requests"))
	c := newTestClient(t, f, nil)

	_, err := c.Send(context.Background(), 100, "x", nil)
	require.Error(t, err)

	var te *relayerrors.TransportError
	require.True(t, relayerrors.As(err, &te))
	assert.True(t, te.IsRateLimit())
	// Initial attempt plus MaxRetries.
	assert.Len(t, f.callLog(), 4)
}

func TestNonRateErrorPropagatesImmediately(t *testing.T) {
	f := newFakeAPI(t, apiError(400, "Bad Request: chat not found"))
	c := newTestClient(t, f, nil)

	_, err := c.Send(context.Background(), 100, "x", nil)
	require.Error(t, err)

	var te *relayerrors.TransportError
	require.True(t, relayerrors.As(err, &te))
	assert.Equal(t, 400, te.Code)
	assert.Len(t, f.callLog(), 1)
}

func TestEditSwallowsNotModified(t *testing.T) {
	f := newFakeAPI(t, apiError(400, "Bad Request: message is not modified"))
	c := newTestClient(t, f, nil)

	err := c.Edit(context.Background(), 100, 7, "same text", nil)
	assert.NoError(t, err)
}

func TestEditTrackedConsultsDedup(t *testing.T) {
	f := newFakeAPI(t, ok(`true`))
	store := dedup.New(t.TempDir())
	c := newTestClient(t, f, store)

	key := dedup.Key{WorkspaceID: "ab12cd34", SessionID: "S1", WorkflowID: "fix-links"}
	ctx := context.Background()

	require.NoError(t, c.EditTracked(ctx, key, 100, 7, "progress 25%", nil))
	require.Len(t, f.callLog(), 1)

	// Identical content never reaches the wire.
	require.NoError(t, c.EditTracked(ctx, key, 100, 7, "progress 25%", nil))
	assert.Len(t, f.callLog(), 1)

	// Changed content does.
	require.NoError(t, c.EditTracked(ctx, key, 100, 7, "progress 50%", nil))
	assert.Len(t, f.callLog(), 2)
}

func TestDeletePayload(t *testing.T) {
	f := newFakeAPI(t, ok(`true`))
	c := newTestClient(t, f, nil)

	require.NoError(t, c.Delete(context.Background(), 100, 7))
	calls := f.callLog()
	require.Len(t, calls, 1)
	assert.Equal(t, "deleteMessage", calls[0].Method)
	assert.Equal(t, float64(7), calls[0].Payload["message_id"])
}

func TestUpdatesDeliversCallbacks(t *testing.T) {
	updates := `[{"update_id":5,"callback_query":{"id":"q1","data":"cb_abc12345",` +
		`"from":{"username":"tom"},"message":{"message_id":9,"chat":{"id":100}}}}]`
	f := newFakeAPI(t,
		ok(updates),
		ok(`true`), // answerCallbackQuery
		ok(`[]`),   // subsequent polls return nothing
	)
	c := newTestClient(t, f, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := c.Updates(ctx)
	select {
	case ev := <-ch:
		assert.Equal(t, "cb_abc12345", ev.Token)
		assert.Equal(t, int64(100), ev.ChatID)
		assert.Equal(t, 9, ev.MessageID)
		assert.Equal(t, "tom", ev.From)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback event")
	}

	// The query was acknowledged before dispatch.
	var answered bool
	for _, call := range f.callLog() {
		if call.Method == "answerCallbackQuery" {
			answered = true
			assert.Equal(t, "q1", call.Payload["callback_query_id"])
		}
	}
	assert.True(t, answered)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close on cancel")
	}
}
