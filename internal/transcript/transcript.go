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

// Package transcript extracts the last user/assistant exchange from a
// line-delimited session transcript. Records whose content is only tool
// results are not user speech and are skipped.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tombee/relay/internal/markup"
)

// Budgets for the extracted snippets, in runes.
const (
	UserPromptBudget = 200
	ResponseBudget   = 300
)

// Extract carries the last exchange plus the markers the truncation had
// to close, for observability.
type Extract struct {
	UserPrompt   string
	LastResponse string
	TagsClosed   []string
}

// line is one transcript record. Content is either a plain string or an
// array of typed blocks.
type line struct {
	Type    string `json:"type"`
	Message struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// FromFile parses the transcript at path and extracts the last textual
// user message and the last assistant message's concatenated text
// blocks, each truncated markup-safely to its budget.
func FromFile(path string) (Extract, error) {
	f, err := os.Open(path)
	if err != nil {
		return Extract{}, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer f.Close()

	var lines []line
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var l line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			// One unparseable line does not invalidate the transcript.
			continue
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return Extract{}, fmt.Errorf("failed to read transcript: %w", err)
	}

	return fromLines(lines), nil
}

func fromLines(lines []line) Extract {
	var ex Extract
	var closed []string

	for i := len(lines) - 1; i >= 0 && ex.UserPrompt == ""; i-- {
		if lines[i].Type != "user" && lines[i].Message.Role != "user" {
			continue
		}
		text, ok := userText(lines[i].Message.Content)
		if !ok {
			continue
		}
		truncated, tags := markup.Truncate(text, UserPromptBudget)
		ex.UserPrompt = truncated
		closed = append(closed, tags...)
	}

	for i := len(lines) - 1; i >= 0 && ex.LastResponse == ""; i-- {
		if lines[i].Type != "assistant" && lines[i].Message.Role != "assistant" {
			continue
		}
		text := assistantText(lines[i].Message.Content)
		if text == "" {
			continue
		}
		truncated, tags := markup.Truncate(text, ResponseBudget)
		ex.LastResponse = truncated
		closed = append(closed, tags...)
	}

	ex.TagsClosed = closed
	return ex
}

// userText returns the textual content of a user message. Array-shaped
// content whose blocks are tool results only is not user speech.
func userText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// assistantText concatenates the text blocks of an assistant message.
func assistantText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, strings.TrimSpace(b.Text))
		}
	}
	return strings.Join(parts, "\n")
}
