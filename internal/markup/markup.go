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

// Package markup knows the Telegram Markdown dialect: escaping
// user-derived strings before interpolation and truncating marked-up
// text without leaving emphasis or code runs open. The transport
// adapter owns this package; nothing else in the bus interpolates raw
// user text into outbound messages.
package markup

import "strings"

// escapeSet is the Telegram MarkdownV2 special-character set.
const escapeSet = "_*[]()~`>#+-=|{}.!"

// Markers whose runs must balance in emitted text. Order matters for
// deterministic tags_closed output.
var markers = []string{"*", "_", "`"}

// Escape backslash-escapes user-derived text so the transport parses it
// as literal content.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\\' || strings.ContainsRune(escapeSet, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Truncate cuts s to at most max runes, markup-safely. If the cut lands
// inside an open emphasis or code run, the run is closed before the
// ellipsis is appended. The returned list names each marker that had to
// be closed, in a fixed order, for observability. A string of exactly
// max runes passes through untouched: no ellipsis, no tag closing.
func Truncate(s string, max int) (string, []string) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, nil
	}

	cut := string(runes[:max])
	var closed []string
	for _, m := range markers {
		if countUnescaped(cut, m)%2 == 1 {
			cut += m
			closed = append(closed, m)
		}
	}
	return cut + "…", closed
}

// countUnescaped counts occurrences of marker not preceded by a
// backslash.
func countUnescaped(s, marker string) int {
	count := 0
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		if s[i] == '\\' {
			escaped = true
			continue
		}
		if s[i] == marker[0] {
			count++
		}
	}
	return count
}
