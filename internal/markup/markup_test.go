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

package markup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscape(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain text", "plain text"},
		{"a_b*c", `a\_b\*c`},
		{"file.md", `file\.md`},
		{"x\\y", `x\\y`},
		{"[link](url)", `\[link\]\(url\)`},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Escape(tt.in), "Escape(%q)", tt.in)
	}
}

func TestTruncateExactLengthUntouched(t *testing.T) {
	s := strings.Repeat("a", 10)
	out, closed := Truncate(s, 10)
	assert.Equal(t, s, out)
	assert.Empty(t, closed)
}

func TestTruncateShortUntouched(t *testing.T) {
	out, closed := Truncate("*bold*", 200)
	assert.Equal(t, "*bold*", out)
	assert.Empty(t, closed)
}

func TestTruncateClosesOpenRun(t *testing.T) {
	// Cut lands inside the bold run: the * count in the prefix is odd.
	out, closed := Truncate("*bold text that runs long*", 8)
	assert.Equal(t, "*bold te*…", out)
	assert.Equal(t, []string{"*"}, closed)
}

func TestTruncateClosesMultipleRuns(t *testing.T) {
	out, closed := Truncate("*bold and _italic forever", 20)
	assert.Equal(t, []string{"*", "_"}, closed)
	assert.True(t, strings.HasSuffix(out, "*_…"))
}

func TestTruncateBalancedRunsNotClosed(t *testing.T) {
	out, closed := Truncate("*done* trailing text continues on", 10)
	assert.Equal(t, "*done* tra…", out)
	assert.Empty(t, closed)
}

func TestTruncateIgnoresEscapedMarkers(t *testing.T) {
	// The escaped asterisk is literal content, not an emphasis marker.
	out, closed := Truncate(`a\*b and much more text here`, 10)
	assert.Empty(t, closed)
	assert.True(t, strings.HasSuffix(out, "…"))
	_ = out
}

func TestTruncateUnicodeBudget(t *testing.T) {
	// Budget is counted in runes, not bytes.
	s := strings.Repeat("ü", 12)
	out, _ := Truncate(s, 5)
	assert.Equal(t, strings.Repeat("ü", 5)+"…", out)
}

// Every emphasis/code run opened in the truncated text is closed in the
// emitted text.
func TestTruncateInvariantBalanced(t *testing.T) {
	inputs := []string{
		"*a_b`c",
		"_just italic that goes on and on",
		"`code block snippet that is fairly long`",
		"**",
		"nothing special at all but quite long anyway",
	}
	for _, in := range inputs {
		out, _ := Truncate(in, 7)
		for _, m := range []string{"*", "_", "`"} {
			assert.Equal(t, 0, countUnescaped(out, m)%2, "marker %q unbalanced in %q", m, out)
		}
	}
}
