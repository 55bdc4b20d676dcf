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

package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarizeResultField(t *testing.T) {
	got := summarize(`{"result":"Fixed 3 links"}`, "", false)
	assert.Equal(t, "Fixed 3 links", got)
}

func TestSummarizeSkipsHeadings(t *testing.T) {
	got := summarize(`{"result":"# Report\n\nAll links fixed"}`, "", false)
	assert.Equal(t, "All links fixed", got)
}

func TestSummarizeTypeSubtype(t *testing.T) {
	got := summarize(`{"type":"result","subtype":"success"}`, "", false)
	assert.Equal(t, "result: success", got)
}

func TestSummarizeRawStdout(t *testing.T) {
	got := summarize("{broken json\nDone with everything\n", "", false)
	assert.Equal(t, "Done with everything", got)
}

func TestSummarizeDefault(t *testing.T) {
	assert.Equal(t, "Completed", summarize("", "", false))
	assert.Equal(t, "Failed", summarize("", "", true))
}

func TestSummarizeErrorPrefersStderr(t *testing.T) {
	got := summarize(`{"result":"ignored"}`, "fatal: no such workspace\nmore context", true)
	assert.Equal(t, "fatal: no such workspace", got)
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := summarize(`{"result":"`+long+`"}`, "", false)
	assert.Less(t, len([]rune(got)), 210)
	assert.True(t, strings.HasSuffix(got, "…"))
}
