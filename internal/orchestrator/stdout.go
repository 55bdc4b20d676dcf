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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/relay/internal/markup"
)

// summaryBudget caps the human summary extracted from assistant output.
const summaryBudget = 200

// jqTimeout bounds one expression evaluation against assistant output.
const jqTimeout = time.Second

var resultQuery = mustCompile(".result")

func mustCompile(expr string) *gojq.Code {
	q, err := gojq.Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("bad jq expression %q: %v", expr, err))
	}
	code, err := gojq.Compile(q)
	if err != nil {
		panic(fmt.Sprintf("bad jq expression %q: %v", expr, err))
	}
	return code
}

// summarize turns captured subprocess output into a one-line human
// summary. Preference order: the first meaningful line of the JSON
// result field, then the payload's type/subtype, then the first
// non-JSON line of raw stdout, then "Completed". Failures prefer the
// first line of stderr.
func summarize(stdout, stderr string, failed bool) string {
	if failed {
		if line := firstLine(stderr); line != "" {
			s, _ := markup.Truncate(line, summaryBudget)
			return s
		}
	}

	if obj := parseObject(stdout); obj != nil {
		if result, ok := evalString(resultQuery, obj); ok {
			if line := firstContentLine(result); line != "" {
				s, _ := markup.Truncate(line, summaryBudget)
				return s
			}
		}
		if t, ok := obj["type"].(string); ok && t != "" {
			if sub, ok := obj["subtype"].(string); ok && sub != "" {
				return t + ": " + sub
			}
			return t
		}
	}

	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "{") || strings.HasPrefix(line, "[") {
			continue
		}
		s, _ := markup.Truncate(line, summaryBudget)
		return s
	}

	if failed {
		return "Failed"
	}
	return "Completed"
}

func parseObject(stdout string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &obj); err != nil {
		return nil
	}
	return obj
}

// evalString runs a compiled jq query and returns its first string
// result. Evaluation is cut off at jqTimeout; assistant output is
// untrusted and a pathological document must not hang the worker.
func evalString(code *gojq.Code, data map[string]any) (string, bool) {
	done := make(chan string, 1)
	go func() {
		iter := code.Run(data)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			if s, ok := v.(string); ok {
				done <- s
				return
			}
		}
		close(done)
	}()

	select {
	case s, ok := <-done:
		return s, ok && s != ""
	case <-time.After(jqTimeout):
		return "", false
	}
}

// firstContentLine returns the first non-blank line that is not a
// markdown heading.
func firstContentLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line
	}
	return ""
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}
