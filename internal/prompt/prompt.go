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

// Package prompt renders workflow prompt templates against session
// context. Templates are standard text/template with snake_case keys:
//
//	{{.workspace_path}} {{.session_id}} {{.correlation_id}}
//	{{.git_status.branch}} {{.lychee_status.error_count}}
//	{{if .lychee_status.error_count}}...{{end}}
//
// Unknown variables fail at render time rather than rendering empty;
// a render failure marks the workflow as error before any subprocess
// is spawned.
package prompt

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/tombee/relay/internal/record"
)

// Context carries the fields a prompt template may reference.
type Context struct {
	WorkspacePath string
	SessionID     string
	CorrelationID string
	GitStatus     record.GitStatus
	LycheeStatus  record.LycheeStatus
}

// Render expands tmpl against ctx. Referencing a variable outside the
// context is a render error.
func Render(tmpl string, ctx Context) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	data := map[string]any{
		"workspace_path": ctx.WorkspacePath,
		"session_id":     ctx.SessionID,
		"correlation_id": ctx.CorrelationID,
		"git_status": map[string]any{
			"branch":          ctx.GitStatus.Branch,
			"modified_files":  ctx.GitStatus.ModifiedFiles,
			"staged_files":    ctx.GitStatus.StagedFiles,
			"untracked_files": ctx.GitStatus.UntrackedFiles,
			"porcelain":       ctx.GitStatus.Porcelain,
		},
		"lychee_status": map[string]any{
			"error_count": ctx.LycheeStatus.ErrorCount,
			"details":     ctx.LycheeStatus.Details,
		},
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}
	return buf.String(), nil
}
