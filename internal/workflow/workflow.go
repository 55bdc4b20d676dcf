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

// Package workflow loads and validates the workflow registry and
// filters it against session summaries.
package workflow

import (
	"fmt"
	"os"
	"sort"

	"encoding/json"

	"github.com/tombee/relay/internal/record"
	relayerrors "github.com/tombee/relay/pkg/errors"
)

// Triggers selects when a workflow applies. Exactly one of the three
// booleans is honored per manifest, in order lychee_errors > git_modified
// > always; later triggers are ignored when an earlier one is set.
type Triggers struct {
	LycheeErrors bool `json:"lychee_errors,omitempty"`
	GitModified  bool `json:"git_modified,omitempty"`
	Always       bool `json:"always,omitempty"`
}

// Manifest is one entry in the workflow registry.
type Manifest struct {
	Name              string   `json:"name"`
	Icon              string   `json:"icon,omitempty"`
	Category          string   `json:"category,omitempty"`
	RiskLevel         string   `json:"risk_level,omitempty"`
	EstimatedDuration string   `json:"estimated_duration,omitempty"`
	Triggers          Triggers `json:"triggers"`
	PromptTemplate    string   `json:"prompt_template"`

	// Dependencies declares ordering constraints on other workflow ids.
	// Parsed but not enforced: execution preserves input order and logs
	// a warning when dependencies are present.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Registry is the parsed workflows.json.
type Registry struct {
	Version   int                 `json:"version"`
	Workflows map[string]Manifest `json:"workflows"`
}

// Load reads and validates workflows.json. Both the bus and the worker
// fail fast on a missing or invalid registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &relayerrors.ConfigError{
			Key:    "workflows",
			Reason: fmt.Sprintf("cannot read workflow registry %s", path),
			Cause:  err,
		}
	}

	var reg Registry
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, &relayerrors.ConfigError{
			Key:    "workflows",
			Reason: "workflow registry is not valid JSON",
			Cause:  err,
		}
	}

	if err := reg.validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	if len(r.Workflows) == 0 {
		return &relayerrors.ConfigError{Key: "workflows", Reason: "registry contains no workflows"}
	}
	for id, m := range r.Workflows {
		if m.Name == "" {
			return &relayerrors.ConfigError{
				Key:    fmt.Sprintf("workflows.%s.name", id),
				Reason: "workflow name is required",
			}
		}
		if m.PromptTemplate == "" {
			return &relayerrors.ConfigError{
				Key:    fmt.Sprintf("workflows.%s.prompt_template", id),
				Reason: "prompt template is required",
			}
		}
	}
	return nil
}

// Get returns the manifest for a workflow id.
func (r *Registry) Get(id string) (Manifest, error) {
	m, ok := r.Workflows[id]
	if !ok {
		return Manifest{}, &relayerrors.NotFoundError{Resource: "workflow", ID: id}
	}
	return m, nil
}

// Entry pairs a workflow id with its manifest in filter results.
type Entry struct {
	ID       string
	Manifest Manifest
}

// Filter returns the workflows whose trigger fires for the summary,
// ordered by workflow id for stable menus. Per manifest the first
// declared trigger in precedence order is the only one evaluated.
func Filter(reg *Registry, sum *record.SessionSummary) []Entry {
	ids := make([]string, 0, len(reg.Workflows))
	for id := range reg.Workflows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Entry
	for _, id := range ids {
		m := reg.Workflows[id]
		if !fires(m.Triggers, sum) {
			continue
		}
		out = append(out, Entry{ID: id, Manifest: m})
	}
	return out
}

func fires(t Triggers, sum *record.SessionSummary) bool {
	switch {
	case t.LycheeErrors:
		return sum.LycheeStatus.ErrorCount > 0
	case t.GitModified:
		return sum.GitStatus.ModifiedFiles > 0
	case t.Always:
		return true
	default:
		return false
	}
}
