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

// Package schemas provides access to embedded JSON schemas for the
// hand-edited and externally-produced record formats. The bus publishes
// the summary schema into the spool as schema.json (a reserved name the
// scanners skip) so hook authors and editors get validation hints.
package schemas

import (
	_ "embed"
)

//go:embed summary.schema.json
var summarySchema []byte

//go:embed workflows.schema.json
var workflowsSchema []byte

// Summary returns the JSON Schema for session summary records.
func Summary() []byte {
	return summarySchema
}

// Workflows returns the JSON Schema for the workflow registry file.
func Workflows() []byte {
	return workflowsSchema
}
