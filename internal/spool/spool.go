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

// Package spool implements the file-queue discipline every record
// directory follows: producers write-temp-in-same-dir-then-rename,
// consumers list, open, parse, act, then unlink. Consumers tolerate
// files disappearing between list and open — that is a race with
// another consumer or the TTL sweeper, not an error.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	relayerrors "github.com/tombee/relay/pkg/errors"
)

// ErrGone is returned when a file vanished between list and open.
// Callers treat it as "already consumed".
var ErrGone = relayerrors.New("spool: file already consumed")

// ReservedNames are filenames never treated as queue records.
// schema.json is reserved for editors that want JSON-schema hints.
var ReservedNames = []string{"schema.json"}

// WriteJSON atomically writes v as indented JSON to path.
// The temp file is created in the target directory so the final rename
// never crosses a filesystem boundary. Rename is the commit operation.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteBytes(path, data)
}

// WriteBytes atomically writes raw bytes to path with fsync before rename.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// ReadJSON reads path into v, validating that every name in required is
// present and non-null at the top level. A missing file returns ErrGone.
// Parse or validation failures return a ValidationError carrying a dump
// of the file content with a line/column hint; the file is deliberately
// left in place so a human can repair it.
func ReadJSON(path string, v any, required ...string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrGone
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return &relayerrors.ValidationError{
			Message: fmt.Sprintf("malformed JSON in %s: %v", filepath.Base(path), err),
			Detail:  diagnose(data, err),
		}
	}

	for _, name := range required {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return &relayerrors.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("required field missing in %s", filepath.Base(path)),
				Detail:  string(data),
			}
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return &relayerrors.ValidationError{
			Message: fmt.Sprintf("cannot decode %s: %v", filepath.Base(path), err),
			Detail:  diagnose(data, err),
		}
	}
	return nil
}

// diagnose renders the file content with a line/column hint when the
// error carries a byte offset.
func diagnose(data []byte, err error) string {
	var offset int64 = -1
	if se, ok := err.(*json.SyntaxError); ok {
		offset = se.Offset
	} else if ute, ok := err.(*json.UnmarshalTypeError); ok {
		offset = ute.Offset
	}
	if offset < 0 {
		return string(data)
	}
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(data)); i++ {
		if data[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return fmt.Sprintf("at line %d, column %d:\n%s", line, col, data)
}

// Consume unlinks a processed record. A file that is already gone is
// treated as consumed by someone else.
func Consume(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// List returns the paths in dir whose base name matches the doublestar
// pattern, oldest first by mtime. Reserved names and temp files are
// skipped. A missing directory lists as empty.
func List(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var matched []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || isReserved(name) {
			continue
		}
		ok, err := doublestar.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("bad spool pattern %q: %w", pattern, err)
		}
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Raced with a concurrent unlink; already consumed.
			continue
		}
		matched = append(matched, candidate{
			path:  filepath.Join(dir, name),
			mtime: info.ModTime().UnixNano(),
		})
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].mtime < matched[j].mtime })

	paths := make([]string, len(matched))
	for i, c := range matched {
		paths[i] = c.path
	}
	return paths, nil
}

func isReserved(name string) bool {
	for _, r := range ReservedNames {
		if name == r {
			return true
		}
	}
	return false
}
