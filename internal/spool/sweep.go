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

package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SweepOlderThan removes files in dir whose mtime is older than ttl.
// Returns the number of files removed. Files that vanish mid-sweep are
// counted as already consumed.
func SweepOlderThan(dir string, ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil || os.IsNotExist(err) {
			removed++
		}
	}
	return removed, nil
}

// CapFiles removes the oldest files in dir beyond max entries.
// Returns the number of files removed.
func CapFiles(dir string, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	type aged struct {
		name  string
		mtime time.Time
	}
	var files []aged
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: entry.Name(), mtime: info.ModTime()})
	}
	if len(files) <= max {
		return 0, nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })

	removed := 0
	for _, f := range files[:len(files)-max] {
		if err := os.Remove(filepath.Join(dir, f.name)); err == nil || os.IsNotExist(err) {
			removed++
		}
	}
	return removed, nil
}
