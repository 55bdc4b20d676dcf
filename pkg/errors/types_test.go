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

package errors

import (
	"testing"
	"time"
)

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "session_id", Message: "required field missing"}
	want := "validation failed on session_id: required field missing"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	err = &ValidationError{Message: "malformed JSON"}
	want = "validation failed: malformed JSON"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransportError(t *testing.T) {
	cause := New("boom")
	err := &TransportError{Method: "editMessageText", Code: 429, Message: "Too Many Requests", RetryAfter: 7 * time.Second, Cause: cause}

	if !err.IsRateLimit() {
		t.Error("IsRateLimit() = false, want true for 429")
	}
	if !Is(err, cause) {
		t.Error("errors.Is did not unwrap to cause")
	}

	var te *TransportError
	if !As(Wrap(err, "editing"), &te) {
		t.Error("errors.As failed through Wrap")
	}
}

func TestExpiredError(t *testing.T) {
	err := &ExpiredError{Resource: "callback", ID: "cb_deadbeef", Age: 6 * time.Minute}
	var ee *ExpiredError
	if !As(err, &ee) {
		t.Fatal("errors.As failed for ExpiredError")
	}
	if ee.Age != 6*time.Minute {
		t.Errorf("Age = %v, want 6m", ee.Age)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, "context") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if Wrapf(nil, "context %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}
