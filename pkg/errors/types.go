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

// Package errors defines the typed error taxonomy shared by the bus and
// the worker. Callers match on these types with errors.As to decide
// disposition: validation errors leave the offending file in place,
// expiry errors answer the user, transport errors drive retry.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents malformed or incomplete input data.
// Inbound spool records that fail validation are rejected in place:
// the file is kept on disk so a human can inspect and repair it.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Detail carries extra diagnostic context, e.g. a dump of the
	// offending file content with a line/column hint
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workflow", "callback", "summary")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ExpiredError represents state that existed but aged out of its TTL.
// Callback tokens older than STATE_TTL resolve to this.
type ExpiredError struct {
	// Resource is the type of resource (e.g., "callback")
	Resource string

	// ID is the identifier that expired
	ID string

	// Age is how old the state was when it was consulted
	Age time.Duration
}

// Error implements the error interface.
func (e *ExpiredError) Error() string {
	return fmt.Sprintf("%s expired: %s (age %s)", e.Resource, e.ID, e.Age.Round(time.Second))
}

// TransportError represents chat-transport failures.
// Rate-limit responses carry RetryAfter; the adapter honors it before
// falling back to exponential backoff.
type TransportError struct {
	// Method is the transport method that failed (e.g., "sendMessage")
	Method string

	// Code is the transport-level error code (HTTP status or API code)
	Code int

	// Message is the human-readable error message
	Message string

	// RetryAfter is the backoff interval signalled by the transport,
	// zero when none was given
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := fmt.Sprintf("transport %s error", e.Method)
	if e.Code > 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s (retry after %s)", msg, e.RetryAfter)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsRateLimit reports whether the error is a rate-limit response that
// should be retried after a backoff.
func (e *TransportError) IsRateLimit() bool {
	return e.Code == 429 || e.RetryAfter > 0
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "telegram.token")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "assistant subprocess")
	Operation string

	// Timeout is the configured limit that was exceeded
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Timeout)
}
