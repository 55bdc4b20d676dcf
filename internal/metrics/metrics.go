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

// Package metrics holds the Prometheus instruments for the bus. There
// is no exposition endpoint; the instruments are inspectable in tests
// and ready for scraping if a listener is ever added.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent counts outbound sendMessage calls that succeeded.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transport_messages_sent_total",
		Help: "Chat messages sent.",
	})

	// MessageEdits counts outbound editMessageText calls that succeeded.
	MessageEdits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transport_message_edits_total",
		Help: "Chat message edits sent.",
	})

	// EditsDeduped counts edits suppressed by the dedup store before
	// reaching the wire.
	EditsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transport_edits_deduped_total",
		Help: "Chat message edits suppressed as identical content.",
	})

	// RateLimitRetries counts transport calls retried after a rate
	// limit response.
	RateLimitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_transport_rate_limit_retries_total",
		Help: "Transport calls retried after rate limiting.",
	})

	// ScanErrors counts scanner passes that failed on a record, by
	// scanner name.
	ScanErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_scanner_errors_total",
		Help: "Records a scanner failed to process.",
	}, []string{"scanner"})

	// WorkersSpawned counts detached worker processes started.
	WorkersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_workers_spawned_total",
		Help: "Worker processes spawned.",
	})
)
