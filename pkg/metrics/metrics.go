// Copyright 2023 The fleetsync Authors
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

// package metrics provides Prometheus metrics for sync sessions.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used with MessagesDroppedTotal.
const (
	ReasonMalformed = "malformed"
	ReasonEcho      = "echo"
	ReasonPanic     = "panic"
)

// RPC outcomes used with RPCCallsTotal.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

var (
	// MessagesReceivedTotal counts broker messages received by a session.
	MessagesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsync_messages_received_total",
		Help: "The total number of broker messages received by a sync session.",
	},
		[]string{"session"},
	)

	// MessagesPublishedTotal counts messages published by a session.
	MessagesPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsync_messages_published_total",
		Help: "The total number of messages published by a sync session.",
	},
		[]string{"session"},
	)

	// MessagesDroppedTotal counts inbound messages that were not applied.
	MessagesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsync_messages_dropped_total",
		Help: "The total number of inbound messages dropped, by reason.",
	},
		[]string{"session", "reason"},
	)

	// RPCCallsTotal counts outgoing calls by outcome.
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsync_rpc_calls_total",
		Help: "The total number of RPC calls made, by outcome.",
	},
		[]string{"session", "outcome"},
	)

	// ConnectionsTotal counts established broker connections.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetsync_connections_total",
		Help: "The total number of broker connections established by a sync session.",
	},
		[]string{"session"},
	)

	// Connected is 1 while the session's broker connection is up.
	Connected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetsync_connected",
		Help: "Whether the sync session is connected to the broker.",
	},
		[]string{"session"},
	)

	// Ready is 1 once the heartbeat was received on the current connection.
	Ready = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetsync_ready",
		Help: "Whether the sync session received the broker heartbeat since connecting.",
	},
		[]string{"session"},
	)

	// CacheLeaves is the number of leaves stored in a session's cache.
	CacheLeaves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetsync_cache_leaves",
		Help: "The number of leaf values in the sync session's data cache.",
	},
		[]string{"session"},
	)
)

// Forget removes the series of a closed session.
func Forget(session string) {
	MessagesReceivedTotal.DeleteLabelValues(session)
	MessagesPublishedTotal.DeleteLabelValues(session)
	ConnectionsTotal.DeleteLabelValues(session)
	Connected.DeleteLabelValues(session)
	Ready.DeleteLabelValues(session)
	CacheLeaves.DeleteLabelValues(session)
	MessagesDroppedTotal.DeletePartialMatch(prometheus.Labels{"session": session})
	RPCCallsTotal.DeletePartialMatch(prometheus.Labels{"session": session})
}

// Handler returns the HTTP handler exposing the metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
