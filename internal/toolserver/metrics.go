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

package toolserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// toolCalls tracks tool call dispatches by server and outcome
	toolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_tool_calls_total",
			Help: "Total tool calls by server name and outcome",
		},
		[]string{"server", "outcome"},
	)

	// toolCallDuration tracks tool call latency
	toolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_tool_call_duration_seconds",
			Help:    "Tool call latency by server name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server"},
	)

	// serverRestarts tracks crash restarts
	serverRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_server_restarts_total",
			Help: "Total crash restarts by server name",
		},
		[]string{"server"},
	)

	// serverEvictions tracks idle evictions
	serverEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_server_evictions_total",
			Help: "Total idle evictions by server name",
		},
		[]string{"server"},
	)

	// serversRunning tracks currently running instances
	serversRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_servers_running",
			Help: "Number of currently running tool server instances",
		},
	)
)

// recordCall increments the call counter and observes latency
func recordCall(server, outcome string, seconds float64) {
	toolCalls.WithLabelValues(server, outcome).Inc()
	toolCallDuration.WithLabelValues(server).Observe(seconds)
}

// recordRestart increments the restart counter
func recordRestart(server string) {
	serverRestarts.WithLabelValues(server).Inc()
}

// recordEviction increments the eviction counter
func recordEviction(server string) {
	serverEvictions.WithLabelValues(server).Inc()
}
