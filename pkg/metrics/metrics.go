/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "realtime"
)

// Client labels
const (
	ClientWebSocket = "websocket"
	ClientStream    = "stream"
)

var connectionStates = []string{"disconnected", "connecting", "connected"}

// lastStates holds the most recent state recorded per client label,
// independent of whether collectors are enabled
var (
	lastStatesMu sync.RWMutex
	lastStates   = map[string]string{}
)

var (
	// Enabled controls whether Init registers real collectors
	Enabled bool

	once     sync.Once
	registry *prometheus.Registry

	// Until Init runs every metric is a noop, so libraries can record
	// unconditionally.
	ConnectionState         GaugeVec   = noopGaugeVec{}
	ReconnectAttemptsTotal  CounterVec = noopCounterVec{}
	QueueDepth              GaugeVec   = noopGaugeVec{}
	QueueDroppedTotal       CounterVec = noopCounterVec{}
	MessagesSentTotal       CounterVec = noopCounterVec{}
	MessagesDispatchedTotal CounterVec = noopCounterVec{}
	HeartbeatsSentTotal     CounterVec = noopCounterVec{}
	TerminalErrorsTotal     CounterVec = noopCounterVec{}
	CredentialRefreshTotal  CounterVec = noopCounterVec{}
	Up                      Gauge      = noopGauge{}
)

// SetEnabled toggles metrics collection. Call before Init.
func SetEnabled(enabled bool) {
	Enabled = enabled
}

// IsEnabled reports whether metrics collection is enabled
func IsEnabled() bool {
	return Enabled
}

func initMetrics() {
	ConnectionState = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"client", "state"},
	)

	ReconnectAttemptsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts",
		},
		[]string{"client"},
	)

	QueueDepth = newGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of outbound messages waiting for a connection",
		},
		[]string{"client"},
	)

	QueueDroppedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_dropped_total",
			Help:      "Total number of queued messages evicted by overflow",
		},
		[]string{"client"},
	)

	MessagesSentTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of outbound messages by outcome",
		},
		[]string{"client", "result"},
	)

	MessagesDispatchedTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dispatched_total",
			Help:      "Total number of inbound messages by dispatch result",
		},
		[]string{"client", "result"},
	)

	HeartbeatsSentTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total number of keep-alive messages sent",
		},
		[]string{"client"},
	)

	TerminalErrorsTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_errors_total",
			Help:      "Total number of times automatic recovery gave up",
		},
		[]string{"client"},
	)

	CredentialRefreshTotal = newCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Total number of reconnects forced by credential refresh",
		},
		[]string{"client"},
	)

	Up = newGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether the realtime client process is up",
		},
	)
}

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for _, c := range []any{
		ConnectionState,
		ReconnectAttemptsTotal,
		QueueDepth,
		QueueDroppedTotal,
		MessagesSentTotal,
		MessagesDispatchedTotal,
		HeartbeatsSentTotal,
		TerminalErrorsTotal,
		CredentialRefreshTotal,
		Up,
	} {
		if collector, ok := unwrap(c); ok {
			if err := registry.Register(collector); err != nil {
				// Already registered or other error - ignore
			}
		}
	}

	Up.Set(1)
}

// Init initializes the metrics registry with all collectors.
// This must be called after SetEnabled() has been called.
func Init() *prometheus.Registry {
	once.Do(func() {
		if !Enabled {
			registry = prometheus.NewRegistry()
			return
		}
		initMetrics()
		initRegistry()
	})

	return registry
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	if registry == nil {
		return Init()
	}
	return registry
}

// SetConnectionState marks current as the active state for client
func SetConnectionState(client, current string) {
	lastStatesMu.Lock()
	lastStates[client] = current
	lastStatesMu.Unlock()

	for _, s := range connectionStates {
		v := 0.0
		if s == current {
			v = 1
		}
		ConnectionState.WithLabelValues(client, s).Set(v)
	}
}

// ConnectionStates returns a copy of the last recorded state per client
func ConnectionStates() map[string]string {
	lastStatesMu.RLock()
	defer lastStatesMu.RUnlock()

	out := make(map[string]string, len(lastStates))
	for client, state := range lastStates {
		out[client] = state
	}
	return out
}
