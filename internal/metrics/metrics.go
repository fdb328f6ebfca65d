// Package metrics exposes Prometheus instrumentation for the SMTP and POP3
// servers and the message store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bumsink_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bumsink_connections_current",
			Help: "Current number of open sessions",
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bumsink_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command"},
	)
)

// Store metrics
var (
	MessagesSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bumsink_messages_saved_total",
			Help: "Total number of messages written to the store",
		},
	)

	MessagesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bumsink_messages_purged_total",
			Help: "Total number of message files removed on POP3 QUIT",
		},
	)

	StoredMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bumsink_store_messages",
			Help: "Number of messages tracked by the store, including deleted ones",
		},
	)
)

// Relay metrics
var (
	RelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bumsink_relay_total",
			Help: "Total number of relay attempts by provider and result",
		},
		[]string{"provider", "result"},
	)
)
