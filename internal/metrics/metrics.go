// Package metrics exposes Prometheus instrumentation for the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently attached WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_connections",
		Help: "Number of live WebSocket connections.",
	})

	// MessagesTotal counts persisted messages by kind.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Messages persisted and distributed, by kind.",
	}, []string{"kind"})

	// RejectedTotal counts submissions rejected before persistence.
	RejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_rejected_submissions_total",
		Help: "Client submissions rejected by validation or store failure.",
	})

	// DeliveryErrors counts per-connection send failures during fan-out.
	DeliveryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_delivery_errors_total",
		Help: "Failed event deliveries to individual connections.",
	})
)
