// Package metrics exposes the daemon's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termbridge_sessions_active",
		Help: "Number of live pty sessions",
	})
	SpawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termbridge_spawns_total",
		Help: "Total number of pty spawns",
	})
	DeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termbridge_deaths_total",
		Help: "Total number of pty deaths",
	})

	// I/O metrics
	BytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termbridge_pty_read_bytes_total",
		Help: "Bytes read from pty masters",
	})
	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termbridge_pty_written_bytes_total",
		Help: "Bytes written to pty masters",
	})
	ReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "termbridge_pty_read_errors_total",
		Help: "Failed reads on pty masters",
	})

	// WebSocket metrics
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "termbridge_ws_connections",
		Help: "Number of active WebSocket connections",
	})
	WSMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "termbridge_ws_messages_total",
		Help: "Total number of WebSocket messages",
	}, []string{"direction", "type"})
)
