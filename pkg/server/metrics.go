package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_connections_accepted_total",
		Help: "Total accepted client connections",
	})

	acceptErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_accept_errors_total",
		Help: "Total failed accept calls",
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_active_sessions",
		Help: "Sessions currently being served",
	})

	queuedConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_queued_connections",
		Help: "Accepted connections waiting for a worker",
	})
)
