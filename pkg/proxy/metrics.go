package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session outcomes.
const (
	OutcomeHit           = "hit"
	OutcomeMiss          = "miss"
	OutcomeRevalidated   = "revalidated"
	OutcomeBadRequest    = "bad_request"
	OutcomeURITooLong    = "uri_too_long"
	OutcomeUpstreamError = "upstream_error"
	OutcomeNoRequest     = "no_request"
	OutcomeAborted       = "aborted"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_sessions_total",
		Help: "Total client sessions by outcome",
	}, []string{"outcome"})

	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_session_duration_seconds",
		Help:    "Client session duration in seconds by outcome",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 15},
	}, []string{"outcome"})

	synthesizedResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_synthesized_responses_total",
		Help: "Total responses generated by the proxy itself by status code",
	}, []string{"status"})

	clientWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_client_write_errors_total",
		Help: "Total sessions whose client stopped accepting bytes",
	})
)
