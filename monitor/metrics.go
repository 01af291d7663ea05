// Package monitor exposes Prometheus metrics for the relay path.
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	relayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrelay_relay_requests_total",
		Help: "Relayed requests by channel, model and HTTP status.",
	}, []string{"channel", "model", "status"})

	relayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qrelay_relay_duration_seconds",
		Help:    "End-to-end relay latency by channel.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"channel"})

	accountErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrelay_account_errors_total",
		Help: "Upstream errors attributed to an account.",
	}, []string{"account", "rate_limited"})

	breakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrelay_breaker_opens_total",
		Help: "Circuit breaker openings per account.",
	}, []string{"account"})
)

// ObserveRelay records one finished relay attempt as seen by the
// client.
func ObserveRelay(channel, model string, status int, elapsed time.Duration) {
	if channel == "" {
		channel = "none"
	}
	if model == "" {
		model = "none"
	}
	relayRequests.WithLabelValues(channel, model, strconv.Itoa(status)).Inc()
	relayDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// ObserveAccountError counts an upstream failure against an account.
func ObserveAccountError(accountId string, rateLimited bool) {
	accountErrors.WithLabelValues(accountId, strconv.FormatBool(rateLimited)).Inc()
}

// ObserveBreakerOpen counts a breaker opening.
func ObserveBreakerOpen(accountId string) {
	breakerOpens.WithLabelValues(accountId).Inc()
}

// Handler serves the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
