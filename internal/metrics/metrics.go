// Package metrics exposes Prometheus collectors for the pet image pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pets_dispatch_batches_total",
			Help: "Dispatch batches, labeled by outcome.",
		},
		[]string{"status"},
	)

	dispatchPetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pets_dispatch_pets_total",
			Help: "Records included in successfully dispatched batches.",
		},
	)

	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pets_remote_requests_total",
			Help: "Outbound worker requests, labeled by worker and outcome.",
		},
		[]string{"worker", "outcome"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pets_rate_limit_delays_seconds",
			Help:    "Histogram of outbound rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"host"},
	)

	queueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pets_queue_messages_total",
			Help: "Processed work messages, labeled by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	queueActiveHandlers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pets_queue_active_handlers",
			Help: "Work messages currently being handled.",
		},
	)

	expirationRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pets_expiration_rows_total",
			Help: "Rows transitioned by the expiration manager, labeled by stage.",
		},
		[]string{"stage"},
	)

	imageWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pets_image_writes_total",
			Help: "Image object writes, labeled by format and operation.",
		},
		[]string{"format", "op"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// SanitizeHost extracts a lowercase hostname from a URL, or "unknown".
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch records one dispatch run.
func ObserveDispatch(status string, pets int) {
	dispatchBatchesTotal.WithLabelValues(status).Inc()
	if pets > 0 {
		dispatchPetsTotal.Add(float64(pets))
	}
}

// ObserveRemoteRequest records one outbound worker call.
func ObserveRemoteRequest(worker, outcome string) {
	remoteRequestsTotal.WithLabelValues(worker, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveMessage records the outcome of one work message.
func ObserveMessage(messageType, outcome string) {
	queueMessagesTotal.WithLabelValues(messageType, outcome).Inc()
}

// IncActiveHandlers increments the active handler gauge.
func IncActiveHandlers() {
	queueActiveHandlers.Inc()
}

// DecActiveHandlers decrements the active handler gauge.
func DecActiveHandlers() {
	queueActiveHandlers.Dec()
}

// ObserveExpiration records rows moved through an expiration stage.
func ObserveExpiration(stage string, rows int64) {
	if rows > 0 {
		expirationRowsTotal.WithLabelValues(stage).Add(float64(rows))
	}
}

// ObserveImageWrite records an image upload or delete.
func ObserveImageWrite(format, op string) {
	imageWritesTotal.WithLabelValues(format, op).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
