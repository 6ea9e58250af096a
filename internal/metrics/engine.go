// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Submission metrics
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfscan_submissions_total",
		Help: "Scan submissions by outcome",
	}, []string{"outcome"}) // outcome=accepted|rate_limited|client_error|upstream_error

	// Stream metrics
	activeStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfscan_active_streams",
		Help: "Currently open job streams",
	})
	waitQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfscan_wait_queue_depth",
		Help: "Jobs waiting for a stream slot",
	})
	streamEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfscan_stream_events_total",
		Help: "Stream events received by kind",
	}, []string{"kind"})
	streamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfscan_stream_reconnects_total",
		Help: "Stream connection retries after a connection-level failure",
	})
	terminalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelfscan_terminals_total",
		Help: "Terminal job outcomes by kind",
	}, []string{"kind"}) // kind=completed|error|canceled|exhausted

	// Durable queue metrics
	durableQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfscan_durable_queue_depth",
		Help: "Payloads persisted in the offline queue",
	})

	// Cooldown metrics
	cooldownActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfscan_cooldown_active",
		Help: "Whether a server rate-limit cooldown is active (1) or not (0)",
	})
	cooldownSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelfscan_cooldown_seconds_remaining",
		Help: "Seconds until the active cooldown expires",
	})
	rateLimitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfscan_rate_limits_total",
		Help: "Rate-limit responses observed from the service",
	})

	// Cleanup metrics
	cleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shelfscan_cleanup_failures_total",
		Help: "Failed best-effort cleanup calls (logged, never surfaced)",
	})
)

// RecordSubmission counts one submit call by outcome.
func RecordSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// SetActiveStreams records the current open-stream count.
func SetActiveStreams(n int) {
	activeStreams.Set(float64(n))
}

// SetWaitQueueDepth records the scheduler wait-queue length.
func SetWaitQueueDepth(n int) {
	waitQueueDepth.Set(float64(n))
}

// RecordStreamEvent counts one received stream event by kind.
func RecordStreamEvent(kind string) {
	streamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordStreamReconnect counts one stream reconnect attempt.
func RecordStreamReconnect() {
	streamReconnects.Inc()
}

// RecordTerminal counts one terminal outcome by kind.
func RecordTerminal(kind string) {
	terminalsTotal.WithLabelValues(kind).Inc()
}

// SetDurableQueueDepth records the offline queue depth.
func SetDurableQueueDepth(n int) {
	durableQueueDepth.Set(float64(n))
}

// RecordRateLimit counts one 429 from the service.
func RecordRateLimit() {
	rateLimitsTotal.Inc()
}

// SetCooldown records the current cooldown state.
func SetCooldown(active bool, remaining time.Duration) {
	if active {
		cooldownActive.Set(1)
	} else {
		cooldownActive.Set(0)
	}
	cooldownSeconds.Set(remaining.Seconds())
}

// RecordCleanupFailure counts one swallowed cleanup error.
func RecordCleanupFailure() {
	cleanupFailures.Inc()
}
