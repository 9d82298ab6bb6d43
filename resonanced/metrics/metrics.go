// Copyright (c) 2026 The Tryfinity developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package metrics exposes prometheus collectors for the daemon and the
// reconciler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "resonance",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	markersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "ledger",
			Name:      "markers_created_total",
			Help:      "Markers recorded, by origin.",
		},
		[]string{"synthesized"},
	)
	confirmations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "ledger",
			Name:      "confirmations_total",
			Help:      "Processed confirmations, by outcome.",
		},
		[]string{"outcome"},
	)
	pendingMarkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "resonance",
			Subsystem: "ledger",
			Name:      "pending_markers",
			Help:      "Markers currently pending.",
		},
	)
	recordsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "store",
			Name:      "records_stored_total",
			Help:      "New record blobs written.",
		},
	)
	anchors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "reconciler",
			Name:      "anchors_total",
			Help:      "Anchor attempts, by result.",
		},
		[]string{"result"},
	)
	pollFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "resonance",
			Subsystem: "reconciler",
			Name:      "poll_failures_total",
			Help:      "Feed poll cycles that failed.",
		},
	)
	feedCursor = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "resonance",
			Subsystem: "reconciler",
			Name:      "feed_cursor",
			Help:      "Last fully processed feed position.",
		},
	)
	commitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "resonance",
			Subsystem: "reconciler",
			Name:      "commit_duration_seconds",
			Help:      "Commit and anchor duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration,
			markersCreated, confirmations, pendingMarkers,
			recordsStored, anchors, pollFailures, feedCursor,
			commitDuration)
	})
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).
		Observe(duration.Seconds())
}

func RecordMarkerCreated(synthesized bool) {
	RegisterMetrics()
	markersCreated.WithLabelValues(strconv.FormatBool(synthesized)).Inc()
}

func RecordConfirmation(outcome string) {
	RegisterMetrics()
	confirmations.WithLabelValues(outcome).Inc()
}

func SetPendingMarkers(n uint64) {
	RegisterMetrics()
	pendingMarkers.Set(float64(n))
}

func RecordStored() {
	RegisterMetrics()
	recordsStored.Inc()
}

func RecordAnchor(result string) {
	RegisterMetrics()
	anchors.WithLabelValues(result).Inc()
}

func RecordPollFailure() {
	RegisterMetrics()
	pollFailures.Inc()
}

func SetFeedCursor(position uint64) {
	RegisterMetrics()
	feedCursor.Set(float64(position))
}

func ObserveCommit(duration time.Duration) {
	RegisterMetrics()
	commitDuration.Observe(duration.Seconds())
}
