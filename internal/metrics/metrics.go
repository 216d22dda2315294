// Auricle - Music Listening History Collector
// Copyright 2026 D. Stanley (dstanley)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dstanley/auricle

// Package metrics provides Prometheus instrumentation for the ingestion
// engine: job outcomes, API request behavior, and import throughput.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job Metrics
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auricle_jobs_completed_total",
			Help: "Total job runs by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "auricle_job_duration_seconds",
			Help:    "Duration of job runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s .. ~200s
		},
		[]string{"kind"},
	)

	RecordsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auricle_records_ingested_total",
			Help: "Normalized play records by source and disposition",
		},
		[]string{"source", "disposition"}, // disposition: inserted, skipped
	)

	// Streaming API Metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auricle_api_requests_total",
			Help: "Streaming API requests by outcome",
		},
		[]string{"outcome"}, // ok, auth_error, rate_limited, server_error, request_error
	)

	APIRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auricle_api_retries_total",
			Help: "Retried streaming API requests",
		},
	)

	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "auricle_rate_limit_wait_seconds",
			Help:    "Backoff wait durations before retrying a rate-limited request",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~4m
		},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auricle_token_refreshes_total",
			Help: "Access-credential refreshes by trigger and outcome",
		},
		[]string{"trigger", "outcome"}, // trigger: proactive, reactive
	)

	// Circuit breaker state: 0=closed, 1=half-open, 2=open
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "auricle_circuit_breaker_state",
			Help: "Streaming API circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Import Metrics
	ImportArchives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auricle_import_archives_total",
			Help: "Export archive imports by outcome",
		},
		[]string{"outcome"}, // ok, format_error
	)

	ImportFilesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "auricle_import_files_skipped_total",
			Help: "Archive member files matching no known export schema",
		},
	)
)
