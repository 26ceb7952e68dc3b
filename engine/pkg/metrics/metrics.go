// Package metrics defines the Prometheus collectors for the dividend engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "divvy_engine_build_info",
			Help: "Build information of the divvy dividend engine",
		},
		[]string{"version", "commit", "date"},
	)

	TradesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_trades_ingested_total",
			Help: "Total number of share trades ingested",
		},
		[]string{"side", "status"},
	)

	EpochFinalizeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_epoch_finalize_total",
			Help: "Total number of epoch finalization attempts",
		},
		[]string{"status"},
	)

	EpochFinalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "divvy_engine_epoch_finalize_duration_seconds",
			Help:    "Duration of epoch finalizations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4.1s
		},
	)

	DividendsCalculatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_dividends_calculated_total",
			Help: "Total number of dividend calculation runs",
		},
		[]string{"status"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_claims_total",
			Help: "Total number of dividend claim attempts",
		},
		[]string{"status"},
	)

	SharesUnlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "divvy_engine_shares_unlocked_total",
			Help: "Total number of creators whose shares were unlocked",
		},
	)

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_job_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"kind", "status"},
	)

	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_job_retries_total",
			Help: "Total number of job retry attempts",
		},
		[]string{"kind"},
	)

	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_dead_letters_total",
			Help: "Total number of jobs routed to the dead-letter store",
		},
		[]string{"kind"},
	)

	IntegrityFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "divvy_engine_integrity_faults_total",
			Help: "Total number of data-integrity faults detected",
		},
		[]string{"component"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "divvy_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"route", "method", "status"},
	)
)
