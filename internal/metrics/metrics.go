package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EstimatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_estimates_total",
			Help: "Total number of estimates computed, by outcome",
		},
		[]string{"outcome"},
	)

	EstimateWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricing_estimate_warnings_total",
			Help: "Total number of soft-validation warnings returned with estimates",
		},
	)

	ConfigVersions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_config_versions_total",
			Help: "Total number of version records appended, by kind",
		},
		[]string{"kind"},
	)

	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricing_store_fallbacks_total",
			Help: "Total number of operations served by the secondary store or the bundled default",
		},
		[]string{"op"},
	)

	StoreWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pricing_store_write_retries_total",
			Help: "Total number of failed version-log writes that were retried",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "pricing_http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"route", "method", "status"},
	)
)
