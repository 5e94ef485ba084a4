// Package metrics holds the Prometheus collectors shared by the fetch,
// backtest, and HTTP layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "barreplay"

var (
	// ProviderRequests counts outbound provider HTTP requests, retries
	// included.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Outbound requests issued to bar providers",
		},
		[]string{"provider"},
	)

	// ProviderFailures counts fetches that failed after retries.
	ProviderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "failures_total",
			Help:      "Provider fetches that failed terminally",
		},
		[]string{"provider", "op"},
	)

	// FetchedBars counts bars received from providers.
	FetchedBars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "bars_total",
			Help:      "Bars received from providers and stored in the cache",
		},
		[]string{"exchange", "timeframe"},
	)

	// CacheResults counts orchestrator outcomes per mode: "hit" when the
	// cache already satisfied the request, "refetch" when the gap or
	// density test forced a provider fetch.
	CacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "cache_results_total",
			Help:      "Bar cache outcomes by request mode",
		},
		[]string{"mode", "result"},
	)

	// LiveBars counts closed klines appended by the live stream.
	LiveBars = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "live",
			Name:      "bars_total",
			Help:      "Closed klines appended from the live stream",
		},
		[]string{"symbol", "timeframe"},
	)

	// BacktestRuns counts finished runs by terminal status.
	BacktestRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Backtest runs by terminal status",
		},
		[]string{"strategy", "status"},
	)

	// BacktestDuration observes wall time of backtest replays.
	BacktestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "duration_seconds",
			Help:      "Wall time of backtest replays",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		},
		[]string{"strategy"},
	)

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP API requests processed",
		},
		[]string{"route", "status"},
	)
)
