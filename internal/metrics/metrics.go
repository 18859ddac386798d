package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch lifecycle
	FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_fetches_total",
		Help: "Expense list fetches by outcome.",
	}, []string{"outcome"}) // outcome: "success", "failure" or "stale"
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "expenseview_fetch_duration_seconds",
		Help:    "Duration of expense list fetches against the backend.",
		Buckets: prometheus.DefBuckets,
	})
	MalformedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_malformed_records_total",
		Help: "Backend records dropped during normalization.",
	}, []string{"field"})
	ListVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "expenseview_list_version",
		Help: "Current version of the canonical expense list.",
	})
	ExpensesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "expenseview_expenses_loaded",
		Help: "Number of expenses in the canonical list.",
	})
	SnapshotFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expenseview_snapshot_fallbacks_total",
		Help: "Times a failed fetch was served from the persisted snapshot.",
	})

	// Mutations proxied to the backend
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_mutations_total",
		Help: "Create, update, delete and upload call-throughs by outcome.",
	}, []string{"operation", "status"})

	// View cache
	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_cache_lookups_total",
		Help: "Derived view cache lookups.",
	}, []string{"cache", "result"}) // result: "hit" or "miss"

	// Worker
	ChangeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_change_events_total",
		Help: "expense.changed messages published or consumed.",
	}, []string{"direction", "status"})
	RollupExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expenseview_rollup_exports_total",
		Help: "Rollup exports to the configured writer.",
	}, []string{"status"})

	// Rate limiting
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expenseview_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter.",
	})
)

// Outcome label values
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeStale   = "stale"
)
