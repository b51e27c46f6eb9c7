package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TurnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfolio_rag_turn_duration_seconds",
			Help:    "Conversation turn duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"status"},
	)

	TurnTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_rag_turn_total",
			Help: "Total number of conversation turns handled",
		},
		[]string{"status"},
	)

	SearchDegradedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_rag_search_degraded_total",
			Help: "Searches that fell back to lexical-only results",
		},
	)

	SearchResultsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portfolio_rag_search_results_count",
			Help:    "Number of candidates returned per search strategy",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"source"},
	)

	AnalyticsWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_rag_analytics_writes_total",
			Help: "Analytics records by outcome",
		},
		[]string{"status"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portfolio_rag_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	// BreakerState is 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portfolio_rag_circuit_breaker_state",
			Help: "Circuit breaker state per protected dependency",
		},
		[]string{"name"},
	)

	ContentItemsIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portfolio_rag_content_items_indexed_total",
			Help: "Total content items written to the corpus",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(TurnDuration)
		prometheus.MustRegister(TurnTotal)
		prometheus.MustRegister(SearchDegradedTotal)
		prometheus.MustRegister(SearchResultsCount)
		prometheus.MustRegister(AnalyticsWrites)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(BreakerState)
		prometheus.MustRegister(ContentItemsIndexed)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
