package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 查询链路指标
var (
	QueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragcore_queries_total",
		Help: "Total RAG queries by outcome",
	}, []string{"outcome"}) // answered | fallback | blocked | error

	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragcore_query_duration_seconds",
		Help:    "End to end RAG query latency",
		Buckets: prometheus.DefBuckets,
	})

	ConfidenceLevels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragcore_confidence_levels_total",
		Help: "Confidence gate decisions by level",
	}, []string{"level"})

	ChunksSelected = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragcore_chunks_selected",
		Help:    "Chunks selected per query after reranking",
		Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12},
	})

	CostStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragcore_cost_states_total",
		Help: "Tenant cost state observed per query",
	}, []string{"state"})

	ProviderCostUSD = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragcore_provider_cost_usd_total",
		Help: "Cumulative provider spend in USD",
	})
)

// 任务队列指标
var (
	JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragcore_jobs_claimed_total",
		Help: "Jobs claimed by workers",
	})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ragcore_jobs_completed_total",
		Help: "Jobs finished by outcome",
	}, []string{"outcome"}) // completed | retried | dead_lettered

	JobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragcore_jobs_recovered_total",
		Help: "Stuck jobs recovered after lease expiry",
	})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ragcore_job_duration_seconds",
		Help:    "Job processing duration",
		Buckets: prometheus.DefBuckets,
	})

	EmbeddingDedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ragcore_embedding_dedup_hits_total",
		Help: "Embedding jobs short-circuited by an existing active record",
	})
)
