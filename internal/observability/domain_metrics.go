package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_pipeline_runs_total",
			Help: "Total number of pipeline runs by terminal outcome.",
		},
		[]string{"outcome"},
	)
	pipelineRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygen_pipeline_run_duration_seconds",
			Help:    "End-to-end pipeline run latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 90},
		},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygen_pipeline_stage_duration_seconds",
			Help:    "Pipeline stage latency by stage name.",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
	correctionAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygen_correction_attempts",
			Help:    "Correction attempts used per pipeline run.",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)
	relevanceFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygen_relevance_keyword_fallback_total",
			Help: "Total number of relevance searches that degraded to keyword-only scoring.",
		},
	)
	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_cache_lookups_total",
			Help: "Cache lookups by cache name and result.",
		},
		[]string{"cache", "result"},
	)
	sandboxChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_sandbox_checks_total",
			Help: "Zero-row sandbox checks by result.",
		},
		[]string{"result"},
	)
	indexerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_indexer_runs_total",
			Help: "Embedding index rebuilds by result.",
		},
		[]string{"result"},
	)
	indexerTablesEmbedded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygen_indexer_tables_embedded_total",
			Help: "Total number of table embeddings computed by the indexer.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		pipelineRunsTotal,
		pipelineRunDurationSeconds,
		pipelineStageDurationSeconds,
		correctionAttempts,
		relevanceFallbackTotal,
		cacheLookupsTotal,
		sandboxChecksTotal,
		indexerRunsTotal,
		indexerTablesEmbedded,
	)
}

func ObservePipelineRun(outcome string, attempts int, elapsed time.Duration) {
	pipelineRunsTotal.WithLabelValues(outcome).Inc()
	pipelineRunDurationSeconds.Observe(elapsed.Seconds())
	if attempts < 0 {
		attempts = 0
	}
	correctionAttempts.Observe(float64(attempts))
}

func ObserveStage(stage string, elapsed time.Duration) {
	pipelineStageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func IncrementRelevanceFallback() {
	relevanceFallbackTotal.Inc()
}

func ObserveCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

func ObserveSandboxCheck(result string) {
	sandboxChecksTotal.WithLabelValues(result).Inc()
}

func ObserveIndexerRun(err error, tables int) {
	if err != nil {
		indexerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	indexerRunsTotal.WithLabelValues("ok").Inc()
	if tables > 0 {
		indexerTablesEmbedded.Add(float64(tables))
	}
}
