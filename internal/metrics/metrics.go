package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pipeline metrics
	PipelineRunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_pipeline_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
	)

	PipelineRunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbook_pipeline_runs_completed_total",
			Help: "Total number of pipeline runs completed",
		},
		[]string{"status"},
	)

	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playbook_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playbook_stage_duration_ms",
			Help:    "Stage execution duration in milliseconds",
			Buckets: []float64{10, 50, 100, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"stage"},
	)

	StageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbook_stage_errors_total",
			Help: "Total degraded stage failures by stage and kind",
		},
		[]string{"stage", "kind"},
	)

	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbook_routing_decisions_total",
			Help: "Total routing decisions at coverage evaluation",
		},
		[]string{"branch"},
	)

	// Document cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_document_cache_hits_total",
			Help: "Total document cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_document_cache_misses_total",
			Help: "Total document cache misses",
		},
	)

	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "playbook_document_cache_size",
			Help: "Number of documents currently cached",
		},
	)

	CacheRefreshFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_document_cache_refresh_failures_total",
			Help: "Total failed background cache refreshes",
		},
	)

	// Checkpoint metrics
	CheckpointWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_checkpoint_writes_total",
			Help: "Total checkpoint writes attempted",
		},
	)

	CheckpointWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_checkpoint_write_failures_total",
			Help: "Total failed checkpoint writes",
		},
	)

	CheckpointQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_checkpoint_queue_dropped_total",
			Help: "Total checkpoints dropped because the write queue was full",
		},
	)

	// LLM collaborator metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playbook_llm_requests_total",
			Help: "Total language-model requests",
		},
		[]string{"status"},
	)

	LLMTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playbook_llm_tokens_used",
			Help:    "Tokens used per language-model call",
			Buckets: []float64{10, 50, 100, 500, 1000, 5000, 10000},
		},
	)

	// Session metrics
	SessionMessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "playbook_session_messages_appended_total",
			Help: "Total messages appended to conversation histories",
		},
	)
)
