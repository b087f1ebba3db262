package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestEvents counts firehose operations folded into batches, by kind.
	IngestEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgen_ingest_events_total",
		Help: "Firehose operations processed, by kind.",
	}, []string{"kind"})

	// IngestFlushErrors counts failed batch flushes (the batch is re-queued).
	IngestFlushErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgen_ingest_flush_errors_total",
		Help: "Batch flushes that failed and were re-queued.",
	})

	// IngestFlushDuration observes transactional flush latency.
	IngestFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedgen_ingest_flush_duration_seconds",
		Help:    "Latency of one batched flush transaction.",
		Buckets: prometheus.DefBuckets,
	})

	// IngestFlushPosts observes post-insert counts per flush.
	IngestFlushPosts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedgen_ingest_flush_posts",
		Help:    "Post inserts per flush.",
		Buckets: []float64{0, 10, 50, 100, 250, 500, 1000, 2500},
	})

	// IngestCursor exports the last committed firehose cursor (time_us).
	IngestCursor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedgen_ingest_cursor_time_us",
		Help: "Last committed firehose cursor in event microseconds.",
	})

	// RankDuration observes end-to-end ranking latency by mode.
	RankDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedgen_rank_duration_seconds",
		Help:    "Latency of one ranking pipeline run.",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// RankCandidates observes recall pool sizes by bucket.
	RankCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedgen_rank_candidates",
		Help:    "Candidates recalled per bucket.",
		Buckets: []float64{0, 50, 200, 500, 1000, 2000, 4000},
	}, []string{"bucket"})

	// ServedPosts counts posts placed in feed responses.
	ServedPosts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgen_served_posts_total",
		Help: "Posts placed in feed skeleton responses.",
	})

	// SemanticRuns counts semantic batch pipeline runs by outcome.
	SemanticRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgen_semantic_runs_total",
		Help: "Semantic batch pipeline runs, by outcome.",
	}, []string{"outcome"})
)
