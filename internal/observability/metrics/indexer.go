package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/knowledge-indexer/internal/core/domain"
)

const namespace = "kidx"

// IndexerMetrics records jobs, embedding batches, reindex outcomes, crawler
// fetches and retrievals in a private registry.
type IndexerMetrics struct {
	registry *prometheus.Registry

	jobRunsTotal     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobInFlight      prometheus.Gauge
	embedBatches     *prometheus.CounterVec
	embedDuration    prometheus.Histogram
	fragmentsTotal   *prometheus.CounterVec
	sourcesTotal     *prometheus.CounterVec
	crawlFetches     *prometheus.CounterVec
	retrievalsTotal  *prometheus.CounterVec
	retrievalHits    prometheus.Histogram
	retrievalLatency prometheus.Histogram
}

func NewIndexerMetrics(service string) *IndexerMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	jobRunsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "runs_total",
			Help:        "Finished background jobs by kind and final state.",
			ConstLabels: constLabels,
		},
		[]string{"kind", "state"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "duration_seconds",
			Help:        "Background job duration in seconds by kind.",
			Buckets:     []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			ConstLabels: constLabels,
		},
		[]string{"kind"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "jobs",
			Name:        "in_flight",
			Help:        "Number of running background jobs.",
			ConstLabels: constLabels,
		},
	)
	embedBatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "embedding",
			Name:        "batches_total",
			Help:        "Embedding batches by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	embedDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "embedding",
			Name:        "batch_duration_seconds",
			Help:        "Embedding batch duration in seconds, retries included.",
			Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
	)
	fragmentsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "fragments_total",
			Help:        "Fragments embedded or reused from earlier runs.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)
	sourcesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "index",
			Name:        "sources_total",
			Help:        "Sources seen by reindex runs by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)
	crawlFetches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "crawler",
			Name:        "fetches_total",
			Help:        "Crawler page fetches by outcome.",
			ConstLabels: constLabels,
		},
		[]string{"outcome"},
	)
	retrievalsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "retrieval",
			Name:        "requests_total",
			Help:        "Retrieval requests by status.",
			ConstLabels: constLabels,
		},
		[]string{"status"},
	)
	retrievalHits := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "retrieval",
			Name:        "hits",
			Help:        "Fragments returned per retrieval.",
			Buckets:     []float64{0, 1, 2, 3, 5, 8, 13, 20},
			ConstLabels: constLabels,
		},
	)
	retrievalLatency := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "retrieval",
			Name:        "duration_seconds",
			Help:        "Retrieval duration in seconds, query embedding included.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
	)

	registry.MustRegister(
		jobRunsTotal, jobDuration, jobInFlight,
		embedBatches, embedDuration, fragmentsTotal, sourcesTotal,
		crawlFetches, retrievalsTotal, retrievalHits, retrievalLatency,
	)

	return &IndexerMetrics{
		registry:         registry,
		jobRunsTotal:     jobRunsTotal,
		jobDuration:      jobDuration,
		jobInFlight:      jobInFlight,
		embedBatches:     embedBatches,
		embedDuration:    embedDuration,
		fragmentsTotal:   fragmentsTotal,
		sourcesTotal:     sourcesTotal,
		crawlFetches:     crawlFetches,
		retrievalsTotal:  retrievalsTotal,
		retrievalHits:    retrievalHits,
		retrievalLatency: retrievalLatency,
	}
}

func (m *IndexerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *IndexerMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *IndexerMetrics) JobStarted(domain.JobKind) {
	m.jobInFlight.Inc()
}

func (m *IndexerMetrics) JobFinished(kind domain.JobKind, state domain.JobState, duration time.Duration) {
	m.jobInFlight.Dec()
	m.jobRunsTotal.WithLabelValues(string(kind), string(state)).Inc()
	m.jobDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

func (m *IndexerMetrics) ObserveEmbedBatch(_ int, duration time.Duration, err error) {
	m.embedBatches.WithLabelValues(status(err)).Inc()
	m.embedDuration.Observe(duration.Seconds())
}

func (m *IndexerMetrics) ObserveReindex(report domain.IndexReport) {
	m.fragmentsTotal.WithLabelValues("embedded").Add(float64(report.FragmentsEmbedded))
	m.fragmentsTotal.WithLabelValues("reused").Add(float64(report.FragmentsReused))
	m.sourcesTotal.WithLabelValues("indexed").Add(float64(report.SourcesIndexed))
	m.sourcesTotal.WithLabelValues("skipped").Add(float64(report.SourcesSkipped))
	m.sourcesTotal.WithLabelValues("failed").Add(float64(report.SourcesFailed))
}

func (m *IndexerMetrics) ObserveCrawlFetch(outcome string) {
	m.crawlFetches.WithLabelValues(outcome).Inc()
}

func (m *IndexerMetrics) ObserveRetrieval(duration time.Duration, hits int, noKnowledge bool, err error) {
	switch {
	case err != nil:
		m.retrievalsTotal.WithLabelValues("error").Inc()
	case noKnowledge:
		m.retrievalsTotal.WithLabelValues("no_knowledge").Inc()
	default:
		m.retrievalsTotal.WithLabelValues("success").Inc()
	}
	if err == nil {
		m.retrievalHits.Observe(float64(hits))
	}
	m.retrievalLatency.Observe(duration.Seconds())
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
