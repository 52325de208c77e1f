package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schemaDiscoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_schema_discoveries_total",
			Help: "Total number of schema discovery runs by database.",
		},
		[]string{"database"},
	)
	schemaDocumentsIngested = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "askdb_schema_documents",
			Help: "Current count of ingested schema documents per database.",
		},
		[]string{"database"},
	)
	embeddingsComputedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_embeddings_computed_total",
			Help: "Total number of document embeddings computed.",
		},
	)
	embeddingsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_embeddings_skipped_total",
			Help: "Total number of embeddings skipped because content hashes matched.",
		},
	)
	searchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askdb_index_searches_total",
			Help: "Total number of semantic searches against the embedding index.",
		},
	)
	synthesisResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_synthesis_results_total",
			Help: "Total number of synthesis outcomes by result kind.",
		},
		[]string{"kind"},
	)
	synthesisLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askdb_synthesis_latency_seconds",
			Help:    "Latency of the synthesis step including model calls.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
	)
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_query_executions_total",
			Help: "Total number of query executions by outcome.",
		},
		[]string{"status"},
	)
	unsafeQueriesBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askdb_unsafe_queries_blocked_total",
			Help: "Total number of queries blocked by the safety gate, by flag.",
		},
		[]string{"flag"},
	)
)

func init() {
	prometheus.MustRegister(
		schemaDiscoveriesTotal,
		schemaDocumentsIngested,
		embeddingsComputedTotal,
		embeddingsSkippedTotal,
		searchesTotal,
		synthesisResultsTotal,
		synthesisLatencySeconds,
		executionsTotal,
		unsafeQueriesBlockedTotal,
	)
}

func ObserveSchemaDiscovery(databaseID string, documents, embedded int) {
	schemaDiscoveriesTotal.WithLabelValues(databaseID).Inc()
	schemaDocumentsIngested.WithLabelValues(databaseID).Set(float64(documents))
	if embedded > 0 {
		embeddingsComputedTotal.Add(float64(embedded))
	}
	if skipped := documents - embedded; skipped > 0 {
		embeddingsSkippedTotal.Add(float64(skipped))
	}
}

func IncrementSearch() {
	searchesTotal.Inc()
}

func ObserveSynthesis(kind string, elapsed time.Duration) {
	synthesisResultsTotal.WithLabelValues(kind).Inc()
	synthesisLatencySeconds.Observe(elapsed.Seconds())
}

func ObserveExecution(status string) {
	executionsTotal.WithLabelValues(status).Inc()
}

func IncrementUnsafeQueryBlocked(flag string) {
	unsafeQueriesBlockedTotal.WithLabelValues(flag).Inc()
}
