package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// System metrics
	SystemMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abn_system_memory_bytes",
		Help: "Current system memory usage",
	})

	SystemGoroutines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abn_system_goroutines",
		Help: "Number of goroutines",
	})

	// Model assembly metrics
	AssemblyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "abn_assembly_duration_seconds",
			Help: "Time spent compiling an attack graph into a probability model",
		},
		[]string{"status"},
	)

	AssemblyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abn_assembly_failures_total",
			Help: "Total number of rejected model assemblies",
		},
		[]string{"reason"},
	)

	SkippedEdges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abn_skipped_edges_total",
		Help: "Edges dropped because an endpoint was missing",
	})

	// Graph metrics
	ModelNodeCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "abn_model_nodes",
			Help: "Number of nodes in the last assembled model",
		},
		[]string{"node_type"},
	)

	ModelEdgeCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abn_model_edges",
		Help: "Number of edges in the last assembled model",
	})

	// Inference metrics
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "abn_query_duration_seconds",
		Help: "Time spent answering one inference call",
	})

	QueryTargets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abn_query_targets_total",
			Help: "Number of query targets answered, by outcome",
		},
		[]string{"status"},
	)

	// Severity metrics
	SeverityFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abn_severity_fallbacks_total",
		Help: "Severity lookups that resolved to the fallback score",
	})

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abn_cache_hits_total",
			Help: "Number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abn_cache_misses_total",
			Help: "Number of cache misses",
		},
		[]string{"cache_type"},
	)
)

// UpdateSystemMetrics updates system-level metrics
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	SystemMemoryUsage.Set(float64(m.Alloc))
	SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}
