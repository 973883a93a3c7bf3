package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tensorBytes atomic.Int64

var (
	DecodeTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "decode_tokens_total",
		Help: "The total number of tokens generated",
	})

	StepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "decode_step_duration_seconds",
		Help: "Duration of one decode forward pass",
	})

	PrimeDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "prime_duration_seconds",
		Help: "Duration of the full-sequence priming pass",
	})

	GraphBuildDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "graph_build_duration_seconds",
		Help: "Time spent materializing and compiling a subgraph",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of per-operator execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	TensorBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_bytes_allocated",
		Help: "Current bytes held by tensor buffers",
	})

	WeightCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_cache_hits_total",
		Help: "Transposed-weight cache hits",
	})

	WeightCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_cache_misses_total",
		Help: "Transposed-weight cache misses",
	})

	WeightLoadDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "weight_load_duration_seconds",
		Help: "Time spent loading the full weight set",
	})
)

func RecordStep(tokens int, d time.Duration) {
	DecodeTokensTotal.Add(float64(tokens))
	StepDuration.Observe(d.Seconds())
}

func RecordPrime(d time.Duration) {
	PrimeDuration.Observe(d.Seconds())
}

func RecordGraphBuild(d time.Duration) {
	GraphBuildDuration.Observe(d.Seconds())
}

func RecordKernel(op string, d time.Duration) {
	KernelDuration.WithLabelValues(op).Observe(d.Seconds())
}

func RecordTensorBytes(delta int64) {
	TensorBytesAllocated.Set(float64(tensorBytes.Add(delta)))
}

func RecordCacheHit()  { WeightCacheHits.Inc() }
func RecordCacheMiss() { WeightCacheMisses.Inc() }

func AllocatedTensorBytes() int64 { return tensorBytes.Load() }
