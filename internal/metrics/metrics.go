package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loom_generated_tokens_total",
		Help: "The total number of tokens generated",
	})

	DecodeStepDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "loom_decode_step_duration_seconds",
		Help: "Duration of single lock-step decode passes",
	})

	PrefillDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_prefill_duration_seconds",
		Help:    "Duration of the prefill phase per generation call",
		Buckets: prometheus.DefBuckets,
	})

	CompileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_compile_duration_seconds",
		Help:    "Duration of artifact compilation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	ArtifactBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "loom_artifact_shard_bytes",
		Help: "Size of compiled artifact shard files",
	}, []string{"rank"})

	CollectiveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loom_collective_duration_seconds",
		Help:    "Histogram of collective operation latencies",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	KVCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loom_kv_cache_bytes",
		Help: "Bytes allocated for the KV cache of the in-flight call",
	})

	PromptLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_prompt_length_tokens",
		Help:    "Distribution of prompt lengths processed",
		Buckets: []float64{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096},
	})

	StageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_stage_errors_total",
		Help: "Total number of errors by pipeline stage",
	}, []string{"stage"})

	ArtifactLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loom_artifact_loads_total",
		Help: "Artifact load attempts by outcome",
	}, []string{"outcome"})

	TokenizerEncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loom_tokenizer_encode_duration_seconds",
		Help:    "Time to encode prompt text",
		Buckets: prometheus.DefBuckets,
	})
)

func RecordDecodeStep(tokens int, duration time.Duration) {
	GeneratedTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	DecodeStepDuration.Observe(duration.Seconds())
}

func RecordPrefill(duration time.Duration) {
	PrefillDuration.Observe(duration.Seconds())
}

func RecordCompile(duration time.Duration) {
	CompileDuration.Observe(duration.Seconds())
}

func RecordArtifactShard(rank string, bytes int64) {
	ArtifactBytes.WithLabelValues(rank).Set(float64(bytes))
}

func RecordCollective(op string, duration time.Duration) {
	CollectiveDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordKVCacheBytes(bytes int64) {
	KVCacheBytes.Set(float64(bytes))
}

func RecordPromptLength(tokens int) {
	PromptLengthHistogram.Observe(float64(tokens))
}

func RecordStageError(stage string) {
	StageErrors.WithLabelValues(stage).Inc()
}

func RecordArtifactLoad(outcome string) {
	ArtifactLoads.WithLabelValues(outcome).Inc()
}

func RecordTokenizerEncode(duration time.Duration) {
	TokenizerEncodeDuration.Observe(duration.Seconds())
}

// TotalTokens reports the process-lifetime generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}
