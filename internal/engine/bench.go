package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/loomworks/loom/internal/logger"
)

// LatencyStats summarizes per-token latency in seconds: each measured
// iteration contributes its call time divided by the lock-step passes
// it took. Steps is the total number of passes across the measured
// iterations.
type LatencyStats struct {
	Mean   float64
	Median float64
	P90    float64
	Stddev float64
	Steps  int
	Iters  int
}

func (s LatencyStats) String() string {
	return fmt.Sprintf("iters=%d steps=%d mean=%.4fs median=%.4fs p90=%.4fs stddev=%.4fs",
		s.Iters, s.Steps, s.Mean, s.Median, s.P90, s.Stddev)
}

// Benchmark times repeated Generate calls over the same prompts. The
// runner's WarmupIters are executed first and discarded; each iteration
// starts from a fresh generation state, so iterations are independent
// and the model is left unchanged.
func (m *LoadedModel) Benchmark(ctx context.Context, prompts []string, iterations int) (*LatencyStats, error) {
	if iterations < 1 {
		return nil, &GenerationError{Stage: "validate",
			Err: fmt.Errorf("benchmark needs at least 1 iteration, got %d", iterations)}
	}

	for i := 0; i < m.runner.WarmupIters; i++ {
		if _, err := m.Generate(ctx, prompts); err != nil {
			return nil, err
		}
	}

	latencies := make([]float64, 0, iterations)
	steps := 0
	for i := 0; i < iterations; i++ {
		start := time.Now()
		res, err := m.Generate(ctx, prompts)
		if err != nil {
			return nil, err
		}
		if res.Steps > 0 {
			latencies = append(latencies, time.Since(start).Seconds()/float64(res.Steps))
		}
		steps += res.Steps
	}

	sort.Float64s(latencies)
	s := &LatencyStats{
		Mean:   stat.Mean(latencies, nil),
		Median: stat.Quantile(0.5, stat.Empirical, latencies, nil),
		P90:    stat.Quantile(0.9, stat.Empirical, latencies, nil),
		Steps:  steps,
		Iters:  iterations,
	}
	if iterations > 1 {
		s.Stddev = stat.StdDev(latencies, nil)
	}

	logger.Log.Info("benchmark complete",
		"warmup", m.runner.WarmupIters, "iters", iterations, "stats", s.String())
	return s, nil
}
