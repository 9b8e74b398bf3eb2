package config

import "fmt"

// Runner holds the shape-specialization tuple and runtime knobs of the
// execution engine. A compiled artifact is keyed by the tuple
// (BatchSize, MaxContextLen, MaxNewTokens, TPDegree); load rejects any
// artifact whose tuple differs from the runner's.
type Runner struct {
	BatchSize     int
	MaxContextLen int
	MaxNewTokens  int
	TPDegree      int

	// OnDeviceSampling keeps greedy token selection on the workers
	// (vocab-parallel argmax + collective reduce) instead of gathering
	// full logits to the host.
	OnDeviceSampling bool

	// WarmupIters is the number of benchmark iterations discarded
	// before measurement starts.
	WarmupIters int
}

func (r *Runner) Validate() error {
	if r.BatchSize < 1 {
		return fmt.Errorf("invalid batch_size: %d (must be >= 1)", r.BatchSize)
	}
	if r.MaxContextLen < 1 {
		return fmt.Errorf("invalid max_context_len: %d (must be >= 1)", r.MaxContextLen)
	}
	if r.MaxNewTokens < 0 {
		return fmt.Errorf("invalid max_new_tokens: %d (must be >= 0)", r.MaxNewTokens)
	}
	if r.TPDegree < 1 {
		return fmt.Errorf("invalid tensor_parallel_degree: %d (must be >= 1)", r.TPDegree)
	}
	if r.WarmupIters < 0 {
		return fmt.Errorf("invalid warmup_iters: %d (must be >= 0)", r.WarmupIters)
	}
	return nil
}

// SeqBudget is the total per-sequence position budget an artifact is
// specialized for.
func (r *Runner) SeqBudget() int {
	return r.MaxContextLen + r.MaxNewTokens
}

func Default() Runner {
	return Runner{
		BatchSize:        1,
		MaxContextLen:    2048,
		MaxNewTokens:     256,
		TPDegree:         2,
		OnDeviceSampling: true,
		WarmupIters:      3,
	}
}
