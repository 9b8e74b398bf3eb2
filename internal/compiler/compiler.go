// Package compiler ahead-of-time specializes a checkpoint for one shape
// signature: it computes the partition plan, slices every parameter
// tensor into per-rank shards, and publishes the result as an artifact
// bundle. Nothing here runs at generation time; the engine only ever
// sees finished bundles.
package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/partition"
)

// CompilationError reports why a checkpoint could not be specialized.
// Compilation never retries; callers fix the input and rerun.
type CompilationError struct {
	Stage  string // "validate", "plan", "slice", "write"
	Tensor string // set for per-tensor failures
	Err    error
}

func (e *CompilationError) Error() string {
	if e.Tensor != "" {
		return fmt.Sprintf("compilation failed at %s (tensor %s): %v", e.Stage, e.Tensor, e.Err)
	}
	return fmt.Sprintf("compilation failed at %s: %v", e.Stage, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// Options tune a single Trace call.
type Options struct {
	// Progress, when set, is called after each rank's shard is written.
	Progress func(rank, total int)
}

// Trace compiles ckpt into an artifact bundle at outPath, specialized to
// the runner's shape signature. The published bundle is self-contained:
// manifest plus one Arrow shard file per rank.
func Trace(ctx context.Context, ckpt *checkpoint.Checkpoint, runner config.Runner, outPath string, opts Options) (*artifact.Manifest, error) {
	start := time.Now()

	if err := runner.Validate(); err != nil {
		return nil, &CompilationError{Stage: "validate", Err: err}
	}
	cfg := ckpt.Config
	if err := cfg.Validate(); err != nil {
		return nil, &CompilationError{Stage: "validate", Err: err}
	}
	if budget := runner.SeqBudget(); budget > cfg.MaxPositions {
		return nil, &CompilationError{Stage: "validate",
			Err: fmt.Errorf("sequence budget %d exceeds max_position_embeddings %d", budget, cfg.MaxPositions)}
	}

	plan, err := partition.Compute(cfg, runner.TPDegree)
	if err != nil {
		return nil, &CompilationError{Stage: "plan", Err: err}
	}

	sig := artifact.Signature{
		BatchSize:     runner.BatchSize,
		MaxContextLen: runner.MaxContextLen,
		MaxNewTokens:  runner.MaxNewTokens,
		TPDegree:      runner.TPDegree,
	}
	logger.Log.Info("compiling artifact",
		"out", outPath, "signature", sig.String(),
		"layers", cfg.Layers, "tensors", len(plan.Layouts))

	w, err := artifact.NewWriter(outPath)
	if err != nil {
		return nil, &CompilationError{Stage: "write", Err: err}
	}

	for rank := 0; rank < runner.TPDegree; rank++ {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, &CompilationError{Stage: "slice", Err: err}
		}
		shards, err := sliceRank(ckpt, plan, rank)
		if err != nil {
			w.Abort()
			return nil, err
		}
		if err := w.WriteShard(rank, shards); err != nil {
			w.Abort()
			return nil, &CompilationError{Stage: "write", Err: err}
		}
		if opts.Progress != nil {
			opts.Progress(rank+1, runner.TPDegree)
		}
	}

	m, err := w.Finish(sig, cfg, runner.OnDeviceSampling)
	if err != nil {
		return nil, &CompilationError{Stage: "write", Err: err}
	}

	metrics.RecordCompile(time.Since(start))
	logger.Log.Info("artifact published", "out", outPath, "elapsed", time.Since(start).String())
	return m, nil
}

// sliceRank cuts one rank's window out of every logical tensor.
func sliceRank(ckpt *checkpoint.Checkpoint, plan *partition.Plan, rank int) (map[string]*device.Tensor, error) {
	out := make(map[string]*device.Tensor, len(plan.Layouts))
	for name, layout := range plan.Layouts {
		src, err := logicalTensor(ckpt, name)
		if err != nil {
			return nil, err
		}
		if src.Rows != layout.Rows || src.Cols != layout.Cols {
			return nil, &CompilationError{Stage: "slice", Tensor: name,
				Err: fmt.Errorf("checkpoint shape (%d,%d) does not match expected (%d,%d)",
					src.Rows, src.Cols, layout.Rows, layout.Cols)}
		}
		sh := layout.Shard[rank]
		t, err := src.Slice(sh.RowOff, sh.ColOff, sh.Rows, sh.Cols)
		if err != nil {
			return nil, &CompilationError{Stage: "slice", Tensor: name, Err: err}
		}
		out[name] = t
	}
	return out, nil
}

// logicalTensor resolves a plan tensor against the checkpoint, honoring
// tied word embeddings: checkpoints with tie_word_embeddings omit
// lm_head.weight and reuse the token embedding.
func logicalTensor(ckpt *checkpoint.Checkpoint, name string) (*device.Tensor, error) {
	if t, ok := ckpt.Tensor(name); ok {
		return t, nil
	}
	if name == partition.OutputName && ckpt.Config.TieWordEmbedding {
		if t, ok := ckpt.Tensor(partition.EmbeddingName); ok {
			return t, nil
		}
	}
	return nil, &CompilationError{Stage: "slice", Tensor: name,
		Err: fmt.Errorf("tensor missing from checkpoint")}
}
