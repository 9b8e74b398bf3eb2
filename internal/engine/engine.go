// Package engine executes compiled artifacts. A LoadedModel owns one
// worker goroutine per tensor-parallel rank; the sequencer broadcasts
// identical step commands to every rank, so the workers stay in
// lock-step through the collective operations and a context cancel can
// only ever land between steps, never inside one.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/comm"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/partition"
	"github.com/loomworks/loom/internal/tokenizer"
)

// GenerationError reports a failed Generate call. The LoadedModel stays
// usable afterwards; only the per-call state is discarded.
type GenerationError struct {
	Stage string // "validate", "tokenize", "prefill", "decode", "detokenize"
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Result is the outcome of one Generate call, order-aligned with the
// input prompts. TokenIDs include the prompt tokens.
type Result struct {
	TokenIDs [][]int
	Texts    []string
	// Steps counts lock-step forward passes executed for the call.
	Steps int
}

// LoadedModel is an opened artifact with its rank workers running.
// Generate calls are serialized; the workers idle between calls.
type LoadedModel struct {
	mu sync.Mutex

	runner config.Runner
	cfg    model.Config
	plan   *partition.Plan
	tok    tokenizer.Adapter
	eos    int

	group   *comm.Group
	workers []*worker
	wg      sync.WaitGroup
	closed  bool
}

// Load opens the artifact at path, verifies it against the runner's
// shape signature, binds each rank's shard tensors, and starts the
// lock-step workers. The tokenizer adapter is owned by the caller.
func Load(path string, runner config.Runner, tok tokenizer.Adapter) (*LoadedModel, error) {
	if err := runner.Validate(); err != nil {
		return nil, err
	}

	art, err := artifact.Open(path)
	if err != nil {
		metrics.RecordArtifactLoad("rejected")
		return nil, err
	}
	sig := artifact.Signature{
		BatchSize:     runner.BatchSize,
		MaxContextLen: runner.MaxContextLen,
		MaxNewTokens:  runner.MaxNewTokens,
		TPDegree:      runner.TPDegree,
	}
	if err := art.CheckSignature(sig); err != nil {
		metrics.RecordArtifactLoad("rejected")
		return nil, err
	}

	cfg := art.Manifest.Model
	plan, err := partition.Compute(cfg, runner.TPDegree)
	if err != nil {
		metrics.RecordArtifactLoad("rejected")
		return nil, &artifact.LoadError{Path: path, Reason: "manifest model does not partition", Err: err}
	}
	if runner.OnDeviceSampling != art.Manifest.OnDeviceSampling {
		metrics.RecordArtifactLoad("rejected")
		return nil, &artifact.LoadError{Path: path,
			Reason: fmt.Sprintf("artifact compiled with on_device_sampling=%v", art.Manifest.OnDeviceSampling)}
	}

	m := &LoadedModel{
		runner: runner,
		cfg:    cfg,
		plan:   plan,
		tok:    tok,
		eos:    resolveEOS(cfg, tok),
		group:  comm.NewGroup(runner.TPDegree),
	}

	var kvBytes int64
	for rank := 0; rank < runner.TPDegree; rank++ {
		tensors, err := art.LoadRank(rank)
		if err != nil {
			metrics.RecordArtifactLoad("rejected")
			return nil, err
		}
		dev := device.NewDevice(rank)
		for name, t := range tensors {
			dev.Bind(name, t)
		}
		w, err := newWorker(rank, cfg, plan, runner, m.group.Rank(rank), dev)
		if err != nil {
			metrics.RecordArtifactLoad("rejected")
			return nil, &artifact.LoadError{Path: path, Reason: "shard binding failed", Err: err}
		}
		m.workers = append(m.workers, w)
		kvBytes += w.kvBytes()
	}

	for _, w := range m.workers {
		m.wg.Add(1)
		go func(w *worker) {
			defer m.wg.Done()
			w.run()
		}(w)
	}

	metrics.RecordArtifactLoad("ok")
	metrics.RecordKVCacheBytes(kvBytes)
	logger.Log.Info("model loaded",
		"path", path, "signature", sig.String(),
		"layers", cfg.Layers, "eos", m.eos, "kv_cache_bytes", kvBytes)
	return m, nil
}

// resolveEOS prefers the checkpoint config's eos id, falls back to the
// tokenizer, and returns -1 when neither declares one (generation then
// always runs the full MaxNewTokens).
func resolveEOS(cfg model.Config, tok tokenizer.Adapter) int {
	if cfg.EOSTokenID >= 0 {
		return cfg.EOSTokenID
	}
	if tok != nil {
		return tok.EOS()
	}
	return -1
}

// Close stops the rank workers. The model is unusable afterwards.
func (m *LoadedModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, w := range m.workers {
		close(w.cmds)
	}
	m.wg.Wait()
}

// lane tracks one prompt's progress through the step loop.
type lane struct {
	prompt   []int
	out      []int
	fed      int  // tokens written into the KV cache so far
	active   bool // false for padding lanes beyond the prompt count
	finished bool
}

// feed returns the token and cache position this lane contributes to
// the next step. Finished and padding lanes refeed their latest token
// at their last position, which rewrites an identical KV slot and keeps
// the rank group in lock-step at no cost to live lanes.
func (ln *lane) feed() (tok, pos int) {
	if !ln.active {
		return 0, 0
	}
	if ln.finished {
		pos = ln.fed - 1
		return ln.tokenAt(pos), pos
	}
	return ln.tokenAt(ln.fed), ln.fed
}

func (ln *lane) tokenAt(i int) int {
	if i < len(ln.prompt) {
		return ln.prompt[i]
	}
	return ln.out[i-len(ln.prompt)]
}

// wantsToken reports whether the model output of the next step is a new
// token for this lane.
func (ln *lane) wantsToken(maxNew int) bool {
	return ln.active && !ln.finished && ln.fed >= len(ln.prompt)-1 && len(ln.out) < maxNew
}

// Generate runs greedy decoding for 1..BatchSize prompts. Outputs are
// order-aligned with prompts and deterministic for a fixed artifact.
// Cancellation is honored between lock-step passes.
func (m *LoadedModel) Generate(ctx context.Context, prompts []string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &GenerationError{Stage: "validate", Err: fmt.Errorf("model is closed")}
	}
	if len(prompts) < 1 || len(prompts) > m.runner.BatchSize {
		return nil, &GenerationError{Stage: "validate",
			Err: fmt.Errorf("got %d prompts, artifact is specialized for 1..%d", len(prompts), m.runner.BatchSize)}
	}

	lanes := make([]*lane, m.runner.BatchSize)
	for i := range lanes {
		lanes[i] = &lane{}
	}
	for i, p := range prompts {
		ids, err := m.tok.Encode(p)
		if err != nil {
			metrics.RecordStageError("tokenize")
			return nil, &GenerationError{Stage: "tokenize", Err: fmt.Errorf("prompt %d: %w", i, err)}
		}
		if len(ids) == 0 {
			metrics.RecordStageError("validate")
			return nil, &GenerationError{Stage: "validate",
				Err: fmt.Errorf("prompt %d encoded to zero tokens", i)}
		}
		if len(ids) > m.runner.MaxContextLen {
			metrics.RecordStageError("validate")
			return nil, &GenerationError{Stage: "validate",
				Err: fmt.Errorf("prompt %d is %d tokens, artifact is specialized for max context %d",
					i, len(ids), m.runner.MaxContextLen)}
		}
		metrics.RecordPromptLength(len(ids))
		lanes[i].prompt = ids
		lanes[i].active = true
	}

	steps, err := m.runLanes(ctx, lanes)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TokenIDs: make([][]int, len(prompts)),
		Texts:    make([]string, len(prompts)),
		Steps:    steps,
	}
	for i := range prompts {
		ids := append(append([]int{}, lanes[i].prompt...), lanes[i].out...)
		text, err := m.tok.Decode(ids)
		if err != nil {
			metrics.RecordStageError("detokenize")
			return nil, &GenerationError{Stage: "detokenize", Err: fmt.Errorf("prompt %d: %w", i, err)}
		}
		res.TokenIDs[i] = ids
		res.Texts[i] = text
	}
	return res, nil
}

// runLanes drives the lock-step loop until every live lane has either
// produced MaxNewTokens tokens or hit eos. The KV arena needs no reset
// between calls: a step at position p only reads slots 0..p, all of
// which this call has already written.
func (m *LoadedModel) runLanes(ctx context.Context, lanes []*lane) (int, error) {
	maxNew := m.runner.MaxNewTokens
	tokens := make([]int, len(lanes))
	pos := make([]int, len(lanes))
	reply := make(chan []int, 1)

	prefillStart := time.Now()
	prefillDone := false
	steps := 0

	for {
		stage := "decode"
		if !prefillDone {
			stage = "prefill"
		}
		if err := ctx.Err(); err != nil {
			metrics.RecordStageError(stage)
			return steps, &GenerationError{Stage: stage, Err: err}
		}

		sample := false
		live := false
		for i, ln := range lanes {
			tokens[i], pos[i] = ln.feed()
			if ln.wantsToken(maxNew) {
				sample = true
			}
			if ln.active && !ln.finished {
				live = true
			}
		}
		if !live {
			break
		}

		stepStart := time.Now()
		cmd := stepCmd{tokens: tokens, pos: pos, sample: sample, reply: reply}
		for _, w := range m.workers {
			w.cmds <- cmd
		}
		chosen := <-reply
		steps++

		sampled := 0
		for i, ln := range lanes {
			if !ln.active || ln.finished {
				continue
			}
			wanted := ln.wantsToken(maxNew)
			ln.fed++
			if wanted {
				tok := chosen[i]
				ln.out = append(ln.out, tok)
				sampled++
				if tok == m.eos || len(ln.out) == maxNew {
					ln.finished = true
				}
			} else if ln.fed >= len(ln.prompt) && maxNew == 0 {
				ln.finished = true
			}
		}

		if !prefillDone {
			done := true
			for _, ln := range lanes {
				if ln.active && ln.fed < len(ln.prompt) {
					done = false
					break
				}
			}
			if done {
				prefillDone = true
				metrics.RecordPrefill(time.Since(prefillStart))
			}
		}
		if sampled > 0 {
			metrics.RecordDecodeStep(sampled, time.Since(stepStart))
		}
		logger.Log.Trace("step", "stage", stage, "n", steps, "sampled", sampled)
	}

	return steps, nil
}
