package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/checkpoint"
	"github.com/loomworks/loom/internal/compiler"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/partition"
	"github.com/loomworks/loom/internal/tokenizer"
)

func tinyConfig() model.Config {
	cfg := model.Default()
	cfg.Dim = 8
	cfg.HiddenDim = 16
	cfg.Layers = 2
	cfg.Heads = 4
	cfg.KVHeads = 2
	cfg.VocabSize = 32
	cfg.MaxPositions = 64
	return cfg
}

// fillRand gives tensors a deterministic pseudo-random pattern so greedy
// decoding has non-degenerate logits.
func fillRand(rows, cols int, seed uint64) *device.Tensor {
	t := device.NewTensor(rows, cols)
	state := seed*6364136223846793005 + 1442695040888963407
	for i := range t.Data {
		state = state*6364136223846793005 + 1442695040888963407
		t.Data[i] = (float32(state>>40)/float32(1<<24) - 0.5) * 0.2
	}
	return t
}

func syntheticCheckpoint(cfg model.Config) *checkpoint.Checkpoint {
	headDim := cfg.HeadDim()
	tensors := map[string]*device.Tensor{
		partition.EmbeddingName: fillRand(cfg.VocabSize, cfg.Dim, 1),
		partition.FinalNormName: fillRand(cfg.Dim, 1, 2),
		partition.OutputName:    fillRand(cfg.VocabSize, cfg.Dim, 3),
	}
	// Norm weights near 1 keep activations in a sane range.
	for i := range tensors[partition.FinalNormName].Data {
		tensors[partition.FinalNormName].Data[i] += 1
	}
	for l := 0; l < cfg.Layers; l++ {
		s := uint64(100 * (l + 1))
		an := fillRand(cfg.Dim, 1, s)
		fn := fillRand(cfg.Dim, 1, s+5)
		for i := 0; i < cfg.Dim; i++ {
			an.Data[i] += 1
			fn.Data[i] += 1
		}
		tensors[partition.AttnNormName(l)] = an
		tensors[partition.FFNNormName(l)] = fn
		tensors[partition.AttnQName(l)] = fillRand(cfg.Heads*headDim, cfg.Dim, s+1)
		tensors[partition.AttnKName(l)] = fillRand(cfg.KVHeads*headDim, cfg.Dim, s+2)
		tensors[partition.AttnVName(l)] = fillRand(cfg.KVHeads*headDim, cfg.Dim, s+3)
		tensors[partition.AttnOName(l)] = fillRand(cfg.Dim, cfg.Heads*headDim, s+4)
		tensors[partition.FFNGateName(l)] = fillRand(cfg.HiddenDim, cfg.Dim, s+6)
		tensors[partition.FFNUpName(l)] = fillRand(cfg.HiddenDim, cfg.Dim, s+7)
		tensors[partition.FFNDownName(l)] = fillRand(cfg.Dim, cfg.HiddenDim, s+8)
	}
	return checkpoint.FromTensors(cfg, tensors)
}

func testTokenizer(t *testing.T, vocabSize int) *tokenizer.Vocab {
	t.Helper()
	tokens := make([]string, vocabSize)
	tokens[0] = "<pad>"
	for i := 1; i < vocabSize; i++ {
		tokens[i] = fmt.Sprintf("w%02d", i)
	}
	v, err := tokenizer.NewVocab(tokens, -1)
	if err != nil {
		t.Fatalf("NewVocab: %v", err)
	}
	return v
}

// compileModel builds an artifact for cfg/runner and opens it.
func compileModel(t *testing.T, cfg model.Config, runner config.Runner) *LoadedModel {
	t.Helper()
	out := filepath.Join(t.TempDir(), "artifact")
	ckpt := syntheticCheckpoint(cfg)
	if _, err := compiler.Trace(context.Background(), ckpt, runner, out, compiler.Options{}); err != nil {
		t.Fatalf("Trace: %v", err)
	}
	m, err := Load(out, runner, testTokenizer(t, cfg.VocabSize))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func defaultRunner() config.Runner {
	return config.Runner{
		BatchSize:        1,
		MaxContextLen:    16,
		MaxNewTokens:     5,
		TPDegree:         1,
		OnDeviceSampling: true,
	}
}

// Canonical scenario: one prompt, five new tokens, no eos defined.
func TestGenerateSinglePrompt(t *testing.T) {
	m := compileModel(t, tinyConfig(), defaultRunner())

	res, err := m.Generate(context.Background(), []string{"w01 w02 w03"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.TokenIDs) != 1 || len(res.Texts) != 1 {
		t.Fatalf("outputs = %d, want 1", len(res.TokenIDs))
	}
	if got := len(res.TokenIDs[0]); got != 3+5 {
		t.Fatalf("output tokens = %d, want prompt(3)+new(5)", got)
	}
	for i, want := range []int{1, 2, 3} {
		if res.TokenIDs[0][i] != want {
			t.Errorf("prompt token %d = %d, want %d", i, res.TokenIDs[0][i], want)
		}
	}
	for i, id := range res.TokenIDs[0] {
		if id < 0 || id >= 32 {
			t.Errorf("token %d = %d out of vocab range", i, id)
		}
	}
	if res.Texts[0] == "" {
		t.Error("decoded text is empty")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	m := compileModel(t, tinyConfig(), defaultRunner())

	first, err := m.Generate(context.Background(), []string{"w05 w06"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for call := 0; call < 3; call++ {
		res, err := m.Generate(context.Background(), []string{"w05 w06"})
		if err != nil {
			t.Fatalf("Generate call %d: %v", call, err)
		}
		if len(res.TokenIDs[0]) != len(first.TokenIDs[0]) {
			t.Fatalf("call %d output length changed", call)
		}
		for i := range first.TokenIDs[0] {
			if res.TokenIDs[0][i] != first.TokenIDs[0][i] {
				t.Fatalf("call %d diverges at token %d", call, i)
			}
		}
	}
}

func TestGenerateTensorParallel(t *testing.T) {
	runner := defaultRunner()
	runner.TPDegree = 2
	m := compileModel(t, tinyConfig(), runner)

	res, err := m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(res.TokenIDs[0]); got != 2+5 {
		t.Fatalf("output tokens = %d, want 7", got)
	}

	again, err := m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for i := range res.TokenIDs[0] {
		if res.TokenIDs[0][i] != again.TokenIDs[0][i] {
			t.Fatal("tensor-parallel decoding is not deterministic")
		}
	}
}

func TestGenerateHostSampling(t *testing.T) {
	runner := defaultRunner()
	runner.TPDegree = 2
	runner.OnDeviceSampling = false
	m := compileModel(t, tinyConfig(), runner)

	res, err := m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(res.TokenIDs[0]); got != 2+5 {
		t.Fatalf("output tokens = %d, want 7", got)
	}
}

func TestGenerateBatchOrderPreserved(t *testing.T) {
	runner := defaultRunner()
	runner.BatchSize = 3
	m := compileModel(t, tinyConfig(), runner)

	prompts := []string{"w01 w02 w03 w04", "w09", "w05 w06"}
	res, err := m.Generate(context.Background(), prompts)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.TokenIDs) != 3 {
		t.Fatalf("outputs = %d, want 3", len(res.TokenIDs))
	}
	wantPrompts := [][]int{{1, 2, 3, 4}, {9}, {5, 6}}
	for i, want := range wantPrompts {
		if len(res.TokenIDs[i]) != len(want)+5 {
			t.Errorf("lane %d output = %d tokens, want %d", i, len(res.TokenIDs[i]), len(want)+5)
		}
		for j, id := range want {
			if res.TokenIDs[i][j] != id {
				t.Errorf("lane %d prompt token %d = %d, want %d", i, j, res.TokenIDs[i][j], id)
			}
		}
	}
}

func TestGenerateIdleLanes(t *testing.T) {
	runner := defaultRunner()
	runner.BatchSize = 4
	m := compileModel(t, tinyConfig(), runner)

	res, err := m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.TokenIDs) != 1 {
		t.Fatalf("outputs = %d, want 1 (idle lanes produce nothing)", len(res.TokenIDs))
	}
}

func TestGenerateStopsOnEOS(t *testing.T) {
	cfg := tinyConfig()
	runner := defaultRunner()

	// First pass discovers which token greedy decoding emits first.
	probe := compileModel(t, cfg, runner)
	res, err := probe.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	firstNew := res.TokenIDs[0][2]
	probe.Close()

	// Recompile with that token as eos: generation must stop after it.
	cfg.EOSTokenID = firstNew
	m := compileModel(t, cfg, runner)
	res, err = m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(res.TokenIDs[0]); got != 3 {
		t.Fatalf("output tokens = %d, want prompt(2)+eos(1)", got)
	}
	if res.TokenIDs[0][2] != firstNew {
		t.Errorf("last token = %d, want eos %d", res.TokenIDs[0][2], firstNew)
	}
}

func TestGenerateRejectsBadInput(t *testing.T) {
	m := compileModel(t, tinyConfig(), defaultRunner())

	var ge *GenerationError
	if _, err := m.Generate(context.Background(), nil); !errors.As(err, &ge) || ge.Stage != "validate" {
		t.Errorf("empty prompts: err = %v, want validate GenerationError", err)
	}
	if _, err := m.Generate(context.Background(), []string{"w01", "w02"}); !errors.As(err, &ge) {
		t.Errorf("too many prompts: err = %v, want GenerationError", err)
	}

	long := ""
	for i := 0; i < 20; i++ {
		long += " w01"
	}
	if _, err := m.Generate(context.Background(), []string{long}); !errors.As(err, &ge) || ge.Stage != "validate" {
		t.Errorf("oversized prompt: err = %v, want validate GenerationError", err)
	}
}

// emptyEncodeTokenizer encodes every prompt to zero tokens, as a
// permissive adapter implementation might.
type emptyEncodeTokenizer struct{ tokenizer.Adapter }

func (e emptyEncodeTokenizer) Encode(string) ([]int, error) { return []int{}, nil }

func TestGenerateRejectsEmptyEncode(t *testing.T) {
	cfg := tinyConfig()
	runner := defaultRunner()
	out := filepath.Join(t.TempDir(), "artifact")
	if _, err := compiler.Trace(context.Background(), syntheticCheckpoint(cfg), runner, out, compiler.Options{}); err != nil {
		t.Fatalf("Trace: %v", err)
	}
	m, err := Load(out, runner, emptyEncodeTokenizer{testTokenizer(t, cfg.VocabSize)})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(m.Close)

	var ge *GenerationError
	if _, err := m.Generate(context.Background(), []string{"w01"}); !errors.As(err, &ge) || ge.Stage != "validate" {
		t.Errorf("empty encode: err = %v, want validate GenerationError", err)
	}
}

func TestGenerateHonorsCancel(t *testing.T) {
	m := compileModel(t, tinyConfig(), defaultRunner())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Generate(ctx, []string{"w01"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// The model must stay usable after an aborted call.
	if _, err := m.Generate(context.Background(), []string{"w01"}); err != nil {
		t.Fatalf("Generate after cancel: %v", err)
	}
}

func TestGenerateMaxNewZero(t *testing.T) {
	runner := defaultRunner()
	runner.MaxNewTokens = 0
	m := compileModel(t, tinyConfig(), runner)

	res, err := m.Generate(context.Background(), []string{"w01 w02"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := len(res.TokenIDs[0]); got != 2 {
		t.Fatalf("output tokens = %d, want prompt only", got)
	}
}

func TestLoadRejectsSignatureMismatch(t *testing.T) {
	cfg := tinyConfig()
	runner := defaultRunner()
	out := filepath.Join(t.TempDir(), "artifact")
	if _, err := compiler.Trace(context.Background(), syntheticCheckpoint(cfg), runner, out, compiler.Options{}); err != nil {
		t.Fatalf("Trace: %v", err)
	}

	other := runner
	other.MaxNewTokens = 6
	var le *artifact.LoadError
	if _, err := Load(out, other, testTokenizer(t, cfg.VocabSize)); !errors.As(err, &le) {
		t.Fatalf("err = %v, want LoadError for signature mismatch", err)
	}

	sampling := runner
	sampling.OnDeviceSampling = false
	if _, err := Load(out, sampling, testTokenizer(t, cfg.VocabSize)); !errors.As(err, &le) {
		t.Fatalf("err = %v, want LoadError for sampling-mode mismatch", err)
	}
}

func TestGenerateAfterClose(t *testing.T) {
	m := compileModel(t, tinyConfig(), defaultRunner())
	m.Close()
	var ge *GenerationError
	if _, err := m.Generate(context.Background(), []string{"w01"}); !errors.As(err, &ge) {
		t.Fatalf("err = %v, want GenerationError on closed model", err)
	}
}

func TestBenchmark(t *testing.T) {
	runner := defaultRunner()
	runner.MaxNewTokens = 2
	runner.WarmupIters = 1
	m := compileModel(t, tinyConfig(), runner)

	stats, err := m.Benchmark(context.Background(), []string{"w01 w02"}, 3)
	if err != nil {
		t.Fatalf("Benchmark: %v", err)
	}
	if stats.Iters != 3 {
		t.Errorf("Iters = %d, want 3", stats.Iters)
	}
	if stats.Mean < 0 || stats.Median < 0 || stats.P90 < 0 || stats.Stddev < 0 {
		t.Errorf("negative latency stats: %+v", stats)
	}
	if stats.Mean == 0 {
		t.Error("mean latency is zero")
	}
	// Each iteration takes exactly 3 passes: 2 prompt tokens with the
	// second pass sampling, then 1 decode pass for the final token.
	if stats.Steps != 9 {
		t.Errorf("Steps = %d, want 9", stats.Steps)
	}

	if _, err := m.Benchmark(context.Background(), []string{"w01"}, 0); err == nil {
		t.Error("expected error for zero iterations")
	}
}
