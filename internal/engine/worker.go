package engine

import (
	"fmt"
	"math"

	"github.com/loomworks/loom/internal/comm"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/partition"
)

// stepCmd is one lock-step unit of work broadcast to every rank. All
// ranks receive the identical command, so the sequence of collective
// calls is the same on every worker and the group can never split.
type stepCmd struct {
	tokens []int // token fed per lane
	pos    []int // cache position written per lane
	// sample runs the output head and the argmax reduce after the
	// forward pass. It is all-or-nothing for the step: lanes that do
	// not need a token simply have their choice discarded.
	sample bool
	// reply receives the chosen token per lane; rank 0 sends, the
	// sequencer receives. Nil tokens are sent for non-sampling steps
	// so the sequencer always paces one reply per step.
	reply chan []int
}

// layerWeights are one rank's resolved shard tensors for a block.
type layerWeights struct {
	attnNorm []float32
	wq       *device.Tensor
	wk       *device.Tensor
	wv       *device.Tensor
	wo       *device.Tensor
	ffnNorm  []float32
	wGate    *device.Tensor
	wUp      *device.Tensor
	wDown    *device.Tensor
}

// worker executes the forward pass for one tensor-parallel rank. Every
// weight lookup happens at bind time so the step loop itself cannot
// fail; a step is pure arithmetic plus collectives.
type worker struct {
	rank int
	cfg  model.Config
	comm *comm.Communicator

	onDeviceSampling bool

	headsPerRank   int
	kvHeadsPerRank int
	vocabPerRank   int
	headDim        int
	kvDim          int
	seqBudget      int
	batch          int

	embed     *device.Tensor
	finalNorm []float32
	output    *device.Tensor
	layers    []layerWeights

	// KV arena, indexed [layer][(lane*seqBudget+pos)*kvDim ...].
	kCache [][]float32
	vCache [][]float32

	// step scratch
	x, xn   []float32
	q       []float32
	k, v    []float32
	attnOut []float32
	proj    []float32
	gate    []float32
	up      []float32
	act     []float32
	logits  []float32
	scores  []float32

	cmds chan stepCmd
}

// newWorker resolves one rank's bound tensors against the partition
// plan and allocates its KV arena and scratch buffers.
func newWorker(rank int, cfg model.Config, plan *partition.Plan, runner config.Runner,
	c *comm.Communicator, dev *device.Device) (*worker, error) {

	if dev.NumTensors() != len(plan.Layouts) {
		return nil, fmt.Errorf("rank %d shard binds %d tensors, plan has %d",
			rank, dev.NumTensors(), len(plan.Layouts))
	}

	w := &worker{
		rank:             rank,
		cfg:              cfg,
		comm:             c,
		onDeviceSampling: runner.OnDeviceSampling,
		headsPerRank:     plan.HeadsPerRank,
		kvHeadsPerRank:   plan.KVHeadsPerRank,
		vocabPerRank:     plan.VocabPerRank,
		headDim:          cfg.HeadDim(),
		seqBudget:        runner.SeqBudget(),
		batch:            runner.BatchSize,
		cmds:             make(chan stepCmd, 1),
	}
	w.kvDim = w.kvHeadsPerRank * w.headDim

	bind := func(name string) (*device.Tensor, error) {
		t, ok := dev.Tensor(name)
		if !ok {
			return nil, fmt.Errorf("rank %d shard is missing tensor %s", rank, name)
		}
		sh, ok := plan.ShardOf(name, rank)
		if !ok {
			return nil, fmt.Errorf("no shard layout for tensor %s", name)
		}
		if t.Rows != sh.Rows || t.Cols != sh.Cols {
			return nil, fmt.Errorf("tensor %s rank %d: shard shape (%d,%d) does not match plan (%d,%d)",
				name, rank, t.Rows, t.Cols, sh.Rows, sh.Cols)
		}
		return t, nil
	}

	var err error
	if w.embed, err = bind(partition.EmbeddingName); err != nil {
		return nil, err
	}
	fn, err := bind(partition.FinalNormName)
	if err != nil {
		return nil, err
	}
	w.finalNorm = fn.Data
	if w.output, err = bind(partition.OutputName); err != nil {
		return nil, err
	}

	w.layers = make([]layerWeights, cfg.Layers)
	for l := 0; l < cfg.Layers; l++ {
		lw := &w.layers[l]
		var an, fnorm *device.Tensor
		if an, err = bind(partition.AttnNormName(l)); err != nil {
			return nil, err
		}
		lw.attnNorm = an.Data
		if lw.wq, err = bind(partition.AttnQName(l)); err != nil {
			return nil, err
		}
		if lw.wk, err = bind(partition.AttnKName(l)); err != nil {
			return nil, err
		}
		if lw.wv, err = bind(partition.AttnVName(l)); err != nil {
			return nil, err
		}
		if lw.wo, err = bind(partition.AttnOName(l)); err != nil {
			return nil, err
		}
		if fnorm, err = bind(partition.FFNNormName(l)); err != nil {
			return nil, err
		}
		lw.ffnNorm = fnorm.Data
		if lw.wGate, err = bind(partition.FFNGateName(l)); err != nil {
			return nil, err
		}
		if lw.wUp, err = bind(partition.FFNUpName(l)); err != nil {
			return nil, err
		}
		if lw.wDown, err = bind(partition.FFNDownName(l)); err != nil {
			return nil, err
		}
	}

	laneKV := w.batch * w.seqBudget * w.kvDim
	w.kCache = make([][]float32, cfg.Layers)
	w.vCache = make([][]float32, cfg.Layers)
	for l := range w.kCache {
		w.kCache[l] = make([]float32, laneKV)
		w.vCache[l] = make([]float32, laneKV)
	}

	w.x = make([]float32, cfg.Dim)
	w.xn = make([]float32, cfg.Dim)
	w.q = make([]float32, w.headsPerRank*w.headDim)
	w.k = make([]float32, w.kvDim)
	w.v = make([]float32, w.kvDim)
	w.attnOut = make([]float32, w.headsPerRank*w.headDim)
	w.proj = make([]float32, cfg.Dim)
	w.gate = make([]float32, plan.HiddenPerRank)
	w.up = make([]float32, plan.HiddenPerRank)
	w.act = make([]float32, plan.HiddenPerRank)
	w.logits = make([]float32, w.vocabPerRank)
	w.scores = make([]float32, w.seqBudget)

	return w, nil
}

// kvBytes reports this rank's KV arena size.
func (w *worker) kvBytes() int64 {
	return int64(len(w.kCache)) * int64(w.batch*w.seqBudget*w.kvDim) * 4 * 2
}

// run is the rank goroutine: it executes commands until the channel
// closes. Rank 0 additionally reports chosen tokens to the sequencer.
func (w *worker) run() {
	for cmd := range w.cmds {
		var chosen []int
		if cmd.sample {
			chosen = make([]int, len(cmd.tokens))
		}
		for lane := range cmd.tokens {
			w.forward(lane, cmd.tokens[lane], cmd.pos[lane])
			if cmd.sample {
				chosen[lane] = w.sample()
			}
		}
		if w.rank == 0 {
			cmd.reply <- chosen
		}
	}
}

// forward runs one token of one lane through every block, leaving the
// final hidden state in w.x.
func (w *worker) forward(lane, token, pos int) {
	copy(w.x, w.embed.Row(token))

	groupSize := w.headsPerRank / w.kvHeadsPerRank
	scale := float32(1.0) / sqrt32(float32(w.headDim))

	for l := range w.layers {
		lw := &w.layers[l]

		device.RMSNorm(w.x, lw.attnNorm, w.xn, w.cfg.Eps)
		device.MatVec(lw.wq, w.xn, w.q)
		device.MatVec(lw.wk, w.xn, w.k)
		device.MatVec(lw.wv, w.xn, w.v)
		device.Rope(w.q, w.headsPerRank, w.headDim, pos, w.cfg.RopeTheta)
		device.Rope(w.k, w.kvHeadsPerRank, w.headDim, pos, w.cfg.RopeTheta)

		base := (lane*w.seqBudget + pos) * w.kvDim
		copy(w.kCache[l][base:base+w.kvDim], w.k)
		copy(w.vCache[l][base:base+w.kvDim], w.v)

		for h := 0; h < w.headsPerRank; h++ {
			qh := w.q[h*w.headDim : (h+1)*w.headDim]
			kvOff := (h / groupSize) * w.headDim
			scores := w.scores[:pos+1]
			for t := 0; t <= pos; t++ {
				kt := w.kCache[l][(lane*w.seqBudget+t)*w.kvDim+kvOff:]
				var dot float32
				for i := 0; i < w.headDim; i++ {
					dot += qh[i] * kt[i]
				}
				scores[t] = dot * scale
			}
			device.Softmax(scores)
			out := w.attnOut[h*w.headDim : (h+1)*w.headDim]
			for i := range out {
				out[i] = 0
			}
			for t := 0; t <= pos; t++ {
				vt := w.vCache[l][(lane*w.seqBudget+t)*w.kvDim+kvOff:]
				s := scores[t]
				for i := 0; i < w.headDim; i++ {
					out[i] += s * vt[i]
				}
			}
		}

		device.MatVec(lw.wo, w.attnOut, w.proj)
		w.comm.AllReduceSum(w.proj)
		device.Add(w.x, w.proj)

		device.RMSNorm(w.x, lw.ffnNorm, w.xn, w.cfg.Eps)
		device.MatVec(lw.wGate, w.xn, w.gate)
		device.MatVec(lw.wUp, w.xn, w.up)
		device.SwiGLU(w.gate, w.up, w.act)
		device.MatVec(lw.wDown, w.act, w.proj)
		w.comm.AllReduceSum(w.proj)
		device.Add(w.x, w.proj)
	}
}

// sample runs the vocab-parallel output head on the current hidden
// state and returns the greedy token, identical on every rank.
func (w *worker) sample() int {
	device.RMSNorm(w.x, w.finalNorm, w.xn, w.cfg.Eps)
	device.MatVec(w.output, w.xn, w.logits)

	if w.onDeviceSampling {
		localIdx, val := device.ArgMax(w.logits)
		_, best := w.comm.AllReduceArgMax(val, w.rank*w.vocabPerRank+localIdx)
		return best
	}

	full := w.comm.AllGather(w.logits)
	idx, _ := device.ArgMax(full)
	return idx
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
