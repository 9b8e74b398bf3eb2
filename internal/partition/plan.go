package partition

import (
	"fmt"

	"github.com/loomworks/loom/internal/model"
)

// Mode describes how a logical tensor is laid out across ranks.
type Mode int

const (
	// Replicated tensors are copied whole to every rank (norm vectors,
	// token embedding).
	Replicated Mode = iota
	// Column splits the output dimension (rows of a [out, in] weight):
	// first projection of a block, no communication needed on entry.
	Column
	// Row splits the input dimension (cols of a [out, in] weight):
	// second projection, followed by an all-reduce of partial sums.
	Row
	// Vocab splits the output head by vocabulary rows so greedy
	// selection can stay on the workers.
	Vocab
)

func (m Mode) String() string {
	switch m {
	case Replicated:
		return "replicated"
	case Column:
		return "column"
	case Row:
		return "row"
	case Vocab:
		return "vocab"
	}
	return "unknown"
}

// Shard is one rank's slice of a logical tensor.
type Shard struct {
	Rank   int `json:"rank"`
	RowOff int `json:"row_off"`
	ColOff int `json:"col_off"`
	Rows   int `json:"rows"`
	Cols   int `json:"cols"`
}

// Layout maps a logical tensor to its per-rank shards. Shards are
// disjoint and their union reconstructs the tensor exactly; that
// invariant is what lets compiled artifacts interoperate with the
// collective primitives at block boundaries.
type Layout struct {
	Name  string  `json:"name"`
	Mode  Mode    `json:"mode"`
	Rows  int     `json:"rows"`
	Cols  int     `json:"cols"`
	Shard []Shard `json:"shards"`
}

// Plan is the deterministic mapping from (model config, degree) to
// per-rank tensor shards. It is shared read-only by every device worker
// participating in a compiled artifact's execution.
type Plan struct {
	Degree  int               `json:"degree"`
	Layouts map[string]Layout `json:"layouts"`

	HeadsPerRank   int `json:"heads_per_rank"`
	KVHeadsPerRank int `json:"kv_heads_per_rank"`
	HiddenPerRank  int `json:"hidden_per_rank"`
	VocabPerRank   int `json:"vocab_per_rank"`
}

// InvalidPartitionError reports a tensor-parallel degree that admits no
// valid even split of the model's shapes.
type InvalidPartitionError struct {
	Degree int
	Reason string
}

func (e *InvalidPartitionError) Error() string {
	return fmt.Sprintf("invalid tensor parallel degree %d: %s", e.Degree, e.Reason)
}

// Compute derives the partition plan for the given model and degree.
// Policy: column-parallel first projections (q/k/v by head groups,
// gate/up by intermediate slice), row-parallel second projections
// (o_proj, down_proj), vocab-parallel output head, replicated norms and
// token embedding.
func Compute(cfg model.Config, degree int) (*Plan, error) {
	if degree < 1 {
		return nil, &InvalidPartitionError{Degree: degree, Reason: "degree must be >= 1"}
	}
	if cfg.Heads%degree != 0 {
		return nil, &InvalidPartitionError{Degree: degree,
			Reason: fmt.Sprintf("head count %d not divisible by degree", cfg.Heads)}
	}
	if cfg.KVHeads%degree != 0 {
		return nil, &InvalidPartitionError{Degree: degree,
			Reason: fmt.Sprintf("kv head count %d not divisible by degree", cfg.KVHeads)}
	}
	if cfg.HiddenDim%degree != 0 {
		return nil, &InvalidPartitionError{Degree: degree,
			Reason: fmt.Sprintf("intermediate size %d not divisible by degree", cfg.HiddenDim)}
	}
	if cfg.VocabSize%degree != 0 {
		return nil, &InvalidPartitionError{Degree: degree,
			Reason: fmt.Sprintf("vocab size %d not divisible by degree", cfg.VocabSize)}
	}

	headDim := cfg.HeadDim()
	p := &Plan{
		Degree:         degree,
		Layouts:        make(map[string]Layout),
		HeadsPerRank:   cfg.Heads / degree,
		KVHeadsPerRank: cfg.KVHeads / degree,
		HiddenPerRank:  cfg.HiddenDim / degree,
		VocabPerRank:   cfg.VocabSize / degree,
	}

	add := func(name string, mode Mode, rows, cols int) {
		p.Layouts[name] = Layout{
			Name:  name,
			Mode:  mode,
			Rows:  rows,
			Cols:  cols,
			Shard: shardsFor(mode, rows, cols, degree),
		}
	}

	add(EmbeddingName, Replicated, cfg.VocabSize, cfg.Dim)
	add(FinalNormName, Replicated, cfg.Dim, 1)
	add(OutputName, Vocab, cfg.VocabSize, cfg.Dim)

	for l := 0; l < cfg.Layers; l++ {
		add(AttnNormName(l), Replicated, cfg.Dim, 1)
		add(AttnQName(l), Column, cfg.Heads*headDim, cfg.Dim)
		add(AttnKName(l), Column, cfg.KVHeads*headDim, cfg.Dim)
		add(AttnVName(l), Column, cfg.KVHeads*headDim, cfg.Dim)
		add(AttnOName(l), Row, cfg.Dim, cfg.Heads*headDim)
		add(FFNNormName(l), Replicated, cfg.Dim, 1)
		add(FFNGateName(l), Column, cfg.HiddenDim, cfg.Dim)
		add(FFNUpName(l), Column, cfg.HiddenDim, cfg.Dim)
		add(FFNDownName(l), Row, cfg.Dim, cfg.HiddenDim)
	}

	return p, nil
}

// shardsFor slices a [rows, cols] tensor across ranks. Column and Vocab
// split rows, Row splits cols, Replicated copies whole.
func shardsFor(mode Mode, rows, cols, degree int) []Shard {
	shards := make([]Shard, degree)
	switch mode {
	case Column, Vocab:
		per := rows / degree
		for r := 0; r < degree; r++ {
			shards[r] = Shard{Rank: r, RowOff: r * per, Rows: per, Cols: cols}
		}
	case Row:
		per := cols / degree
		for r := 0; r < degree; r++ {
			shards[r] = Shard{Rank: r, ColOff: r * per, Rows: rows, Cols: per}
		}
	default:
		for r := 0; r < degree; r++ {
			shards[r] = Shard{Rank: r, Rows: rows, Cols: cols}
		}
	}
	return shards
}

// ShardOf returns the given rank's shard of a named tensor.
func (p *Plan) ShardOf(name string, rank int) (Shard, bool) {
	l, ok := p.Layouts[name]
	if !ok || rank < 0 || rank >= len(l.Shard) {
		return Shard{}, false
	}
	return l.Shard[rank], true
}
