// Package tokenizer turns prompt text into token ids and generated ids
// back into text. The primary backend wraps the HuggingFace tokenizers
// library via its C bindings; a pure-Go greedy vocab tokenizer covers
// checkpoints that ship only a raw vocabulary, and tests.
package tokenizer

import (
	"fmt"
	"time"

	"github.com/daulet/tokenizers"

	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
)

// Adapter is the encode/decode surface the engine consumes.
type Adapter interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
	// EOS returns the end-of-sequence token id, or -1 when the
	// checkpoint defines none (generation then never early-stops).
	EOS() int
	Close() error
}

// HF wraps a tokenizer.json via the HuggingFace tokenizers bindings.
type HF struct {
	tk  *tokenizers.Tokenizer
	eos int
}

// NewHF loads tokenizer.json from path. The EOS id comes from the model
// config because tokenizer.json does not declare one.
func NewHF(path string, eosID int) (*HF, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	logger.Log.Info("tokenizer loaded", "path", path, "vocab", tk.VocabSize(), "eos", eosID)
	return &HF{tk: tk, eos: eosID}, nil
}

func (h *HF) Encode(text string) ([]int, error) {
	start := time.Now()
	defer func() { metrics.RecordTokenizerEncode(time.Since(start)) }()

	raw, _ := h.tk.Encode(text, true)
	if len(raw) == 0 {
		return nil, fmt.Errorf("prompt produced no tokens")
	}
	ids := make([]int, len(raw))
	for i, id := range raw {
		ids[i] = int(id)
	}
	return ids, nil
}

func (h *HF) Decode(ids []int) (string, error) {
	raw := make([]uint32, len(ids))
	for i, id := range ids {
		if id < 0 {
			return "", fmt.Errorf("negative token id %d at position %d", id, i)
		}
		raw[i] = uint32(id)
	}
	return h.tk.Decode(raw, true), nil
}

func (h *HF) EOS() int { return h.eos }

func (h *HF) Close() error {
	h.tk.Close()
	return nil
}
