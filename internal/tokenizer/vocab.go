package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
)

// Vocab is a greedy longest-match tokenizer over a plain vocabulary.
// It handles the common BPE space markers (Ġ and ▁) well enough for
// checkpoints without a tokenizer.json, and gives tests a deterministic
// backend with no C dependency.
type Vocab struct {
	tokens []string
	ids    map[string]int
	eos    int
	maxLen int
}

// NewVocab builds a tokenizer from an ordered token list; a token's
// index is its id.
func NewVocab(tokens []string, eosID int) (*Vocab, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	ids := make(map[string]int, len(tokens))
	maxLen := 0
	for i, tok := range tokens {
		if tok == "" {
			return nil, fmt.Errorf("empty token at id %d", i)
		}
		if _, dup := ids[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		ids[tok] = i
		if len(tok) > maxLen {
			maxLen = len(tok)
		}
	}
	if eosID >= len(tokens) {
		return nil, fmt.Errorf("eos id %d out of vocabulary range %d", eosID, len(tokens))
	}
	return &Vocab{tokens: tokens, ids: ids, eos: eosID, maxLen: maxLen}, nil
}

// LoadVocab reads the model.vocab table of a tokenizer.json. Added
// tokens are merged in so special markers round-trip.
func LoadVocab(path string, eosID int) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", path, err)
	}

	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
		AddedTokens []struct {
			ID      int    `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", path, err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("no vocabulary in %s", path)
	}

	size := 0
	for _, id := range doc.Model.Vocab {
		if id >= size {
			size = id + 1
		}
	}
	for _, at := range doc.AddedTokens {
		if at.ID >= size {
			size = at.ID + 1
		}
	}

	tokens := make([]string, size)
	for tok, id := range doc.Model.Vocab {
		tokens[id] = tok
	}
	for _, at := range doc.AddedTokens {
		tokens[at.ID] = at.Content
	}
	for i, tok := range tokens {
		if tok == "" {
			tokens[i] = fmt.Sprintf("<unused_%d>", i)
		}
	}
	return NewVocab(tokens, eosID)
}

// Encode greedily matches the longest known token at each position.
// Word-initial pieces are tried with both BPE space markers before the
// bare form.
func (v *Vocab) Encode(text string) ([]int, error) {
	var ids []int
	for _, word := range strings.Fields(text) {
		rest := word
		first := true
		for len(rest) > 0 {
			tok, id := v.longestMatch(rest, first && len(ids) > 0)
			if tok == "" {
				return nil, fmt.Errorf("no token matches %q", rest)
			}
			ids = append(ids, id)
			rest = rest[len(tok):]
			first = false
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("prompt produced no tokens")
	}
	return ids, nil
}

func (v *Vocab) longestMatch(s string, spacePrefixed bool) (string, int) {
	limit := len(s)
	if limit > v.maxLen {
		limit = v.maxLen
	}
	for n := limit; n > 0; n-- {
		piece := s[:n]
		if spacePrefixed {
			if id, ok := v.ids["Ġ"+piece]; ok {
				return piece, id
			}
			if id, ok := v.ids["▁"+piece]; ok {
				return piece, id
			}
		}
		if id, ok := v.ids[piece]; ok {
			return piece, id
		}
	}
	return "", -1
}

func (v *Vocab) Decode(ids []int) (string, error) {
	var sb strings.Builder
	for i, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			return "", fmt.Errorf("token id %d at position %d out of vocabulary range %d", id, i, len(v.tokens))
		}
		tok := v.tokens[id]
		tok = strings.ReplaceAll(tok, "Ġ", " ")
		tok = strings.ReplaceAll(tok, "▁", " ")
		sb.WriteString(tok)
	}
	return sb.String(), nil
}

func (v *Vocab) EOS() int { return v.eos }

func (v *Vocab) Close() error { return nil }

// Size reports the vocabulary size.
func (v *Vocab) Size() int { return len(v.tokens) }
