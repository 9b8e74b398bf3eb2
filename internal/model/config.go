package model

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config holds the architecture hyperparameters of a transformer decoder
// checkpoint. It is parsed once from the checkpoint's config.json and is
// immutable afterwards.
type Config struct {
	Architecture     string  `json:"model_type"`
	Dim              int     `json:"hidden_size"`
	HiddenDim        int     `json:"intermediate_size"`
	Layers           int     `json:"num_hidden_layers"`
	Heads            int     `json:"num_attention_heads"`
	KVHeads          int     `json:"num_key_value_heads"`
	VocabSize        int     `json:"vocab_size"`
	MaxPositions     int     `json:"max_position_embeddings"`
	Eps              float32 `json:"rms_norm_eps"`
	RopeTheta        float32 `json:"rope_theta"`
	BOSTokenID       int     `json:"bos_token_id"`
	EOSTokenID       int     `json:"eos_token_id"`
	TieWordEmbedding bool    `json:"tie_word_embeddings"`
}

// HeadDim is derived, never stored.
func (c *Config) HeadDim() int {
	if c.Heads == 0 {
		return 0
	}
	return c.Dim / c.Heads
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid num_hidden_layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("num_attention_heads (%d) not divisible by num_key_value_heads (%d)", c.Heads, c.KVHeads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("hidden_size (%d) not divisible by num_attention_heads (%d)", c.Dim, c.Heads)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.HiddenDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("invalid max_position_embeddings: %d (must be positive)", c.MaxPositions)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	return nil
}

// Load reads and validates a config.json file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read model config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse model config %s: %w", path, err)
	}
	if cfg.KVHeads == 0 {
		cfg.KVHeads = cfg.Heads // MHA checkpoints omit the key
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		MaxPositions: 2048,
		Eps:          1e-5,
		RopeTheta:    10000.0,
		BOSTokenID:   -1,
		EOSTokenID:   -1,
	}
}
