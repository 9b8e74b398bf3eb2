// Package checkpoint reads a model checkpoint directory into memory.
// The directory layout is an external contract: config.json with the
// architecture hyperparameters, one or more *.safetensors weight files,
// and the tokenizer files consumed by the tokenizer adapter.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/flightstore"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/model"
)

const (
	ConfigFile    = "config.json"
	TokenizerFile = "tokenizer.json"
)

// Checkpoint is the in-memory parameter set of a model directory.
// Immutable once loaded; the compiler slices it, never mutates it.
type Checkpoint struct {
	Config  model.Config
	Dir     string
	tensors map[string]*device.Tensor
}

// FromTensors builds a checkpoint around an already-materialized tensor
// set. Used by tests and by tools that synthesize weights.
func FromTensors(cfg model.Config, tensors map[string]*device.Tensor) *Checkpoint {
	return &Checkpoint{Config: cfg, Dir: "", tensors: tensors}
}

// Load reads config.json and every *.safetensors file under dir.
func Load(dir string) (*Checkpoint, error) {
	cfg, err := model.Load(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s", dir)
	}
	sort.Strings(files)

	tensors := make(map[string]*device.Tensor)
	for _, f := range files {
		part, err := readSafetensors(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		for name, t := range part {
			if _, dup := tensors[name]; dup {
				return nil, fmt.Errorf("tensor %s appears in multiple shard files", name)
			}
			tensors[name] = t
		}
	}

	logger.Log.Info("checkpoint loaded",
		"dir", dir, "files", len(files), "tensors", len(tensors),
		"layers", cfg.Layers, "dim", cfg.Dim)

	return &Checkpoint{Config: cfg, Dir: dir, tensors: tensors}, nil
}

// LoadRemote streams a named tensor set from an Arrow Flight endpoint
// (uri of the form flight://host:port/name). The model config still
// comes from the caller because the weight store serves tensors only.
func LoadRemote(ctx context.Context, uri string, cfg model.Config) (*Checkpoint, error) {
	addr, name, err := SplitFlightURI(uri)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("remote checkpoint needs a valid model config: %w", err)
	}

	client, err := flightstore.Dial(addr)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	tensors, err := client.FetchTensors(ctx, name)
	if err != nil {
		return nil, err
	}

	logger.Log.Info("remote checkpoint fetched", "addr", addr, "name", name, "tensors", len(tensors))
	return &Checkpoint{Config: cfg, Dir: uri, tensors: tensors}, nil
}

// IsFlightURI reports whether a checkpoint path points at a remote
// weight store rather than a local directory.
func IsFlightURI(path string) bool {
	return strings.HasPrefix(path, "flight://")
}

// SplitFlightURI separates flight://host:port/name into dial address
// and checkpoint name.
func SplitFlightURI(uri string) (addr, name string, err error) {
	rest := strings.TrimPrefix(uri, "flight://")
	if rest == uri {
		return "", "", fmt.Errorf("not a flight uri: %s", uri)
	}
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("flight uri must be flight://host:port/name, got %s", uri)
	}
	return rest[:i], rest[i+1:], nil
}

// Tensor returns a named parameter tensor.
func (c *Checkpoint) Tensor(name string) (*device.Tensor, bool) {
	t, ok := c.tensors[name]
	return t, ok
}

// Names lists all parameter tensors in sorted order.
func (c *Checkpoint) Names() []string {
	names := make([]string, 0, len(c.tensors))
	for n := range c.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TokenizerPath returns the tokenizer.json path for local checkpoints,
// or "" when the checkpoint has no tokenizer file.
func (c *Checkpoint) TokenizerPath() string {
	if IsFlightURI(c.Dir) {
		return ""
	}
	p := filepath.Join(c.Dir, TokenizerFile)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
