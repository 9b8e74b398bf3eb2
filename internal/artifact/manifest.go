// Package artifact defines the compiled-artifact bundle: a directory
// holding manifest.json plus one Arrow IPC shard file per tensor-parallel
// rank. An artifact is specialized to exactly one shape signature and is
// rejected when loaded under any other configuration.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/loomworks/loom/internal/model"
)

// FormatVersion is bumped on any incompatible change to the bundle
// layout. Load requires strict equality.
const FormatVersion = 1

const ManifestFile = "manifest.json"

// Signature is the shape-specialization tuple an artifact is compiled
// for. Artifact lookup is a strict equality check on this tuple, never a
// best-effort match.
type Signature struct {
	BatchSize     int `json:"batch_size"`
	MaxContextLen int `json:"max_context_len"`
	MaxNewTokens  int `json:"max_new_tokens"`
	TPDegree      int `json:"tensor_parallel_degree"`
}

func (s Signature) String() string {
	return fmt.Sprintf("batch=%d ctx=%d new=%d tp=%d",
		s.BatchSize, s.MaxContextLen, s.MaxNewTokens, s.TPDegree)
}

// ShardFile describes one rank's serialized tensor shards.
type ShardFile struct {
	Rank     int    `json:"rank"`
	File     string `json:"file"`
	Bytes    int64  `json:"bytes"`
	Checksum string `json:"checksum_xxh3"`
}

// Manifest is the artifact's self-description. It only ever exists in a
// completed bundle: the writer renames the whole directory into place
// after the manifest is on disk, so a readable manifest implies a
// complete artifact.
type Manifest struct {
	FormatVersion    int          `json:"format_version"`
	CreatedAt        time.Time    `json:"created_at"`
	Signature        Signature    `json:"signature"`
	Model            model.Config `json:"model"`
	OnDeviceSampling bool         `json:"on_device_sampling"`
	Shards           []ShardFile  `json:"shards"`
}

// ShardFileName is the per-rank naming contract inside the bundle.
func ShardFileName(rank int) string {
	return fmt.Sprintf("tp_rank_%02d.arrow", rank)
}

func writeManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), data, 0o644)
}

func readManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
