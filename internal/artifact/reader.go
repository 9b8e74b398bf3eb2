package artifact

import (
	"fmt"
	"path/filepath"

	"github.com/loomworks/loom/internal/device"
)

// LoadError reports an artifact that cannot be loaded: missing or
// corrupted bundle, incompatible format version, or a shape signature
// that does not match the runner configuration.
type LoadError struct {
	Path   string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("load artifact %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("load artifact %s: %s", e.Path, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Artifact is an opened, manifest-validated bundle. Shard tensors are
// read per rank on demand.
type Artifact struct {
	Path     string
	Manifest *Manifest
}

// Open reads and validates the bundle manifest. A directory without a
// readable manifest was never completed by the writer and is rejected.
func Open(path string) (*Artifact, error) {
	m, err := readManifest(path)
	if err != nil {
		return nil, &LoadError{Path: path, Reason: "missing or unreadable manifest", Err: err}
	}
	if m.FormatVersion != FormatVersion {
		return nil, &LoadError{Path: path,
			Reason: fmt.Sprintf("format version %d, this build reads %d", m.FormatVersion, FormatVersion)}
	}
	if len(m.Shards) != m.Signature.TPDegree {
		return nil, &LoadError{Path: path,
			Reason: fmt.Sprintf("%d shard files for tensor parallel degree %d", len(m.Shards), m.Signature.TPDegree)}
	}
	if err := m.Model.Validate(); err != nil {
		return nil, &LoadError{Path: path, Reason: "invalid embedded model config", Err: err}
	}
	return &Artifact{Path: path, Manifest: m}, nil
}

// CheckSignature enforces the strict equality contract between the
// artifact's specialization tuple and the runner's configuration.
func (a *Artifact) CheckSignature(want Signature) error {
	got := a.Manifest.Signature
	if got != want {
		return &LoadError{Path: a.Path,
			Reason: fmt.Sprintf("signature mismatch: artifact is (%s), runner wants (%s)", got.String(), want.String())}
	}
	return nil
}

// LoadRank verifies the shard file checksum and deserializes one rank's
// tensors.
func (a *Artifact) LoadRank(rank int) (map[string]*device.Tensor, error) {
	var shard *ShardFile
	for i := range a.Manifest.Shards {
		if a.Manifest.Shards[i].Rank == rank {
			shard = &a.Manifest.Shards[i]
			break
		}
	}
	if shard == nil {
		return nil, &LoadError{Path: a.Path, Reason: fmt.Sprintf("no shard for rank %d", rank)}
	}

	path := filepath.Join(a.Path, shard.File)
	sum, size, err := hashFile(path)
	if err != nil {
		return nil, &LoadError{Path: a.Path, Reason: fmt.Sprintf("read shard %s", shard.File), Err: err}
	}
	if size != shard.Bytes || sum != shard.Checksum {
		return nil, &LoadError{Path: a.Path,
			Reason: fmt.Sprintf("shard %s corrupted (checksum %s/%d bytes, manifest says %s/%d)",
				shard.File, sum, size, shard.Checksum, shard.Bytes)}
	}

	tensors, err := readShardFile(path)
	if err != nil {
		return nil, &LoadError{Path: a.Path, Reason: fmt.Sprintf("decode shard %s", shard.File), Err: err}
	}
	return tensors, nil
}
