package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/device"
	"github.com/loomworks/loom/internal/logger"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/model"
)

// Writer assembles an artifact bundle in a temp directory next to the
// target and renames it into place only once everything is on disk.
// A failed or aborted compilation therefore never leaves behind a
// directory that Open would accept.
type Writer struct {
	target string
	tmp    string
	shards []ShardFile
	done   bool
}

const tmpPrefix = ".tmp-"

// NewWriter prepares the staging directory for an artifact at target.
// It also sweeps stale staging directories left by interrupted runs.
func NewWriter(target string) (*Writer, error) {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, err
	}
	sweepStale(parent)

	tmp, err := os.MkdirTemp(parent, tmpPrefix)
	if err != nil {
		return nil, err
	}
	return &Writer{target: target, tmp: tmp}, nil
}

// WriteShard serializes one rank's tensors into the bundle.
func (w *Writer) WriteShard(rank int, tensors map[string]*device.Tensor) error {
	if w.done {
		return fmt.Errorf("artifact writer already finished")
	}
	name := ShardFileName(rank)
	path := filepath.Join(w.tmp, name)
	if err := writeShardFile(path, tensors); err != nil {
		return fmt.Errorf("shard rank %d: %w", rank, err)
	}
	sum, size, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("shard rank %d: checksum: %w", rank, err)
	}
	w.shards = append(w.shards, ShardFile{Rank: rank, File: name, Bytes: size, Checksum: sum})
	metrics.RecordArtifactShard(fmt.Sprintf("%d", rank), size)
	return nil
}

// Finish writes the manifest and atomically publishes the bundle,
// replacing any existing artifact at the target path.
func (w *Writer) Finish(sig Signature, cfg model.Config, onDeviceSampling bool) (*Manifest, error) {
	if w.done {
		return nil, fmt.Errorf("artifact writer already finished")
	}

	m := &Manifest{
		FormatVersion:    FormatVersion,
		CreatedAt:        time.Now().UTC(),
		Signature:        sig,
		Model:            cfg,
		OnDeviceSampling: onDeviceSampling,
		Shards:           w.shards,
	}
	if err := writeManifest(w.tmp, m); err != nil {
		w.Abort()
		return nil, err
	}

	// Replace-without-merge: an old artifact at the target is removed
	// wholesale before the rename.
	if err := os.RemoveAll(w.target); err != nil {
		w.Abort()
		return nil, err
	}
	if err := os.Rename(w.tmp, w.target); err != nil {
		w.Abort()
		return nil, err
	}
	w.done = true
	logger.Log.Info("artifact written", "path", w.target, "shards", len(m.Shards), "signature", sig.String())
	return m, nil
}

// Abort removes the staging directory. Safe to call after Finish.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	os.RemoveAll(w.tmp)
	w.done = true
}

// staleAge is how long a staging directory must sit untouched before
// the sweep treats it as abandoned. The margin keeps a concurrent
// compilation staging into the same parent out of reach.
const staleAge = time.Hour

// sweepStale removes staging directories abandoned by interrupted
// compilations.
func sweepStale(parent string) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-staleAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		stale := filepath.Join(parent, e.Name())
		logger.Log.Warn("removing stale artifact staging dir", "path", stale)
		os.RemoveAll(stale)
	}
}
