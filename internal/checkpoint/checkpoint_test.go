package checkpoint

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"

	"github.com/loomworks/loom/internal/model"
)

// writeSafetensors builds a minimal single-dtype fixture file.
func writeSafetensors(t *testing.T, path string, tensors map[string]struct {
	shape []int64
	data  []float32
}) {
	t.Helper()

	type meta struct {
		Dtype   string  `json:"dtype"`
		Shape   []int64 `json:"shape"`
		Offsets []int64 `json:"data_offsets"`
	}

	hdr := make(map[string]meta)
	var blob []byte
	var off int64
	// map iteration order does not matter; offsets are explicit.
	for name, tn := range tensors {
		start := off
		for _, v := range tn.data {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			blob = append(blob, b[:]...)
			off += 4
		}
		hdr[name] = meta{Dtype: "F32", Shape: tn.shape, Offsets: []int64{start, off}}
	}

	hdrJSON, err := json.Marshal(hdr)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var out []byte
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdrJSON)))
	out = append(out, lenBuf[:]...)
	out = append(out, hdrJSON...)
	out = append(out, blob...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func writeConfig(t *testing.T, dir string, cfg model.Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func testConfig() model.Config {
	cfg := model.Default()
	cfg.Dim = 8
	cfg.HiddenDim = 16
	cfg.Layers = 1
	cfg.Heads = 2
	cfg.KVHeads = 2
	cfg.VocabSize = 16
	return cfg
}

func TestLoadReadsAllShardFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig())

	writeSafetensors(t, filepath.Join(dir, "model-00001-of-00002.safetensors"),
		map[string]struct {
			shape []int64
			data  []float32
		}{
			"model.embed_tokens.weight": {shape: []int64{4, 2}, data: []float32{1, 2, 3, 4, 5, 6, 7, 8}},
		})
	writeSafetensors(t, filepath.Join(dir, "model-00002-of-00002.safetensors"),
		map[string]struct {
			shape []int64
			data  []float32
		}{
			"model.norm.weight": {shape: []int64{4}, data: []float32{1, 1, 1, 1}},
		})

	ckpt, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	emb, ok := ckpt.Tensor("model.embed_tokens.weight")
	if !ok {
		t.Fatal("embed_tokens missing")
	}
	if emb.Rows != 4 || emb.Cols != 2 {
		t.Errorf("embed shape = (%d,%d), want (4,2)", emb.Rows, emb.Cols)
	}
	if emb.Data[3] != 4 {
		t.Errorf("embed data[3] = %v, want 4", emb.Data[3])
	}

	norm, ok := ckpt.Tensor("model.norm.weight")
	if !ok {
		t.Fatal("norm missing")
	}
	if norm.Rows != 4 || norm.Cols != 1 {
		t.Errorf("1-D tensor shape = (%d,%d), want (4,1)", norm.Rows, norm.Cols)
	}

	names := ckpt.Names()
	if len(names) != 2 || names[0] != "model.embed_tokens.weight" {
		t.Errorf("Names() = %v, want sorted pair", names)
	}
}

func TestLoadRejectsDuplicateTensor(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig())

	tn := map[string]struct {
		shape []int64
		data  []float32
	}{
		"model.norm.weight": {shape: []int64{2}, data: []float32{1, 2}},
	}
	writeSafetensors(t, filepath.Join(dir, "a.safetensors"), tn)
	writeSafetensors(t, filepath.Join(dir, "b.safetensors"), tn)

	if _, err := Load(dir); err == nil {
		t.Fatal("expected duplicate-tensor error")
	}
}

func TestLoadRejectsEmptyDir(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig())
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error with no safetensors files")
	}
}

func TestLoadRejectsMissingConfig(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error with no config.json")
	}
}

func TestSplitFlightURI(t *testing.T) {
	cases := []struct {
		uri        string
		addr, name string
		wantErr    bool
	}{
		{uri: "flight://store:8815/llama-8b", addr: "store:8815", name: "llama-8b"},
		{uri: "flight://10.0.0.2:9090/models/llama", addr: "10.0.0.2:9090", name: "models/llama"},
		{uri: "flight://storeonly", wantErr: true},
		{uri: "flight://store:8815/", wantErr: true},
		{uri: "/local/path", wantErr: true},
	}
	for _, c := range cases {
		addr, name, err := SplitFlightURI(c.uri)
		if c.wantErr {
			if err == nil {
				t.Errorf("SplitFlightURI(%q): expected error", c.uri)
			}
			continue
		}
		if err != nil {
			t.Errorf("SplitFlightURI(%q): %v", c.uri, err)
			continue
		}
		if addr != c.addr || name != c.name {
			t.Errorf("SplitFlightURI(%q) = (%q, %q), want (%q, %q)", c.uri, addr, name, c.addr, c.name)
		}
	}
}

func TestIsFlightURI(t *testing.T) {
	if !IsFlightURI("flight://h:1/n") {
		t.Error("flight uri not recognized")
	}
	if IsFlightURI("/tmp/ckpt") {
		t.Error("local path misclassified as flight uri")
	}
}

func TestTokenizerPath(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, testConfig())
	writeSafetensors(t, filepath.Join(dir, "model.safetensors"),
		map[string]struct {
			shape []int64
			data  []float32
		}{
			"model.norm.weight": {shape: []int64{2}, data: []float32{1, 1}},
		})

	ckpt, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := ckpt.TokenizerPath(); got != "" {
		t.Errorf("TokenizerPath = %q, want empty without tokenizer.json", got)
	}

	if err := os.WriteFile(filepath.Join(dir, TokenizerFile), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ckpt.TokenizerPath(); got != filepath.Join(dir, TokenizerFile) {
		t.Errorf("TokenizerPath = %q", got)
	}
}
