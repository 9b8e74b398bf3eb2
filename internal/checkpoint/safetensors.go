package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/loomworks/loom/internal/device"
)

// Safetensors file layout: [header_len:u64le][header_json][tensor_data].
// The header maps tensor name -> {dtype, shape, data_offsets}; offsets
// are relative to the end of the header.

type tensorMeta struct {
	Dtype   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// readSafetensors loads every tensor of one file as float32.
func readSafetensors(path string) (map[string]*device.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read safetensors header length: %w", err)
	}
	hdrLen := binary.LittleEndian.Uint64(lenBuf[:])
	if hdrLen == 0 || hdrLen > 100<<20 {
		return nil, fmt.Errorf("implausible safetensors header length %d in %s", hdrLen, path)
	}

	hdrBytes := make([]byte, hdrLen)
	if _, err := io.ReadFull(f, hdrBytes); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdrBytes, &raw); err != nil {
		return nil, fmt.Errorf("invalid safetensors header in %s: %w", path, err)
	}

	dataStart := int64(8 + hdrLen)
	out := make(map[string]*device.Tensor, len(raw))

	// Deterministic read order helps sequential IO and reproducible logs.
	names := make([]string, 0, len(raw))
	for name := range raw {
		if name == "__metadata__" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var meta tensorMeta
		if err := json.Unmarshal(raw[name], &meta); err != nil {
			return nil, fmt.Errorf("tensor %s: invalid metadata: %w", name, err)
		}
		if len(meta.Offsets) != 2 {
			continue
		}
		t, err := readTensor(f, dataStart, name, meta)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

func readTensor(f *os.File, dataStart int64, name string, meta tensorMeta) (*device.Tensor, error) {
	rows, cols, err := shape2D(meta.Shape)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	n := rows * cols

	size := meta.Offsets[1] - meta.Offsets[0]
	if size <= 0 {
		return nil, fmt.Errorf("tensor %s: empty data region", name)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, dataStart+meta.Offsets[0]); err != nil {
		return nil, fmt.Errorf("tensor %s: read data: %w", name, err)
	}

	var data []float32
	switch meta.Dtype {
	case "F32":
		if int64(n*4) > size {
			return nil, fmt.Errorf("tensor %s: data truncated (need %d bytes, have %d)", name, n*4, size)
		}
		data = device.DecodeF32(buf, n)
	case "F16":
		if int64(n*2) > size {
			return nil, fmt.Errorf("tensor %s: data truncated (need %d bytes, have %d)", name, n*2, size)
		}
		data = device.DecodeF16(buf, n)
	case "BF16":
		if int64(n*2) > size {
			return nil, fmt.Errorf("tensor %s: data truncated (need %d bytes, have %d)", name, n*2, size)
		}
		data = device.DecodeBF16(buf, n)
	default:
		return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, meta.Dtype)
	}

	return device.FromSlice(data, rows, cols)
}

// shape2D flattens trailing dimensions: weights are [out, in], vectors
// become [n, 1].
func shape2D(shape []int64) (rows, cols int, err error) {
	switch len(shape) {
	case 0:
		return 0, 0, fmt.Errorf("scalar tensors not supported")
	case 1:
		return int(shape[0]), 1, nil
	default:
		rows = int(shape[0])
		cols = 1
		for _, d := range shape[1:] {
			cols *= int(d)
		}
		return rows, cols, nil
	}
}
