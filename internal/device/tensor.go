package device

import "fmt"

// Tensor is a dense row-major float32 matrix bound to one device worker.
// Weight tensors use the [out, in] convention of the checkpoint layout;
// vectors are [n, 1].
type Tensor struct {
	Data []float32
	Rows int
	Cols int
}

func NewTensor(rows, cols int) *Tensor {
	return &Tensor{
		Data: make([]float32, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// FromSlice wraps an existing buffer without copying.
func FromSlice(data []float32, rows, cols int) (*Tensor, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("tensor data length %d does not match shape [%d, %d]", len(data), rows, cols)
	}
	return &Tensor{Data: data, Rows: rows, Cols: cols}, nil
}

// Row returns a view of row r.
func (t *Tensor) Row(r int) []float32 {
	return t.Data[r*t.Cols : (r+1)*t.Cols]
}

// Slice copies the [rowOff:rowOff+rows, colOff:colOff+cols] window into a
// new tensor. The partition planner guarantees windows are in bounds;
// this validates anyway because slicing runs at compile time where a
// clear error beats a panic.
func (t *Tensor) Slice(rowOff, colOff, rows, cols int) (*Tensor, error) {
	if rowOff < 0 || colOff < 0 || rowOff+rows > t.Rows || colOff+cols > t.Cols {
		return nil, fmt.Errorf("slice [%d:%d, %d:%d] out of bounds for [%d, %d]",
			rowOff, rowOff+rows, colOff, colOff+cols, t.Rows, t.Cols)
	}
	out := NewTensor(rows, cols)
	for r := 0; r < rows; r++ {
		src := t.Data[(rowOff+r)*t.Cols+colOff:]
		copy(out.Row(r), src[:cols])
	}
	return out, nil
}

// Device holds the shard tensors bound to one tensor-parallel rank.
type Device struct {
	Rank    int
	tensors map[string]*Tensor
}

func NewDevice(rank int) *Device {
	return &Device{Rank: rank, tensors: make(map[string]*Tensor)}
}

func (d *Device) Bind(name string, t *Tensor) {
	d.tensors[name] = t
}

func (d *Device) Tensor(name string) (*Tensor, bool) {
	t, ok := d.tensors[name]
	return t, ok
}

// NumTensors reports how many shards are bound.
func (d *Device) NumTensors() int {
	return len(d.tensors)
}
