package artifact

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/zeebo/xxh3"

	"github.com/loomworks/loom/internal/device"
)

// TensorSchema is the Arrow schema of shard files and of the Flight
// weight-store transport: one record per tensor.
var TensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "rows", Type: arrow.PrimitiveTypes.Int64},
	{Name: "cols", Type: arrow.PrimitiveTypes.Int64},
	{Name: "data", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
}, nil)

// AppendTensor encodes one tensor into a record builder.
func AppendTensor(b *array.RecordBuilder, name string, t *device.Tensor) {
	b.Field(0).(*array.StringBuilder).Append(name)
	b.Field(1).(*array.Int64Builder).Append(int64(t.Rows))
	b.Field(2).(*array.Int64Builder).Append(int64(t.Cols))
	lb := b.Field(3).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Float32Builder).AppendValues(t.Data, nil)
}

// DecodeRecord extracts the tensors of one record into dst.
func DecodeRecord(rec arrow.Record, dst map[string]*device.Tensor) error {
	names := rec.Column(0).(*array.String)
	rows := rec.Column(1).(*array.Int64)
	cols := rec.Column(2).(*array.Int64)
	lists := rec.Column(3).(*array.List)
	values := lists.ListValues().(*array.Float32)

	for i := 0; i < int(rec.NumRows()); i++ {
		name := names.Value(i)
		r, c := int(rows.Value(i)), int(cols.Value(i))
		start, end := lists.ValueOffsets(i)
		if int(end-start) != r*c {
			return fmt.Errorf("tensor %s: %d values for shape [%d, %d]", name, end-start, r, c)
		}
		data := make([]float32, r*c)
		copy(data, values.Float32Values()[start:end])
		t, err := device.FromSlice(data, r, c)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		dst[name] = t
	}
	return nil
}

// writeShardFile serializes one rank's tensors as a zstd-compressed
// Arrow IPC file, one record per tensor in sorted name order.
func writeShardFile(path string, tensors map[string]*device.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w, err := ipc.NewFileWriter(f,
		ipc.WithSchema(TensorSchema),
		ipc.WithAllocator(memory.DefaultAllocator),
		ipc.WithZstd(),
	)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	b := array.NewRecordBuilder(memory.DefaultAllocator, TensorSchema)
	defer b.Release()

	for _, name := range names {
		AppendTensor(b, name, tensors[name])
		rec := b.NewRecord()
		werr := w.Write(rec)
		rec.Release()
		if werr != nil {
			w.Close()
			return fmt.Errorf("write tensor %s: %w", name, werr)
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// readShardFile loads all tensors of one shard file.
func readShardFile(path string) (map[string]*device.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make(map[string]*device.Tensor)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if err := DecodeRecord(rec, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// hashFile computes the xxh3 content checksum recorded in the manifest.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := xxh3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return strconv.FormatUint(h.Sum64(), 16), n, nil
}
