package weights

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// cacheSchema lays out one prepared tensor per IPC file: its dims, element
// type, raw bytes, quantization scales, the head-count tag and the xxhash of
// the source bytes it was derived from. A hash mismatch invalidates the
// entry when the underlying model file changes.
var cacheSchema = arrow.NewSchema([]arrow.Field{
	{Name: "dims", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
	{Name: "dtype", Type: arrow.BinaryTypes.String},
	{Name: "data", Type: arrow.BinaryTypes.Binary},
	{Name: "scales", Type: arrow.BinaryTypes.Binary},
	{Name: "dim_scale", Type: arrow.PrimitiveTypes.Int64},
	{Name: "head_count", Type: arrow.PrimitiveTypes.Int64},
	{Name: "source_hash", Type: arrow.PrimitiveTypes.Uint64},
}, nil)

// transposeCache stores prepared self-attention weights under a cache
// directory, one Arrow IPC stream file per weight name.
type transposeCache struct {
	dir string
}

func newTransposeCache(dir string) (*transposeCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("weight cache: %w", err)
	}
	return &transposeCache{dir: dir}, nil
}

func (c *transposeCache) path(name string) string {
	return filepath.Join(c.dir, name+".arrow")
}

// Store writes t under name, tagged with the hash of its source bytes.
func (c *transposeCache) Store(name string, t *tensor.Tensor, sourceHash uint64) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, cacheSchema)
	defer b.Release()

	dimsB := b.Field(0).(*array.ListBuilder)
	dimsVals := dimsB.ValueBuilder().(*array.Int64Builder)
	dimsB.Append(true)
	for _, d := range t.Dims() {
		dimsVals.Append(int64(d))
	}
	b.Field(1).(*array.StringBuilder).Append(t.DType().String())
	b.Field(2).(*array.BinaryBuilder).Append(t.Data())
	b.Field(3).(*array.BinaryBuilder).Append(scaleBytes(t.Scales))
	b.Field(4).(*array.Int64Builder).Append(int64(t.DimScale))
	b.Field(5).(*array.Int64Builder).Append(int64(t.HeadCount))
	b.Field(6).(*array.Uint64Builder).Append(sourceHash)

	rec := b.NewRecord()
	defer rec.Release()

	f, err := os.Create(c.path(name))
	if err != nil {
		return fmt.Errorf("weight cache %s: %w", name, err)
	}
	w := ipc.NewWriter(f, ipc.WithSchema(cacheSchema))
	if err := w.Write(rec); err != nil {
		w.Close()
		f.Close()
		return fmt.Errorf("weight cache %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("weight cache %s: %w", name, err)
	}
	return f.Close()
}

// Load reads the cached tensor for name, if present and derived from source
// bytes with the given hash. A missing or stale entry returns (nil, nil).
func (c *transposeCache) Load(name string, sourceHash uint64) (*tensor.Tensor, error) {
	f, err := os.Open(c.path(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("weight cache %s: %w", name, err)
	}
	defer f.Close()

	r, err := ipc.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("weight cache %s: %w", name, err)
	}
	defer r.Release()
	if !r.Next() {
		return nil, fmt.Errorf("weight cache %s: empty file", name)
	}
	rec := r.Record()

	if h := rec.Column(6).(*array.Uint64).Value(0); h != sourceHash {
		return nil, nil
	}

	dimsCol := rec.Column(0).(*array.List)
	dimsVals := dimsCol.ListValues().(*array.Int64)
	start, end := dimsCol.ValueOffsets(0)
	dims := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		dims = append(dims, int(dimsVals.Value(int(i))))
	}

	dtype := rec.Column(1).(*array.String).Value(0)
	data := rec.Column(2).(*array.Binary).Value(0)
	scales := rec.Column(3).(*array.Binary).Value(0)
	dimScale := int(rec.Column(4).(*array.Int64).Value(0))
	headCount := int(rec.Column(5).(*array.Int64).Value(0))

	var t *tensor.Tensor
	switch dtype {
	case device.DataTypeF32.String():
		t = tensor.New(dims, device.DataTypeF32)
	case device.DataTypeQCInt8.String():
		t = tensor.NewQC(dims, dimScale)
	default:
		return nil, fmt.Errorf("weight cache %s: unknown dtype %q", name, dtype)
	}
	if err := t.LoadFromBuffer(data, true); err != nil {
		return nil, fmt.Errorf("weight cache %s: %w", name, err)
	}
	if len(scales) > 0 {
		if len(scales) != 4*len(t.Scales) {
			return nil, fmt.Errorf("weight cache %s: %d scale bytes for %d channels", name, len(scales), len(t.Scales))
		}
		for i := range t.Scales {
			t.Scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(scales[4*i:]))
		}
	}
	t.HeadCount = headCount
	t.Provenance = tensor.ProvenanceLoadedFromCache
	return t, nil
}

func scaleBytes(scales []float32) []byte {
	out := make([]byte, 4*len(scales))
	for i, s := range scales {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}
	return out
}
