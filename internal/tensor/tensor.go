// Package tensor provides the logical N-dimensional array descriptors the
// graph builder and weight loader work with. A Tensor is a cheap descriptor
// over a shared byte buffer: slices, views and borrows alias the same
// allocation at different offsets, and the buffer lives for as long as any
// descriptor referencing it does.
package tensor

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// allocPad is the slack the backend expects past the end of every buffer.
const allocPad = 64

// ScaleSuffix names the sibling file carrying per-channel float32 scales of
// a quantized weight.
const ScaleSuffix = "_quantized_scale"

// Provenance records how a weight tensor came to be, replacing the ad hoc
// string metadata tags of older engines. Loader decorators consult it to
// stay idempotent.
type Provenance uint8

const (
	ProvenanceNone Provenance = iota
	ProvenanceLoadedFresh
	ProvenanceLoadedFromCache
	ProvenanceTransposed
	ProvenancePrepared
)

type buffer struct {
	data []byte
}

// Tensor is a descriptor: dims plus a (possibly shared) buffer reference.
// Quantized tensors additionally carry Scales along the DimScale axis.
type Tensor struct {
	dims  []int
	num   int
	dtype device.DataType

	buf *buffer
	off int // byte offset into buf.data

	id     device.ValueID
	output bool

	// DimScale and Scales are populated only for DataTypeQCInt8;
	// len(Scales) == dims[DimScale].
	DimScale int
	Scales   []float32

	// HeadCount is set on attention projection weights when they are
	// reshaped/transposed for per-head use; zero means unset.
	HeadCount int

	Provenance Provenance
}

// New creates an unallocated dense tensor descriptor.
func New(dims []int, dtype device.DataType) *Tensor {
	n := 1
	for _, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dim in %v", dims))
		}
		n *= d
	}
	return &Tensor{
		dims:  append([]int(nil), dims...),
		num:   n,
		dtype: dtype,
		id:    device.InvalidValueID,
	}
}

// NewQC creates an unallocated channelwise-quantized int8 tensor with the
// scale axis at dimScale.
func NewQC(dims []int, dimScale int) *Tensor {
	if dimScale < 0 || dimScale >= len(dims) {
		panic(fmt.Sprintf("tensor: scale dim %d out of range for %v", dimScale, dims))
	}
	t := New(dims, device.DataTypeQCInt8)
	t.DimScale = dimScale
	return t
}

func (t *Tensor) Dims() []int           { return t.dims }
func (t *Tensor) Dim(i int) int         { return t.dims[i] }
func (t *Tensor) Rank() int             { return len(t.dims) }
func (t *Tensor) NumElements() int      { return t.num }
func (t *Tensor) DType() device.DataType { return t.dtype }
func (t *Tensor) ByteSize() int         { return t.num * t.dtype.ElemSize() }

func (t *Tensor) ID() device.ValueID      { return t.id }
func (t *Tensor) SetID(id device.ValueID) { t.id = id }

// MarkOutput tags the tensor as externally read each run.
func (t *Tensor) MarkOutput() { t.output = true }
func (t *Tensor) IsOutput() bool { return t.output }

func (t *Tensor) Allocated() bool { return t.buf != nil }

// AllocateBufferIfNeeded reserves the backing buffer (plus backend padding)
// and, for quantized tensors, the scale array. It is idempotent.
func (t *Tensor) AllocateBufferIfNeeded() {
	if t.buf == nil {
		t.buf = &buffer{data: make([]byte, t.ByteSize()+allocPad)}
		t.off = 0
		metrics.RecordTensorBytes(int64(t.ByteSize() + allocPad))
	}
	if t.dtype == device.DataTypeQCInt8 && t.Scales == nil {
		t.Scales = make([]float32, t.dims[t.DimScale])
	}
}

// Data returns the raw bytes. Reading an unallocated tensor is a
// programming error, not a recoverable condition.
func (t *Tensor) Data() []byte {
	if t.buf == nil {
		panic(fmt.Sprintf("tensor: Data() on unallocated tensor %v", t.dims))
	}
	return t.buf.data[t.off : t.off+t.ByteSize()]
}

// Float32s reinterprets the buffer as float32 values.
func (t *Tensor) Float32s() []float32 {
	if t.dtype != device.DataTypeF32 {
		panic(fmt.Sprintf("tensor: Float32s() on %s tensor", t.dtype))
	}
	d := t.Data()
	if t.num == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&d[0])), t.num)
}

// Int8s reinterprets the buffer as int8 values.
func (t *Tensor) Int8s() []int8 {
	if t.dtype != device.DataTypeQCInt8 {
		panic(fmt.Sprintf("tensor: Int8s() on %s tensor", t.dtype))
	}
	d := t.Data()
	if t.num == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&d[0])), t.num)
}

// LoadFromBuffer copies raw bytes into the tensor. With exact set the
// source must match the tensor's byte size; otherwise it may not exceed it.
func (t *Tensor) LoadFromBuffer(src []byte, exact bool) error {
	if exact && len(src) != t.ByteSize() {
		return fmt.Errorf("tensor load %v: got %d bytes, want exactly %d", t.dims, len(src), t.ByteSize())
	}
	if len(src) > t.ByteSize() {
		return fmt.Errorf("tensor load %v: got %d bytes, capacity %d", t.dims, len(src), t.ByteSize())
	}
	t.AllocateBufferIfNeeded()
	copy(t.Data(), src)
	return nil
}

// LoadFromVec copies float32 values into an f32 tensor.
func (t *Tensor) LoadFromVec(src []float32, exact bool) error {
	if t.dtype != device.DataTypeF32 {
		return fmt.Errorf("tensor load %v: vec load into %s tensor", t.dims, t.dtype)
	}
	if exact && len(src) != t.num {
		return fmt.Errorf("tensor load %v: got %d elements, want exactly %d", t.dims, len(src), t.num)
	}
	if len(src) > t.num {
		return fmt.Errorf("tensor load %v: got %d elements, capacity %d", t.dims, len(src), t.num)
	}
	t.AllocateBufferIfNeeded()
	copy(t.Float32s(), src)
	return nil
}

// AdoptBuffer wraps src as the tensor's backing storage without copying.
// The caller keeps src alive implicitly through the tensor.
func (t *Tensor) AdoptBuffer(src []byte) error {
	if len(src) < t.ByteSize() {
		return fmt.Errorf("tensor adopt %v: got %d bytes, need %d", t.dims, len(src), t.ByteSize())
	}
	t.buf = &buffer{data: src}
	t.off = 0
	return nil
}

// DumpToVec copies the tensor out as float32 values.
func (t *Tensor) DumpToVec() []float32 {
	out := make([]float32, t.num)
	copy(out, t.Float32s())
	return out
}

// Slice returns a view of a single position along axis: the result has
// extent 1 on that axis and aliases the original buffer at the computed
// byte offset. All axes before the sliced one must have extent 1, otherwise
// the slice would not be contiguous.
func (t *Tensor) Slice(axis, offset int) *Tensor {
	if axis < 0 || axis >= len(t.dims) {
		panic(fmt.Sprintf("tensor slice: axis %d out of range for %v", axis, t.dims))
	}
	if offset < 0 || offset >= t.dims[axis] {
		panic(fmt.Sprintf("tensor slice: offset %d out of range for axis %d of %v", offset, axis, t.dims))
	}
	for i := 0; i < axis; i++ {
		if t.dims[i] != 1 {
			panic(fmt.Sprintf("tensor slice: axis %d of %v has leading extent %d, slice would not be contiguous", axis, t.dims, t.dims[i]))
		}
	}
	if t.buf == nil {
		panic(fmt.Sprintf("tensor slice: unallocated tensor %v", t.dims))
	}
	stride := 1
	for i := axis + 1; i < len(t.dims); i++ {
		stride *= t.dims[i]
	}
	newDims := append([]int(nil), t.dims...)
	newDims[axis] = 1
	s := New(newDims, t.dtype)
	s.buf = t.buf
	s.off = t.off + offset*stride*t.dtype.ElemSize()
	return s
}

// SliceOffsets is the offsets-vector form of Slice: exactly one entry may
// be non-zero, naming both the axis and the position.
func (t *Tensor) SliceOffsets(offsets []int) *Tensor {
	if len(offsets) != len(t.dims) {
		panic(fmt.Sprintf("tensor slice: %d offsets for rank %d", len(offsets), len(t.dims)))
	}
	axis := -1
	for i, o := range offsets {
		if o != 0 {
			if axis != -1 {
				panic(fmt.Sprintf("tensor slice: multiple non-zero offsets in %v", offsets))
			}
			axis = i
		}
	}
	if axis == -1 {
		axis = 0
	}
	return t.Slice(axis, offsets[axis])
}

// Borrow rebinds this tensor's storage to alias other's buffer at the given
// element offset. The descriptor's dims are unchanged; the borrowed region
// must fit inside other's allocation.
func (t *Tensor) Borrow(other *Tensor, elemOffset int) {
	if other.buf == nil {
		panic(fmt.Sprintf("tensor borrow: source %v unallocated", other.dims))
	}
	if t.dtype != other.dtype {
		panic(fmt.Sprintf("tensor borrow: %s into %s", other.dtype, t.dtype))
	}
	if elemOffset < 0 || elemOffset+t.num > other.num {
		panic(fmt.Sprintf("tensor borrow: %d elements at offset %d exceed source %v", t.num, elemOffset, other.dims))
	}
	t.buf = other.buf
	t.off = other.off + elemOffset*t.dtype.ElemSize()
}

// View reinterprets the same storage under different dims. The new shape
// may not cover more elements than the old one.
func (t *Tensor) View(newDims []int) *Tensor {
	n := 1
	for _, d := range newDims {
		n *= d
	}
	if n > t.num {
		panic(fmt.Sprintf("tensor view: %v (%d elements) over %v (%d elements)", newDims, n, t.dims, t.num))
	}
	v := New(newDims, t.dtype)
	v.buf = t.buf
	v.off = t.off
	v.DimScale = t.DimScale
	v.Scales = t.Scales
	return v
}

// Transpose physically transposes a 2-D tensor. Quantized tensors keep
// their scales and move the scale axis with the data.
func (t *Tensor) Transpose() *Tensor {
	if len(t.dims) != 2 {
		panic(fmt.Sprintf("tensor transpose: rank %d, want 2", len(t.dims)))
	}
	rows, cols := t.dims[0], t.dims[1]
	out := &Tensor{
		dims:       []int{cols, rows},
		num:        t.num,
		dtype:      t.dtype,
		id:         device.InvalidValueID,
		HeadCount:  t.HeadCount,
		Provenance: ProvenanceTransposed,
	}
	out.AllocateBufferIfNeeded()
	switch t.dtype {
	case device.DataTypeF32:
		device.Transpose2DF32(t.Float32s(), out.Float32s(), rows, cols)
	case device.DataTypeQCInt8:
		device.Transpose2DInt8(t.Data(), out.Data(), rows, cols)
		out.DimScale = 1 - t.DimScale
		out.Scales = append([]float32(nil), t.Scales...)
	}
	return out
}

// ConvertToF32 dequantizes a quantized tensor into a fresh float32 tensor.
func (t *Tensor) ConvertToF32() *Tensor {
	if t.dtype == device.DataTypeF32 {
		return t
	}
	out := New(t.dims, device.DataTypeF32)
	out.AllocateBufferIfNeeded()
	dst := out.Float32s()
	src := t.Int8s()

	stride := 1
	for i := t.DimScale + 1; i < len(t.dims); i++ {
		stride *= t.dims[i]
	}
	span := stride * t.dims[t.DimScale]
	for i, q := range src {
		ch := (i % span) / stride
		dst[i] = float32(q) * t.Scales[ch]
	}
	out.HeadCount = t.HeadCount
	out.Provenance = t.Provenance
	return out
}

// Equal compares dims, datatype and raw bytes (and scales for quantized
// tensors).
func (t *Tensor) Equal(o *Tensor) bool {
	if t.dtype != o.dtype || len(t.dims) != len(o.dims) {
		return false
	}
	for i := range t.dims {
		if t.dims[i] != o.dims[i] {
			return false
		}
	}
	if !bytes.Equal(t.Data(), o.Data()) {
		return false
	}
	if t.dtype == device.DataTypeQCInt8 {
		if t.DimScale != o.DimScale || len(t.Scales) != len(o.Scales) {
			return false
		}
		for i := range t.Scales {
			if t.Scales[i] != o.Scales[i] {
				return false
			}
		}
	}
	return true
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%v, %s)", t.dims, t.dtype)
}
