package tensor

import (
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func TestSliceAliasesBuffer(t *testing.T) {
	src := New([]int{1, 4, 3}, device.DataTypeF32)
	if err := src.LoadFromVec([]float32{
		0, 1, 2,
		10, 11, 12,
		20, 21, 22,
		30, 31, 32,
	}, true); err != nil {
		t.Fatal(err)
	}

	s := src.Slice(1, 2)
	want := []int{1, 1, 3}
	for i, d := range s.Dims() {
		if d != want[i] {
			t.Fatalf("slice dims = %v, want %v", s.Dims(), want)
		}
	}
	got := s.Float32s()
	for i, w := range []float32{20, 21, 22} {
		if got[i] != w {
			t.Errorf("slice[%d] = %f, want %f", i, got[i], w)
		}
	}

	// Writes through the slice land in the parent buffer.
	got[0] = 99
	if src.Float32s()[6] != 99 {
		t.Error("write through slice did not reach parent buffer")
	}
}

func TestSliceOffsetsMatchesSlice(t *testing.T) {
	src := New([]int{1, 8, 4}, device.DataTypeF32)
	vals := make([]float32, 32)
	for i := range vals {
		vals[i] = float32(i)
	}
	if err := src.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}

	a := src.Slice(1, 5)
	b := src.SliceOffsets([]int{0, 5, 0})
	if !a.Equal(b) {
		t.Error("SliceOffsets result differs from Slice")
	}
}

func TestSliceOffsetsRejectsMultipleAxes(t *testing.T) {
	src := New([]int{1, 4, 4}, device.DataTypeF32)
	src.AllocateBufferIfNeeded()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for two non-zero offsets")
		}
	}()
	src.SliceOffsets([]int{0, 1, 1})
}

func TestSliceRejectsNonLeadingAxis(t *testing.T) {
	src := New([]int{2, 4, 4}, device.DataTypeF32)
	src.AllocateBufferIfNeeded()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for slice behind a non-unit axis")
		}
	}()
	src.Slice(1, 0)
}

func TestBorrowAliasesAtOffset(t *testing.T) {
	cache := New([]int{1, 8, 4}, device.DataTypeF32)
	cache.AllocateBufferIfNeeded()

	slot := New([]int{1, 1, 4}, device.DataTypeF32)
	slot.Borrow(cache, 3*4)
	vals := slot.Float32s()
	for i := range vals {
		vals[i] = float32(100 + i)
	}

	all := cache.Float32s()
	for i := 0; i < 4; i++ {
		if all[12+i] != float32(100+i) {
			t.Fatalf("cache[%d] = %f, want %f", 12+i, all[12+i], float32(100+i))
		}
	}

	// Rebinding moves the alias, leaving the previous slot intact.
	slot.Borrow(cache, 4*4)
	slot.Float32s()[0] = -1
	if all[12] != 100 {
		t.Error("rebinding clobbered the previous slot")
	}
	if all[16] != -1 {
		t.Error("rebound slot did not write at new offset")
	}
}

func TestBorrowRejectsOverrun(t *testing.T) {
	src := New([]int{8}, device.DataTypeF32)
	src.AllocateBufferIfNeeded()
	dst := New([]int{4}, device.DataTypeF32)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for borrow past end of source")
		}
	}()
	dst.Borrow(src, 5)
}

func TestViewSharesStorage(t *testing.T) {
	src := New([]int{2, 6}, device.DataTypeF32)
	vals := make([]float32, 12)
	for i := range vals {
		vals[i] = float32(i)
	}
	if err := src.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}

	v := src.View([]int{3, 4})
	if v.NumElements() != 12 {
		t.Fatalf("view has %d elements, want 12", v.NumElements())
	}
	v.Float32s()[11] = -5
	if src.Float32s()[11] != -5 {
		t.Error("view does not share storage")
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for oversized view")
		}
	}()
	src.View([]int{13})
}

func TestTransposeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := New([]int{5, 9}, device.DataTypeF32)
	vals := make([]float32, 45)
	for i := range vals {
		vals[i] = rng.Float32()*2 - 1
	}
	if err := src.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}

	tr := src.Transpose()
	if tr.Dim(0) != 9 || tr.Dim(1) != 5 {
		t.Fatalf("transpose dims = %v, want [9 5]", tr.Dims())
	}
	if tr.Provenance != ProvenanceTransposed {
		t.Errorf("transpose provenance = %d, want %d", tr.Provenance, ProvenanceTransposed)
	}
	back := tr.Transpose()
	if !back.Equal(src) {
		t.Error("double transpose is not bit-identical to the source")
	}
}

func TestTransposeQuantizedMovesScaleAxis(t *testing.T) {
	src := NewQC([]int{3, 4}, 0)
	src.AllocateBufferIfNeeded()
	q := src.Int8s()
	for i := range q {
		q[i] = int8(i - 6)
	}
	src.Scales = []float32{0.5, 1.0, 2.0}

	tr := src.Transpose()
	if tr.DimScale != 1 {
		t.Fatalf("transposed DimScale = %d, want 1", tr.DimScale)
	}
	if tr.Dim(1) != 3 || len(tr.Scales) != 3 {
		t.Fatalf("scale axis extent = %d, scales = %d, want 3", tr.Dim(1), len(tr.Scales))
	}
	// Element [r][c] of the source lands at [c][r].
	for r := 0; r < 3; r++ {
		for c := 0; c < 4; c++ {
			if tr.Int8s()[c*3+r] != src.Int8s()[r*4+c] {
				t.Fatalf("transposed[%d][%d] != source[%d][%d]", c, r, r, c)
			}
		}
	}
}

func TestConvertToF32(t *testing.T) {
	src := NewQC([]int{2, 3}, 1)
	src.AllocateBufferIfNeeded()
	copy(src.Int8s(), []int8{1, 2, 3, -1, -2, -3})
	src.Scales = []float32{0.5, 1.0, 2.0}

	out := src.ConvertToF32()
	want := []float32{0.5, 2, 6, -0.5, -2, -6}
	got := out.Float32s()
	for i, w := range want {
		if got[i] != w {
			t.Errorf("dequant[%d] = %f, want %f", i, got[i], w)
		}
	}

	// Scale axis 0: one scale per row.
	rowQ := NewQC([]int{2, 3}, 0)
	rowQ.AllocateBufferIfNeeded()
	copy(rowQ.Int8s(), []int8{1, 2, 3, 4, 5, 6})
	rowQ.Scales = []float32{10, 100}
	rowOut := rowQ.ConvertToF32().Float32s()
	wantRow := []float32{10, 20, 30, 400, 500, 600}
	for i, w := range wantRow {
		if rowOut[i] != w {
			t.Errorf("row dequant[%d] = %f, want %f", i, rowOut[i], w)
		}
	}

	// F32 input is returned unchanged.
	f := New([]int{2}, device.DataTypeF32)
	f.AllocateBufferIfNeeded()
	if f.ConvertToF32() != f {
		t.Error("ConvertToF32 on f32 tensor should return the receiver")
	}
}

func TestLoadFromVecExact(t *testing.T) {
	dst := New([]int{4}, device.DataTypeF32)
	if err := dst.LoadFromVec([]float32{1, 2}, true); err == nil {
		t.Error("expected error for short exact load")
	}
	if err := dst.LoadFromVec([]float32{1, 2}, false); err != nil {
		t.Errorf("non-exact short load failed: %v", err)
	}
	if err := dst.LoadFromVec(make([]float32, 5), false); err == nil {
		t.Error("expected error for oversized load")
	}
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w")

	src := New([]int{3, 5}, device.DataTypeF32)
	vals := make([]float32, 15)
	for i := range vals {
		vals[i] = float32(math.Sin(float64(i)))
	}
	if err := src.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}
	if err := src.DumpToFile(path); err != nil {
		t.Fatal(err)
	}

	dst := New([]int{3, 5}, device.DataTypeF32)
	if err := dst.LoadFromFile(path, true); err != nil {
		t.Fatal(err)
	}
	if !dst.Equal(src) {
		t.Error("file round trip changed contents")
	}

	short := New([]int{3, 6}, device.DataTypeF32)
	if err := short.LoadFromFile(path, true); err == nil {
		t.Error("expected error for size mismatch")
	}
}

func TestFileRoundTripQuantized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "w")

	src := NewQC([]int{4, 2}, 1)
	src.AllocateBufferIfNeeded()
	copy(src.Int8s(), []int8{1, -2, 3, -4, 5, -6, 7, -8})
	src.Scales = []float32{0.25, 4}
	if err := src.DumpToFile(path); err != nil {
		t.Fatal(err)
	}

	dst := NewQC([]int{4, 2}, 1)
	if err := dst.LoadFromFile(path, true); err != nil {
		t.Fatal(err)
	}
	if !dst.Equal(src) {
		t.Error("quantized round trip changed contents or scales")
	}
}

func TestLoadFromFileMmap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big")

	n := (mmapThreshold / 4) + 128
	src := New([]int{n}, device.DataTypeF32)
	vals := make([]float32, n)
	rng := rand.New(rand.NewSource(11))
	for i := range vals {
		vals[i] = rng.Float32()
	}
	if err := src.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}
	if err := src.DumpToFile(path); err != nil {
		t.Fatal(err)
	}

	dst := New([]int{n}, device.DataTypeF32)
	if err := dst.LoadFromFile(path, true); err != nil {
		t.Fatal(err)
	}
	got := dst.Float32s()
	for i := 0; i < n; i += 997 {
		if got[i] != vals[i] {
			t.Fatalf("mmap load[%d] = %f, want %f", i, got[i], vals[i])
		}
	}
}

func TestEqual(t *testing.T) {
	a := New([]int{2, 2}, device.DataTypeF32)
	b := New([]int{2, 2}, device.DataTypeF32)
	vals := []float32{1, 2, 3, 4}
	if err := a.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}
	if err := b.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Error("identical tensors compare unequal")
	}

	b.Float32s()[3] = 5
	if a.Equal(b) {
		t.Error("differing tensors compare equal")
	}

	c := New([]int{4}, device.DataTypeF32)
	if err := c.LoadFromVec(vals, true); err != nil {
		t.Fatal(err)
	}
	if a.Equal(c) {
		t.Error("differing shapes compare equal")
	}
}
