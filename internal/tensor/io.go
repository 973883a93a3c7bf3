package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Weight files above this size are memory-mapped instead of copied.
const mmapThreshold = 1 << 20

// LoadFromFile fills the tensor from a raw little-endian weight file. Large
// files are memory-mapped and adopted without a copy. Quantized tensors
// also read the sibling scale file (path + ScaleSuffix).
func (t *Tensor) LoadFromFile(path string, exact bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("tensor load %v: %w", t.dims, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("tensor load %v: %w", t.dims, err)
	}
	size := int(info.Size())
	if exact && size != t.ByteSize() {
		return fmt.Errorf("tensor load %v from %s: file is %d bytes, want exactly %d", t.dims, path, size, t.ByteSize())
	}
	if size < t.ByteSize() {
		return fmt.Errorf("tensor load %v from %s: file is %d bytes, need %d", t.dims, path, size, t.ByteSize())
	}

	if size >= mmapThreshold {
		data, err := syscall.Mmap(int(f.Fd()), 0, size, syscall.PROT_READ, syscall.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("tensor load %v from %s: mmap: %w", t.dims, path, err)
		}
		if err := t.AdoptBuffer(data); err != nil {
			return err
		}
	} else {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("tensor load %v: %w", t.dims, err)
		}
		if err := t.LoadFromBuffer(raw[:t.ByteSize()], false); err != nil {
			return err
		}
	}

	if t.dtype == device.DataTypeQCInt8 {
		if err := t.loadScales(path + ScaleSuffix); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tensor) loadScales(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tensor load scales %v: %w", t.dims, err)
	}
	want := t.dims[t.DimScale]
	if len(raw) != want*4 {
		return fmt.Errorf("tensor load scales %v from %s: %d bytes for %d channels", t.dims, path, len(raw), want)
	}
	t.Scales = make([]float32, want)
	for i := 0; i < want; i++ {
		t.Scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return nil
}

// DumpToFile writes the raw tensor bytes (and, for quantized tensors, the
// sibling scale file). Used by the weight-transpose cache path.
func (t *Tensor) DumpToFile(path string) error {
	if err := os.WriteFile(path, t.Data(), 0o644); err != nil {
		return fmt.Errorf("tensor dump %v: %w", t.dims, err)
	}
	if t.dtype == device.DataTypeQCInt8 {
		raw := make([]byte, len(t.Scales)*4)
		for i, s := range t.Scales {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(s))
		}
		if err := os.WriteFile(path+ScaleSuffix, raw, 0o644); err != nil {
			return fmt.Errorf("tensor dump scales %v: %w", t.dims, err)
		}
	}
	return nil
}
