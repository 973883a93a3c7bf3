package device

import (
	"math"
	"strings"
	"testing"
	"unsafe"
)

func f32Bytes(vals []float32) []byte {
	if len(vals) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&vals[0])), len(vals)*4)
}

func TestSubgraphRejectsDuplicateExternalID(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(2)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	if _, err := sg.DefineValue(DataTypeF32, []int{4}, nil, 0, FlagExternalInput); err != nil {
		t.Fatal(err)
	}
	if _, err := sg.DefineValue(DataTypeF32, []int{4}, nil, 0, FlagExternalInput); err == nil {
		t.Error("expected error for duplicate external id")
	}
	if _, err := sg.DefineValue(DataTypeF32, []int{4}, nil, 5, FlagExternalInput); err == nil {
		t.Error("expected error for external id beyond count")
	}
}

func TestSubgraphRejectsUndefinedNodeValue(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(0)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	a, _ := sg.DefineValue(DataTypeF32, []int{2}, nil, InvalidValueID, 0)
	err = sg.DefineNode(OpAdd, []ValueID{a, ValueID(42)}, a, NodeParams{Label: "bad"})
	if err == nil || !strings.Contains(err.Error(), "undefined value id") {
		t.Errorf("got %v, want undefined value id error", err)
	}
}

func TestChannelwiseValueValidation(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(0)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	data := make([]byte, 6)
	if _, err := sg.DefineChannelwiseValue([]int{2, 3}, data, []float32{1, 2}, 1, InvalidValueID, 0); err == nil {
		t.Error("expected error for scale count mismatch")
	}
	if _, err := sg.DefineChannelwiseValue([]int{2, 3}, data, []float32{1, 2}, 2, InvalidValueID, 0); err == nil {
		t.Error("expected error for scale axis out of range")
	}
	if _, err := sg.DefineChannelwiseValue([]int{2, 3}, data, []float32{1, 2, 3}, 1, InvalidValueID, 0); err != nil {
		t.Errorf("valid quantized define failed: %v", err)
	}
}

func TestInvokeRequiresAllExternalsBound(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(2)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	in, _ := sg.DefineValue(DataTypeF32, []int{2}, nil, 0, FlagExternalInput)
	out, _ := sg.DefineValue(DataTypeF32, []int{2}, nil, 1, FlagExternalOutput)
	if err := sg.DefineNode(OpSquare, []ValueID{in}, out, NodeParams{Label: "sq"}); err != nil {
		t.Fatal(err)
	}
	rt, err := sg.Compile(1, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	inBuf := []float32{3, -4}
	if err := rt.Setup([]Binding{{ID: 0, Data: f32Bytes(inBuf)}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Invoke(); err == nil || !strings.Contains(err.Error(), "never bound") {
		t.Errorf("got %v, want unbound external error", err)
	}
}

func TestSetupRejectsShortBuffer(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(1)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	if _, err := sg.DefineValue(DataTypeF32, []int{4}, nil, 0, FlagExternalInput); err != nil {
		t.Fatal(err)
	}
	rt, err := sg.Compile(1, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if err := rt.Setup([]Binding{{ID: 0, Data: make([]byte, 8)}}); err == nil {
		t.Error("expected error for undersized binding")
	}
	if err := rt.Setup([]Binding{{ID: 3, Data: make([]byte, 16)}}); err == nil {
		t.Error("expected error for unknown external id")
	}
}

func TestEndToEndSquareGraph(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(2)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	in, _ := sg.DefineValue(DataTypeF32, []int{4}, nil, 0, FlagExternalInput)
	out, _ := sg.DefineValue(DataTypeF32, []int{4}, nil, 1, FlagExternalOutput)
	if err := sg.DefineNode(OpSquare, []ValueID{in}, out, NodeParams{Label: "sq"}); err != nil {
		t.Fatal(err)
	}
	rt, err := sg.Compile(2, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	inBuf := []float32{1, -2, 3, -4}
	outBuf := make([]float32, 4)
	if err := rt.Setup([]Binding{
		{ID: 0, Data: f32Bytes(inBuf)},
		{ID: 1, Data: f32Bytes(outBuf)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Invoke(); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 4, 9, 16}
	for i, w := range want {
		if outBuf[i] != w {
			t.Errorf("out[%d] = %f, want %f", i, outBuf[i], w)
		}
	}

	// Rebinding the input and re-invoking reuses the compiled graph.
	inBuf2 := []float32{5, 0, 0, 0}
	if err := rt.Setup([]Binding{{ID: 0, Data: f32Bytes(inBuf2)}}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Invoke(); err != nil {
		t.Fatal(err)
	}
	if outBuf[0] != 25 {
		t.Errorf("rebound out[0] = %f, want 25", outBuf[0])
	}
}

func TestClampNode(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(2)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	in, _ := sg.DefineValue(DataTypeF32, []int{5}, nil, 0, FlagExternalInput)
	out, _ := sg.DefineValue(DataTypeF32, []int{5}, nil, 1, FlagExternalOutput)
	if err := sg.DefineNode(OpClamp, []ValueID{in}, out, NodeParams{Min: -1, Max: 1, Label: "clamp"}); err != nil {
		t.Fatal(err)
	}
	rt, err := sg.Compile(1, false)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	inBuf := []float32{-5, -1, 0, 1, 5}
	outBuf := make([]float32, 5)
	if err := rt.Setup([]Binding{
		{ID: 0, Data: f32Bytes(inBuf)},
		{ID: 1, Data: f32Bytes(outBuf)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Invoke(); err != nil {
		t.Fatal(err)
	}
	want := []float32{-1, -1, 0, 1, 1}
	for i, w := range want {
		if outBuf[i] != w {
			t.Errorf("clamp[%d] = %f, want %f", i, outBuf[i], w)
		}
	}
}

func TestProfilingCapturesEveryNode(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(2)
	if err != nil {
		t.Fatal(err)
	}
	defer sg.Close()

	in, _ := sg.DefineValue(DataTypeF32, []int{8}, nil, 0, FlagExternalInput)
	mid, _ := sg.DefineValue(DataTypeF32, []int{8}, nil, InvalidValueID, 0)
	out, _ := sg.DefineValue(DataTypeF32, []int{8}, nil, 1, FlagExternalOutput)
	if err := sg.DefineNode(OpSquare, []ValueID{in}, mid, NodeParams{Label: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := sg.DefineNode(OpSquareRoot, []ValueID{mid}, out, NodeParams{Label: "b"}); err != nil {
		t.Fatal(err)
	}
	rt, err := sg.Compile(1, true)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	inBuf := []float32{1, 4, 9, 16, 25, 36, 49, 64}
	outBuf := make([]float32, 8)
	if err := rt.Setup([]Binding{
		{ID: 0, Data: f32Bytes(inBuf)},
		{ID: 1, Data: f32Bytes(outBuf)},
	}); err != nil {
		t.Fatal(err)
	}
	if err := rt.Invoke(); err != nil {
		t.Fatal(err)
	}

	prof, ok := rt.Profile()
	if !ok {
		t.Fatal("profiling enabled but Profile returned ok=false")
	}
	if len(prof) != 2 {
		t.Fatalf("got %d profile rows, want 2", len(prof))
	}
	if prof[0].Label != "a" || prof[1].Label != "b" {
		t.Errorf("profile labels = %q, %q", prof[0].Label, prof[1].Label)
	}
	// sqrt(x^2) = |x|
	for i, v := range inBuf {
		want := float32(math.Abs(float64(v)))
		if math.Abs(float64(outBuf[i]-want)) > 1e-5 {
			t.Errorf("out[%d] = %f, want %f", i, outBuf[i], want)
		}
	}
}

func TestDefineAfterClose(t *testing.T) {
	cpu := NewCPU()
	sg, err := cpu.NewSubgraph(0)
	if err != nil {
		t.Fatal(err)
	}
	if err := sg.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := sg.DefineValue(DataTypeF32, []int{1}, nil, InvalidValueID, 0); err == nil {
		t.Error("expected error defining on a closed subgraph")
	}
}
