package device

import (
	"fmt"
	"math"
	"time"
	"unsafe"
)

// CPU is the in-process reference backend. It executes nodes in definition
// order on a chunked worker pool, which keeps results independent of the
// thread count.
type CPU struct{}

func NewCPU() *CPU { return &CPU{} }

func (c *CPU) Name() string { return "cpu-ref" }

func (c *CPU) NewSubgraph(externalCount int) (Subgraph, error) {
	if externalCount < 0 {
		return nil, fmt.Errorf("cpu subgraph: negative external count %d", externalCount)
	}
	return &cpuSubgraph{
		externalCount: externalCount,
		externalSeen:  make(map[ValueID]bool),
	}, nil
}

type cpuValue struct {
	dtype      DataType
	dims       []int
	data       []byte
	scales     []float32
	dimScale   int
	externalID ValueID
	flags      ValueFlags
}

func (v *cpuValue) external() bool { return v.externalID != InvalidValueID }

type cpuNode struct {
	kind   OpKind
	inputs []ValueID
	output ValueID
	params NodeParams
}

type cpuSubgraph struct {
	externalCount int
	externalSeen  map[ValueID]bool
	values        []cpuValue
	nodes         []cpuNode
	closed        bool
}

func (sg *cpuSubgraph) DefineValue(dtype DataType, dims []int, data []byte, externalID ValueID, flags ValueFlags) (ValueID, error) {
	return sg.define(cpuValue{dtype: dtype, dims: dims, data: data, externalID: externalID, flags: flags})
}

func (sg *cpuSubgraph) DefineChannelwiseValue(dims []int, data []byte, scales []float32, dimScale int, externalID ValueID, flags ValueFlags) (ValueID, error) {
	if dimScale < 0 || dimScale >= len(dims) {
		return InvalidValueID, fmt.Errorf("cpu define: scale dim %d out of range for rank %d", dimScale, len(dims))
	}
	if len(scales) != dims[dimScale] {
		return InvalidValueID, fmt.Errorf("cpu define: %d scales for channel dim of %d", len(scales), dims[dimScale])
	}
	return sg.define(cpuValue{dtype: DataTypeQCInt8, dims: dims, data: data, scales: scales, dimScale: dimScale, externalID: externalID, flags: flags})
}

func (sg *cpuSubgraph) define(v cpuValue) (ValueID, error) {
	if sg.closed {
		return InvalidValueID, fmt.Errorf("cpu define: subgraph closed")
	}
	for _, d := range v.dims {
		if d < 0 {
			return InvalidValueID, fmt.Errorf("cpu define: negative dim in %v", v.dims)
		}
	}
	if v.externalID != InvalidValueID {
		if int(v.externalID) >= sg.externalCount {
			return InvalidValueID, fmt.Errorf("cpu define: external id %d exceeds count %d", v.externalID, sg.externalCount)
		}
		if sg.externalSeen[v.externalID] {
			return InvalidValueID, fmt.Errorf("cpu define: external id %d defined twice", v.externalID)
		}
		sg.externalSeen[v.externalID] = true
	}
	sg.values = append(sg.values, v)
	return ValueID(len(sg.values) - 1), nil
}

func (sg *cpuSubgraph) DefineNode(kind OpKind, inputs []ValueID, output ValueID, params NodeParams) error {
	if sg.closed {
		return fmt.Errorf("cpu node %s: subgraph closed", kind)
	}
	for _, id := range append(append([]ValueID{}, inputs...), output) {
		if int(id) >= len(sg.values) {
			return fmt.Errorf("cpu node %s (%s): undefined value id %d", kind, params.Label, id)
		}
	}
	sg.nodes = append(sg.nodes, cpuNode{kind: kind, inputs: inputs, output: output, params: params})
	return nil
}

func (sg *cpuSubgraph) Compile(numThreads int, profiling bool) (Runtime, error) {
	if sg.closed {
		return nil, fmt.Errorf("cpu compile: subgraph closed")
	}
	if numThreads < 1 {
		numThreads = 1
	}
	rt := &cpuRuntime{
		sg:        sg,
		workers:   numThreads,
		profiling: profiling,
		buffers:   make([][]float32, len(sg.values)),
		bound:     make(map[ValueID]int),
	}
	for i := range sg.values {
		v := &sg.values[i]
		if v.external() {
			continue // bound at Setup
		}
		if v.data != nil {
			if v.dtype == DataTypeF32 {
				rt.buffers[i] = f32View(v.data, numElements(v.dims))
			}
			continue // quantized weights are consumed raw
		}
		rt.buffers[i] = make([]float32, numElements(v.dims))
	}
	return rt, nil
}

func (sg *cpuSubgraph) Close() error {
	sg.closed = true
	sg.values = nil
	sg.nodes = nil
	return nil
}

type cpuRuntime struct {
	sg        *cpuSubgraph
	workers   int
	profiling bool
	buffers   [][]float32
	bound     map[ValueID]int // external id -> value index, set once
	profile   []OpProfile
	closed    bool
}

func f32View(b []byte, n int) []float32 {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

func (rt *cpuRuntime) Setup(bindings []Binding) error {
	if rt.closed {
		return fmt.Errorf("cpu setup: runtime closed")
	}
	for _, bd := range bindings {
		vi := -1
		for i := range rt.sg.values {
			if rt.sg.values[i].externalID == bd.ID {
				vi = i
				break
			}
		}
		if vi < 0 {
			return fmt.Errorf("cpu setup: no value with external id %d", bd.ID)
		}
		v := &rt.sg.values[vi]
		need := numElements(v.dims) * v.dtype.ElemSize()
		if len(bd.Data) < need {
			return fmt.Errorf("cpu setup: external id %d bound to %d bytes, need %d", bd.ID, len(bd.Data), need)
		}
		rt.buffers[vi] = f32View(bd.Data, numElements(v.dims))
		rt.bound[bd.ID] = vi
	}
	return nil
}

func (rt *cpuRuntime) Invoke() error {
	if rt.closed {
		return fmt.Errorf("cpu invoke: runtime closed")
	}
	for id := ValueID(0); int(id) < rt.sg.externalCount; id++ {
		if _, ok := rt.bound[id]; !ok {
			return fmt.Errorf("cpu invoke: external id %d never bound", id)
		}
	}
	if rt.profiling {
		rt.profile = rt.profile[:0]
	}
	for i := range rt.sg.nodes {
		n := &rt.sg.nodes[i]
		var t0 time.Time
		if rt.profiling {
			t0 = time.Now()
		}
		if err := rt.exec(n); err != nil {
			return fmt.Errorf("cpu invoke node %d (%s %s): %w", i, n.kind, n.params.Label, err)
		}
		if rt.profiling {
			rt.profile = append(rt.profile, OpProfile{Label: n.params.Label, Kind: n.kind, Duration: time.Since(t0)})
		}
	}
	return nil
}

func (rt *cpuRuntime) Profile() ([]OpProfile, bool) {
	if !rt.profiling {
		return nil, false
	}
	out := make([]OpProfile, len(rt.profile))
	copy(out, rt.profile)
	return out, true
}

func (rt *cpuRuntime) Close() error {
	rt.closed = true
	rt.buffers = nil
	return nil
}

func (rt *cpuRuntime) in(n *cpuNode, i int) ([]float32, *cpuValue) {
	id := n.inputs[i]
	return rt.buffers[id], &rt.sg.values[id]
}

func (rt *cpuRuntime) exec(n *cpuNode) error {
	out := rt.buffers[n.output]
	outV := &rt.sg.values[n.output]

	switch n.kind {
	case OpFullConn:
		x, xv := rt.in(n, 0)
		_, wv := rt.in(n, 1)
		k := xv.dims[len(xv.dims)-1]
		rows := numElements(xv.dims) / k
		cols := wv.dims[1]
		if wv.dtype == DataTypeQCInt8 {
			if wv.dimScale != 1 {
				return fmt.Errorf("quantized weight scale axis %d, want 1", wv.dimScale)
			}
			matmulQCInt8(x, wv.data, wv.scales, out, rows, k, cols, rt.workers)
		} else {
			w := rt.buffers[n.inputs[1]]
			matmulF32(x, w, out, rows, k, cols, rt.workers)
		}
		if len(n.inputs) == 3 {
			bias, _ := rt.in(n, 2)
			addBias(out, bias, rows, cols)
		}

	case OpBatchMatMul:
		a, av := rt.in(n, 0)
		b, bv := rt.in(n, 1)
		rank := len(av.dims)
		m := av.dims[rank-2]
		k := av.dims[rank-1]
		batch := numElements(av.dims) / (m * k)
		var nn int
		if n.params.TransposeRHS {
			nn = bv.dims[rank-2]
		} else {
			nn = bv.dims[rank-1]
		}
		batchMatMul(a, b, out, batch, m, k, nn, n.params.TransposeRHS, rt.workers)

	case OpAdd, OpMul, OpDiv:
		a, av := rt.in(n, 0)
		b, bv := rt.in(n, 1)
		var fn func(x, y float32) float32
		switch n.kind {
		case OpAdd:
			fn = func(x, y float32) float32 { return x + y }
		case OpMul:
			fn = func(x, y float32) float32 { return x * y }
		default:
			fn = func(x, y float32) float32 { return x / y }
		}
		elementwiseBinary(a, b, out, av.dims, bv.dims, outV.dims, fn, rt.workers)

	case OpSquare:
		x, _ := rt.in(n, 0)
		elementwiseUnary(x, out, func(v float32) float32 { return v * v }, rt.workers)

	case OpSquareRoot:
		x, _ := rt.in(n, 0)
		elementwiseUnary(x, out, func(v float32) float32 { return float32(math.Sqrt(float64(v))) }, rt.workers)

	case OpTanh:
		x, _ := rt.in(n, 0)
		elementwiseUnary(x, out, func(v float32) float32 { return float32(math.Tanh(float64(v))) }, rt.workers)

	case OpClamp:
		x, _ := rt.in(n, 0)
		lo, hi := n.params.Min, n.params.Max
		elementwiseUnary(x, out, func(v float32) float32 {
			if v < lo {
				return lo
			}
			if v > hi {
				return hi
			}
			return v
		}, rt.workers)

	case OpSoftmax:
		x, xv := rt.in(n, 0)
		nn := xv.dims[len(xv.dims)-1]
		softmaxLastAxis(x, out, numElements(xv.dims)/nn, nn, rt.workers)

	case OpReduceMean:
		x, xv := rt.in(n, 0)
		nn := xv.dims[len(xv.dims)-1]
		reduceMeanLastAxis(x, out, numElements(xv.dims)/nn, nn, rt.workers)

	case OpReshape:
		x, _ := rt.in(n, 0)
		copy(out, x)

	case OpPermute:
		x, xv := rt.in(n, 0)
		permute(x, out, xv.dims, n.params.Perm, rt.workers)

	case OpRope:
		x, xv := rt.in(n, 0)
		segPos, _ := rt.in(n, 1)
		d := xv.dims
		rope(x, out, segPos, d[0], d[1], d[2], d[3], n.params.RopeTheta, rt.workers)

	default:
		return fmt.Errorf("unsupported op kind %d", n.kind)
	}
	return nil
}
