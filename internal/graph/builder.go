// Package graph builds deferred operator graphs over the device backend.
// Operator methods compute output shapes algebraically and record pending
// node definitions; no backend call happens until Build, so weight tensors
// can be declared, loaded and cached before the subgraph exists.
package graph

import (
	"fmt"
	"math"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

type role uint8

const (
	roleNone role = iota
	roleInput
	roleRopeWeight
)

// step is one pending operator node: the op kind, its operand tensors and
// the intermediate it produces. Steps replay against the backend subgraph in
// insertion order at Build time.
type step struct {
	kind   device.OpKind
	inputs []*tensor.Tensor
	output *tensor.Tensor
	params device.NodeParams
}

// Builder accumulates tensors and pending steps for one subgraph. Tensors
// fall in three disjoint sets: inputs, rope weights (weight-shaped values
// the backend treats as rebindable externals) and everything else (static
// weights plus step-produced intermediates). Build freezes the algebra into
// a CompiledGraph.
type Builder struct {
	backend device.Backend

	inputs      []*tensor.Tensor
	outputs     []*tensor.Tensor
	ropeWeights []*tensor.Tensor

	roles    map[*tensor.Tensor]role
	produced map[*tensor.Tensor]bool

	steps []step

	scalarConsts map[float32]*tensor.Tensor
	pdsCache     map[*tensor.Tensor]*tensor.Tensor
}

func NewBuilder(backend device.Backend) *Builder {
	return &Builder{
		backend:      backend,
		roles:        make(map[*tensor.Tensor]role),
		produced:     make(map[*tensor.Tensor]bool),
		scalarConsts: make(map[float32]*tensor.Tensor),
		pdsCache:     make(map[*tensor.Tensor]*tensor.Tensor),
	}
}

// AddInput registers t as an externally bound graph input. The caller keeps
// ownership of the buffer and rewrites it between runs.
func (b *Builder) AddInput(t *tensor.Tensor) {
	if b.roles[t] != roleNone {
		panic(fmt.Sprintf("graph: tensor %s registered twice", t))
	}
	b.roles[t] = roleInput
	b.inputs = append(b.inputs, t)
}

// AddRopeWeight registers t as a rope segment-position tensor: shaped like a
// weight but bound as an external input so decode steps can rebind it.
func (b *Builder) AddRopeWeight(t *tensor.Tensor) {
	if b.roles[t] != roleNone {
		panic(fmt.Sprintf("graph: tensor %s registered twice", t))
	}
	b.roles[t] = roleRopeWeight
	b.ropeWeights = append(b.ropeWeights, t)
}

// MarkOutput flags a step-produced tensor as externally readable after Run.
func (b *Builder) MarkOutput(t *tensor.Tensor) {
	if !b.produced[t] {
		panic(fmt.Sprintf("graph: output %s is not produced by any step", t))
	}
	if t.IsOutput() {
		return
	}
	t.MarkOutput()
	b.outputs = append(b.outputs, t)
}

func (b *Builder) intermediate(dims []int) *tensor.Tensor {
	t := tensor.New(dims, device.DataTypeF32)
	b.produced[t] = true
	return t
}

func (b *Builder) addStep(kind device.OpKind, inputs []*tensor.Tensor, out *tensor.Tensor, params device.NodeParams) {
	params.Label = fmt.Sprintf("%s#%d", kind, len(b.steps))
	b.steps = append(b.steps, step{kind: kind, inputs: inputs, output: out, params: params})
}

// scalarConst returns a single-element weight tensor holding v, shared
// across all steps that use the same constant.
func (b *Builder) scalarConst(v float32) *tensor.Tensor {
	if t, ok := b.scalarConsts[v]; ok {
		return t
	}
	t := tensor.New([]int{1}, device.DataTypeF32)
	if err := t.LoadFromVec([]float32{v}, true); err != nil {
		panic(fmt.Sprintf("graph: scalar const: %v", err))
	}
	b.scalarConsts[v] = t
	return t
}

// FullConn multiplies x of shape [..., K] against a 2-D weight [K, M],
// optionally adding a bias of shape [M]. bias may be nil.
func (b *Builder) FullConn(x, w, bias *tensor.Tensor) *tensor.Tensor {
	if w.Rank() != 2 {
		panic(fmt.Sprintf("graph: full_conn weight %s has rank %d, want 2", w, w.Rank()))
	}
	k := x.Dim(x.Rank() - 1)
	if w.Dim(0) != k {
		panic(fmt.Sprintf("graph: full_conn %s x %s contraction mismatch", x, w))
	}
	outDims := append(append([]int(nil), x.Dims()[:x.Rank()-1]...), w.Dim(1))
	out := b.intermediate(outDims)
	ins := []*tensor.Tensor{x, w}
	if bias != nil {
		if bias.NumElements() != w.Dim(1) {
			panic(fmt.Sprintf("graph: full_conn bias %s for %d columns", bias, w.Dim(1)))
		}
		ins = append(ins, bias)
	}
	b.addStep(device.OpFullConn, ins, out, device.NodeParams{})
	return out
}

// BatchMatMul multiplies a [..., M, K] against rhs [..., K, N], or
// [..., N, K] with transposeRHS. Batch dimensions must match exactly.
func (b *Builder) BatchMatMul(a, rhs *tensor.Tensor, transposeRHS bool) *tensor.Tensor {
	if a.Rank() != rhs.Rank() || a.Rank() < 2 {
		panic(fmt.Sprintf("graph: batch_matmul ranks %d and %d", a.Rank(), rhs.Rank()))
	}
	rank := a.Rank()
	for i := 0; i < rank-2; i++ {
		if a.Dim(i) != rhs.Dim(i) {
			panic(fmt.Sprintf("graph: batch_matmul batch dims %v vs %v", a.Dims(), rhs.Dims()))
		}
	}
	k := a.Dim(rank - 1)
	var n int
	if transposeRHS {
		if rhs.Dim(rank-1) != k {
			panic(fmt.Sprintf("graph: batch_matmul %s x %sᵀ contraction mismatch", a, rhs))
		}
		n = rhs.Dim(rank - 2)
	} else {
		if rhs.Dim(rank-2) != k {
			panic(fmt.Sprintf("graph: batch_matmul %s x %s contraction mismatch", a, rhs))
		}
		n = rhs.Dim(rank - 1)
	}
	outDims := append(append([]int(nil), a.Dims()[:rank-2]...), a.Dim(rank-2), n)
	out := b.intermediate(outDims)
	b.addStep(device.OpBatchMatMul, []*tensor.Tensor{a, rhs}, out, device.NodeParams{TransposeRHS: transposeRHS})
	return out
}

func (b *Builder) elementwise(kind device.OpKind, x, y *tensor.Tensor) *tensor.Tensor {
	dims, err := OutDimsForElementwiseOp(x.Dims(), y.Dims())
	if err != nil {
		panic(fmt.Sprintf("graph: %s: %v", kind, err))
	}
	out := b.intermediate(dims)
	b.addStep(kind, []*tensor.Tensor{x, y}, out, device.NodeParams{})
	return out
}

func (b *Builder) ElementAdd(x, y *tensor.Tensor) *tensor.Tensor { return b.elementwise(device.OpAdd, x, y) }
func (b *Builder) ElementMul(x, y *tensor.Tensor) *tensor.Tensor { return b.elementwise(device.OpMul, x, y) }
func (b *Builder) ElementDiv(x, y *tensor.Tensor) *tensor.Tensor { return b.elementwise(device.OpDiv, x, y) }

func (b *Builder) unary(kind device.OpKind, x *tensor.Tensor, params device.NodeParams) *tensor.Tensor {
	out := b.intermediate(x.Dims())
	b.addStep(kind, []*tensor.Tensor{x}, out, params)
	return out
}

func (b *Builder) Square(x *tensor.Tensor) *tensor.Tensor     { return b.unary(device.OpSquare, x, device.NodeParams{}) }
func (b *Builder) SquareRoot(x *tensor.Tensor) *tensor.Tensor { return b.unary(device.OpSquareRoot, x, device.NodeParams{}) }
func (b *Builder) Tanh(x *tensor.Tensor) *tensor.Tensor       { return b.unary(device.OpTanh, x, device.NodeParams{}) }

func (b *Builder) Clamp(x *tensor.Tensor, min, max float32) *tensor.Tensor {
	return b.unary(device.OpClamp, x, device.NodeParams{Min: min, Max: max})
}

// Softmax normalizes over the last axis.
func (b *Builder) Softmax(x *tensor.Tensor) *tensor.Tensor {
	return b.unary(device.OpSoftmax, x, device.NodeParams{})
}

// ReduceMean averages over the last axis, keeping it as extent 1.
func (b *Builder) ReduceMean(x *tensor.Tensor) *tensor.Tensor {
	dims := append([]int(nil), x.Dims()...)
	dims[len(dims)-1] = 1
	out := b.intermediate(dims)
	b.addStep(device.OpReduceMean, []*tensor.Tensor{x}, out, device.NodeParams{})
	return out
}

func (b *Builder) Reshape(x *tensor.Tensor, newDims []int) *tensor.Tensor {
	n := 1
	for _, d := range newDims {
		n *= d
	}
	if n != x.NumElements() {
		panic(fmt.Sprintf("graph: reshape %s to %v changes element count", x, newDims))
	}
	out := b.intermediate(newDims)
	b.addStep(device.OpReshape, []*tensor.Tensor{x}, out, device.NodeParams{NewDims: append([]int(nil), newDims...)})
	return out
}

// Permute reorders axes; perm maps output axis to input axis.
func (b *Builder) Permute(x *tensor.Tensor, perm []int) *tensor.Tensor {
	if len(perm) != x.Rank() {
		panic(fmt.Sprintf("graph: permute %v on %s", perm, x))
	}
	dims := make([]int, len(perm))
	seen := make([]bool, len(perm))
	for i, p := range perm {
		if p < 0 || p >= x.Rank() || seen[p] {
			panic(fmt.Sprintf("graph: permute %v is not a permutation of rank %d", perm, x.Rank()))
		}
		seen[p] = true
		dims[i] = x.Dim(p)
	}
	out := b.intermediate(dims)
	b.addStep(device.OpPermute, []*tensor.Tensor{x}, out, device.NodeParams{Perm: append([]int(nil), perm...)})
	return out
}

// Rope applies rotary position embedding to x of shape
// [batch, seq, heads, head_dim] using segment positions from segPos, which
// must hold one float32 position per sequence slot.
func (b *Builder) Rope(x, segPos *tensor.Tensor, theta float32) *tensor.Tensor {
	if x.Rank() != 4 {
		panic(fmt.Sprintf("graph: rope input %s has rank %d, want 4", x, x.Rank()))
	}
	if segPos.NumElements() != x.Dim(1) {
		panic(fmt.Sprintf("graph: rope positions %s for seq %d", segPos, x.Dim(1)))
	}
	out := b.intermediate(x.Dims())
	b.addStep(device.OpRope, []*tensor.Tensor{x, segPos}, out, device.NodeParams{RopeTheta: theta})
	return out
}

// Rms computes sqrt(mean(x², last-axis)), shape [..., 1].
func (b *Builder) Rms(x *tensor.Tensor) *tensor.Tensor {
	return b.SquareRoot(b.ReduceMean(b.Square(x)))
}

// RmsNorm normalizes x by its clamped RMS and applies a learned (1+scale)
// gain, expanded as d + d·scale since the op set has no fused affine.
func (b *Builder) RmsNorm(x, scale *tensor.Tensor) *tensor.Tensor {
	rms := b.Clamp(b.Rms(x), 1e-6, math.MaxFloat32)
	d := b.ElementDiv(x, rms)
	return b.ElementAdd(d, b.ElementMul(d, scale))
}

// softplus in the numerically stable form log1p(exp(-|x|)) + max(x, 0).
func softplus(x float64) float64 {
	return math.Log1p(math.Exp(-math.Abs(x))) + math.Max(x, 0)
}

// PerDimScale multiplies the head_dim axis of x by
// softplus(w)·(1/softplus(0))/sqrt(head_dim). The scale vector depends only
// on the weight, so it is computed on the host once per weight identity.
func (b *Builder) PerDimScale(x, w *tensor.Tensor) *tensor.Tensor {
	sc, ok := b.pdsCache[w]
	if !ok {
		h := w.NumElements()
		src := w.Float32s()
		vals := make([]float32, h)
		norm := 1.0 / softplus(0) / math.Sqrt(float64(h))
		for i, v := range src {
			vals[i] = float32(softplus(float64(v)) * norm)
		}
		sc = tensor.New([]int{h}, device.DataTypeF32)
		if err := sc.LoadFromVec(vals, true); err != nil {
			panic(fmt.Sprintf("graph: per_dim_scale: %v", err))
		}
		b.pdsCache[w] = sc
	}
	return b.ElementMul(x, sc)
}

// CapTanh computes cap·tanh(x/cap), used for attention logit capping.
func (b *Builder) CapTanh(x *tensor.Tensor, capVal float32) *tensor.Tensor {
	d := b.ElementMul(x, b.scalarConst(1/capVal))
	return b.ElementMul(b.Tanh(d), b.scalarConst(capVal))
}

// Gelu is the tanh approximation
// x·0.5·(1+tanh(√(2/π)·(x+0.044715·x³))).
func (b *Builder) Gelu(x *tensor.Tensor) *tensor.Tensor {
	x3 := b.ElementMul(b.Square(x), x)
	inner := b.ElementAdd(x, b.ElementMul(x3, b.scalarConst(0.044715)))
	t := b.Tanh(b.ElementMul(inner, b.scalarConst(float32(math.Sqrt(2/math.Pi)))))
	cdf := b.ElementMul(b.ElementAdd(t, b.scalarConst(1)), b.scalarConst(0.5))
	return b.ElementMul(x, cdf)
}

// DotAttention runs scaled dot-product attention. q is
// [batch, q_seq, heads, head_dim], k and v are [batch, kv_seq, heads,
// head_dim], mask broadcasts against the [batch, heads, q_seq, kv_seq]
// logits. Logits are capped via CapTanh before masking.
func (b *Builder) DotAttention(q, k, v, mask, pds *tensor.Tensor, logitCap float32) *tensor.Tensor {
	qs := b.PerDimScale(q, pds)
	qp := b.Permute(qs, []int{0, 2, 1, 3})
	kp := b.Permute(k, []int{0, 2, 1, 3})
	logits := b.BatchMatMul(qp, kp, true)
	masked := b.ElementAdd(b.CapTanh(logits, logitCap), mask)
	weights := b.Softmax(masked)
	vp := b.Permute(v, []int{0, 2, 1, 3})
	ctx := b.BatchMatMul(weights, vp, false)
	return b.Permute(ctx, []int{0, 2, 1, 3})
}

// SelfAttentionProj projects x through a packed [model_dim, heads×head_dim]
// weight and unpacks the head axis. The weight must have been tagged with
// its head count when it was transposed at load time.
func (b *Builder) SelfAttentionProj(x, w *tensor.Tensor) *tensor.Tensor {
	if w.HeadCount <= 0 {
		panic(fmt.Sprintf("graph: self_attention_proj weight %s has no head count", w))
	}
	n := w.HeadCount
	packed := w.Dim(1)
	if packed%n != 0 {
		panic(fmt.Sprintf("graph: self_attention_proj weight %s not divisible by %d heads", w, n))
	}
	h := packed / n
	flat := b.FullConn(x, w, nil)
	dims := append(append([]int(nil), x.Dims()[:x.Rank()-1]...), n, h)
	return b.Reshape(flat, dims)
}

// Build freezes the accumulated algebra: allocates the backend subgraph
// sized for all external values, defines every tensor lazily in step order,
// emits the operator nodes, compiles the runtime and binds the external
// buffers. Steps replay in insertion order since later ids depend on
// earlier definitions.
func (b *Builder) Build(rt config.Runtime) (*CompiledGraph, error) {
	start := time.Now()

	extID := make(map[*tensor.Tensor]device.ValueID)
	next := device.ValueID(0)
	for _, t := range b.inputs {
		extID[t] = next
		next++
	}
	for _, t := range b.outputs {
		extID[t] = next
		next++
	}
	for _, t := range b.ropeWeights {
		extID[t] = next
		next++
	}

	sub, err := b.backend.NewSubgraph(int(next))
	if err != nil {
		return nil, fmt.Errorf("graph build: %w", err)
	}

	defined := make(map[*tensor.Tensor]bool)
	define := func(t *tensor.Tensor) error {
		if defined[t] {
			return nil
		}
		var id device.ValueID
		var err error
		switch {
		case b.roles[t] == roleInput:
			t.AllocateBufferIfNeeded()
			id, err = sub.DefineValue(t.DType(), t.Dims(), nil, extID[t], device.FlagExternalInput)
		case b.roles[t] == roleRopeWeight:
			t.AllocateBufferIfNeeded()
			id, err = sub.DefineValue(t.DType(), t.Dims(), nil, extID[t], device.FlagExternalInput)
		case t.IsOutput():
			t.AllocateBufferIfNeeded()
			id, err = sub.DefineValue(t.DType(), t.Dims(), nil, extID[t], device.FlagExternalOutput)
		case b.produced[t]:
			id, err = sub.DefineValue(t.DType(), t.Dims(), nil, device.InvalidValueID, 0)
		default:
			// Static weight: its data must already be loaded.
			if !t.Allocated() {
				return fmt.Errorf("weight %s referenced before load", t)
			}
			if t.DType() == device.DataTypeQCInt8 {
				id, err = sub.DefineChannelwiseValue(t.Dims(), t.Data(), t.Scales, t.DimScale, device.InvalidValueID, 0)
			} else {
				id, err = sub.DefineValue(t.DType(), t.Dims(), t.Data(), device.InvalidValueID, 0)
			}
		}
		if err != nil {
			return err
		}
		defined[t] = true
		t.SetID(id)
		return nil
	}

	for _, s := range b.steps {
		ids := make([]device.ValueID, len(s.inputs))
		for i, in := range s.inputs {
			if err := define(in); err != nil {
				sub.Close()
				return nil, fmt.Errorf("graph build %s: %w", s.params.Label, err)
			}
			ids[i] = in.ID()
		}
		if err := define(s.output); err != nil {
			sub.Close()
			return nil, fmt.Errorf("graph build %s: %w", s.params.Label, err)
		}
		if err := sub.DefineNode(s.kind, ids, s.output.ID(), s.params); err != nil {
			sub.Close()
			return nil, fmt.Errorf("graph build %s: %w", s.params.Label, err)
		}
	}

	runtime, err := sub.Compile(rt.Threads, rt.Profiling)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("graph compile: %w", err)
	}

	var bound []boundTensor
	for _, set := range [][]*tensor.Tensor{b.inputs, b.outputs, b.ropeWeights} {
		for _, t := range set {
			bound = append(bound, boundTensor{id: extID[t], t: t})
		}
	}

	g := &CompiledGraph{
		sub:       sub,
		runtime:   runtime,
		bound:     bound,
		profiling: rt.Profiling,
		csvPath:   rt.ProfileCSV,
	}
	if err := g.SetupRuntime(); err != nil {
		g.Close()
		return nil, fmt.Errorf("graph build: %w", err)
	}
	metrics.RecordGraphBuild(time.Since(start))
	return g, nil
}
