package device

import "time"

// DataType enumerates the tensor element encodings the backend understands.
type DataType uint8

const (
	DataTypeF32 DataType = iota
	// DataTypeQCInt8 is 8-bit integer data with one float32 scale per
	// channel along a designated dimension.
	DataTypeQCInt8
)

func (d DataType) ElemSize() int {
	switch d {
	case DataTypeF32:
		return 4
	case DataTypeQCInt8:
		return 1
	}
	return 0
}

func (d DataType) String() string {
	switch d {
	case DataTypeF32:
		return "f32"
	case DataTypeQCInt8:
		return "qc_int8"
	}
	return "unknown"
}

// ValueID identifies a tensor value inside one subgraph.
type ValueID uint32

// InvalidValueID marks a tensor that has not been registered with a
// subgraph yet. Externally bound values get ids below the subgraph's
// external count; the backend assigns ids to everything else.
const InvalidValueID = ValueID(0xFFFFFFFF)

// ValueFlags control how a subgraph value is bound at runtime.
type ValueFlags uint32

const (
	FlagExternalInput ValueFlags = 1 << iota
	FlagExternalOutput
)

// OpKind enumerates the operator nodes a subgraph can hold.
type OpKind int

const (
	OpFullConn OpKind = iota
	OpBatchMatMul
	OpAdd
	OpMul
	OpDiv
	OpSquare
	OpSquareRoot
	OpTanh
	OpClamp
	OpSoftmax
	OpReduceMean
	OpReshape
	OpPermute
	OpRope
)

var opNames = map[OpKind]string{
	OpFullConn:    "full_conn",
	OpBatchMatMul: "batch_matmul",
	OpAdd:         "add",
	OpMul:         "mul",
	OpDiv:         "div",
	OpSquare:      "square",
	OpSquareRoot:  "sqrt",
	OpTanh:        "tanh",
	OpClamp:       "clamp",
	OpSoftmax:     "softmax",
	OpReduceMean:  "reduce_mean",
	OpReshape:     "reshape",
	OpPermute:     "permute",
	OpRope:        "rope",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return "unknown"
}

// NodeParams carries the scalar parameters an operator node may need.
type NodeParams struct {
	Min, Max     float32 // OpClamp
	Perm         []int   // OpPermute
	NewDims      []int   // OpReshape
	TransposeRHS bool    // OpBatchMatMul
	RopeTheta    float32 // OpRope
	Label        string  // for error context and profiling rows
}

// OpProfile is one per-node timing sample from the most recent invoke.
type OpProfile struct {
	Label    string
	Kind     OpKind
	Duration time.Duration
}

// Binding associates an external value id with a host buffer. The runtime
// snapshots the byte slice, not the tensor that produced it; callers must
// re-run Setup whenever a bound buffer is rebased.
type Binding struct {
	ID   ValueID
	Data []byte
}

// Backend is the tensor-operator library boundary. Implementations own
// whatever native resources a subgraph needs; the in-process CPU reference
// implementation lives in this package.
type Backend interface {
	Name() string

	// NewSubgraph creates an empty subgraph expecting externalCount
	// externally bound values (ids 0..externalCount-1).
	NewSubgraph(externalCount int) (Subgraph, error)
}

// Subgraph accumulates value and node definitions, then compiles into a
// Runtime. Definition order of nodes is execution order.
type Subgraph interface {
	// DefineValue registers a dense value. Pass data for constant weights,
	// nil for externals and backend-allocated intermediates. externalID is
	// InvalidValueID unless the value is externally bound.
	DefineValue(dtype DataType, dims []int, data []byte, externalID ValueID, flags ValueFlags) (ValueID, error)

	// DefineChannelwiseValue registers a channelwise-quantized int8 weight
	// with one scale per entry of dims[dimScale].
	DefineChannelwiseValue(dims []int, data []byte, scales []float32, dimScale int, externalID ValueID, flags ValueFlags) (ValueID, error)

	// DefineNode appends an operator node wired to previously defined values.
	DefineNode(kind OpKind, inputs []ValueID, output ValueID, params NodeParams) error

	// Compile freezes the subgraph into an executable runtime owning a
	// threadpool of numThreads workers.
	Compile(numThreads int, profiling bool) (Runtime, error)

	Close() error
}

// Runtime executes a compiled subgraph. Invoke is synchronous and not safe
// for concurrent use.
type Runtime interface {
	Setup(bindings []Binding) error
	Invoke() error

	// Profile returns per-node timings for the last Invoke, if the runtime
	// was compiled with profiling enabled.
	Profile() ([]OpProfile, bool)

	Close() error
}
