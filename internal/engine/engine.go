// Package engine drives autoregressive decoding: it builds the priming and
// one-token graphs over a weight set, owns the per-layer KV caches and runs
// the prime/decode state machine.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/graph"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	// ErrNotPrimed is returned by GetNextToken before InitInputTokens has
	// primed the sequence.
	ErrNotPrimed = errors.New("engine: not primed, call InitInputTokens first")

	// ErrSeqExhausted is returned once prompt plus decoded tokens reach the
	// configured sequence length. It is the expected end-of-decode
	// condition, not a failure.
	ErrSeqExhausted = errors.New("engine: sequence length exhausted")
)

type State int

const (
	StateUninitialized State = iota
	StatePrimed
	StateDecoding
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StatePrimed:
		return "primed"
	case StateDecoding:
		return "decoding"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Ulm is one decoder instance. Priming and decoding are single-threaded;
// mu serializes them against the read-only accessors so a monitoring
// goroutine can observe state mid-decode.
type Ulm struct {
	mu sync.Mutex

	cfg     config.Model
	rcfg    config.Runtime
	weights *weights.UlmWeights
	backend device.Backend
	sampler *Sampler
	log     *logger.Logger

	full *graph.CompiledGraph
	step *graph.CompiledGraph

	fullInput  *tensor.Tensor
	fullMask   *tensor.Tensor
	fullSegPos *tensor.Tensor
	fullLogits *tensor.Tensor

	stepInput  *tensor.Tensor
	stepMask   *tensor.Tensor
	stepSegPos *tensor.Tensor
	stepLogits *tensor.Tensor

	caches []KVCache

	state         State
	pos           int
	lastToken     int
	history       []int
	primedLogits  []float32
	primedPending bool
	scratch       []float32
}

// NewUlm builds both graphs over the given weights. The weight set must be
// fully loaded and decorated before construction.
func NewUlm(cfg config.Model, rcfg config.Runtime, w *weights.UlmWeights, backend device.Backend, sampler *Sampler) (*Ulm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := rcfg.Validate(); err != nil {
		return nil, err
	}
	if len(w.Layers) != cfg.Layers {
		return nil, fmt.Errorf("engine: %d weight layers for %d configured layers", len(w.Layers), cfg.Layers)
	}
	if w.TokenEmbedding == nil {
		return nil, fmt.Errorf("engine: weights carry no token embedding")
	}

	u := &Ulm{
		cfg:     cfg,
		rcfg:    rcfg,
		weights: w,
		backend: backend,
		sampler: sampler,
		log:     logger.Log.With("engine"),
		caches:  make([]KVCache, cfg.Layers),
		scratch: make([]float32, cfg.VocabSize),
	}

	if err := u.buildFull(); err != nil {
		return nil, err
	}
	if err := u.buildStep(); err != nil {
		u.full.Close()
		return nil, err
	}

	u.fillMask()
	u.fillSegPos()
	u.log.Info("engine ready",
		"backend", backend.Name(),
		"layers", cfg.Layers,
		"seq_len", cfg.SeqLen,
		"vocab", cfg.VocabSize)
	return u, nil
}

// buildFull lays down the priming graph over the whole sequence. Each
// layer's post-RoPE key and value tensors are marked as outputs; their
// buffers are the KV caches the decode graph reuses.
func (u *Ulm) buildFull() error {
	cfg := u.cfg
	b := graph.NewBuilder(u.backend)

	u.fullInput = tensor.New([]int{1, cfg.SeqLen, cfg.ModelDim}, device.DataTypeF32)
	u.fullMask = tensor.New([]int{cfg.SeqLen, cfg.SeqLen}, device.DataTypeF32)
	u.fullSegPos = tensor.New([]int{cfg.SeqLen}, device.DataTypeF32)
	b.AddInput(u.fullInput)
	b.AddInput(u.fullMask)
	b.AddRopeWeight(u.fullSegPos)

	logits := buildForward(b, cfg, u.weights, forwardOpts{
		x:      u.fullInput,
		mask:   u.fullMask,
		segPos: u.fullSegPos,
		attnKV: func(layer int, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
			b.MarkOutput(k)
			b.MarkOutput(v)
			u.caches[layer].K = k
			u.caches[layer].V = v
			return k, v
		},
	})
	b.MarkOutput(logits)
	u.fullLogits = logits

	g, err := b.Build(u.rcfg)
	if err != nil {
		return fmt.Errorf("priming graph: %w", err)
	}
	u.full = g
	return nil
}

// buildStep lays down the one-token graph. The caches enter as inputs
// aliasing the full-sequence buffers; the step's new key and value leave as
// outputs aliasing one sequence slot of the same buffers.
func (u *Ulm) buildStep() error {
	cfg := u.cfg
	b := graph.NewBuilder(u.backend)

	u.stepInput = tensor.New([]int{1, 1, cfg.ModelDim}, device.DataTypeF32)
	u.stepMask = tensor.New([]int{1, cfg.SeqLen}, device.DataTypeF32)
	u.stepSegPos = tensor.New([]int{1}, device.DataTypeF32)
	b.AddInput(u.stepInput)
	b.AddInput(u.stepMask)
	b.AddRopeWeight(u.stepSegPos)

	kvDims := []int{1, cfg.SeqLen, cfg.Heads, cfg.HeadDim}
	for i := range u.caches {
		c := &u.caches[i]
		c.KIn = tensor.New(kvDims, device.DataTypeF32)
		c.VIn = tensor.New(kvDims, device.DataTypeF32)
		c.BindFull()
		b.AddInput(c.KIn)
		b.AddInput(c.VIn)
	}

	logits := buildForward(b, cfg, u.weights, forwardOpts{
		x:      u.stepInput,
		mask:   u.stepMask,
		segPos: u.stepSegPos,
		attnKV: func(layer int, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor) {
			b.MarkOutput(k)
			b.MarkOutput(v)
			u.caches[layer].KSlice = k
			u.caches[layer].VSlice = v
			return u.caches[layer].KIn, u.caches[layer].VIn
		},
	})
	b.MarkOutput(logits)
	u.stepLogits = logits

	g, err := b.Build(u.rcfg)
	if err != nil {
		return fmt.Errorf("decode graph: %w", err)
	}
	u.step = g
	return nil
}

// fillMask writes the causal mask: row i permits keys 0..i and penalizes
// the rest.
func (u *Ulm) fillMask() {
	s := u.cfg.SeqLen
	m := u.fullMask.Float32s()
	for i := 0; i < s; i++ {
		for j := 0; j < s; j++ {
			if j <= i {
				m[i*s+j] = 0
			} else {
				m[i*s+j] = maskPenalty
			}
		}
	}
}

func (u *Ulm) fillSegPos() {
	p := u.fullSegPos.Float32s()
	for i := range p {
		p[i] = float32(i)
	}
}

func (u *Ulm) embed(tok int, dst []float32) {
	d := u.cfg.ModelDim
	emb := u.weights.TokenEmbedding.Float32s()
	copy(dst, emb[tok*d:(tok+1)*d])
}

// InitInputTokens primes the sequence with a prompt: embeds the tokens,
// runs the priming graph once to fill every layer's KV cache and stashes
// the last prompt position's logits for the first GetNextToken. Calling it
// again resets the engine onto a fresh sequence.
func (u *Ulm) InitInputTokens(tokens []int) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	cfg := u.cfg
	if len(tokens) == 0 {
		return fmt.Errorf("engine: empty prompt")
	}
	if len(tokens) > cfg.SeqLen {
		return fmt.Errorf("engine: prompt length %d exceeds sequence capacity %d", len(tokens), cfg.SeqLen)
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= cfg.VocabSize {
			return fmt.Errorf("engine: token id %d outside vocabulary of %d", tok, cfg.VocabSize)
		}
	}

	xs := u.fullInput.Float32s()
	clear(xs)
	for i, tok := range tokens {
		u.embed(tok, xs[i*cfg.ModelDim:(i+1)*cfg.ModelDim])
	}

	start := time.Now()
	if err := u.full.Run(); err != nil {
		return err
	}
	metrics.RecordPrime(time.Since(start))

	logits := u.fullLogits.Float32s()
	row := (len(tokens) - 1) * cfg.VocabSize
	u.primedLogits = append(u.primedLogits[:0], logits[row:row+cfg.VocabSize]...)
	u.primedPending = true
	u.pos = len(tokens)
	u.lastToken = tokens[len(tokens)-1]
	u.history = append(u.history[:0], tokens...)
	u.state = StatePrimed
	u.log.Debug("primed", "prompt_len", len(tokens), "duration", time.Since(start).String())
	return nil
}

// GetNextToken samples and returns one token id. The first call after
// priming consumes the stashed prompt logits; every later call runs one
// decode step, writing the previous token's key/value into cache slot pos
// and attending over the whole cache under the causal mask row for pos.
func (u *Ulm) GetNextToken() (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state {
	case StateUninitialized:
		return 0, ErrNotPrimed
	case StateExhausted:
		return 0, ErrSeqExhausted
	}

	if u.primedPending {
		tok := u.sampler.Sample(u.primedLogits, u.history)
		u.primedPending = false
		u.state = StateDecoding
		u.lastToken = tok
		u.history = append(u.history, tok)
		metrics.DecodeTokensTotal.Inc()
		return tok, nil
	}

	if u.pos >= u.cfg.SeqLen {
		u.state = StateExhausted
		return 0, ErrSeqExhausted
	}

	start := time.Now()
	u.embed(u.lastToken, u.stepInput.Float32s())

	t := u.pos
	for i := range u.caches {
		u.caches[i].BindStep(t)
	}
	u.stepMask.Borrow(u.fullMask, t*u.cfg.SeqLen)
	u.stepSegPos.Borrow(u.fullSegPos, t)
	if err := u.step.SetupRuntime(); err != nil {
		return 0, err
	}
	if err := u.step.Run(); err != nil {
		return 0, err
	}

	copy(u.scratch, u.stepLogits.Float32s())
	tok := u.sampler.Sample(u.scratch, u.history)
	u.pos++
	u.state = StateDecoding
	u.lastToken = tok
	u.history = append(u.history, tok)
	metrics.RecordStep(1, time.Since(start))
	return tok, nil
}

// History returns the prompt plus all decoded token ids.
func (u *Ulm) History() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]int, len(u.history))
	copy(out, u.history)
	return out
}

func (u *Ulm) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Position is the next sequence slot to be written.
func (u *Ulm) Position() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pos
}

func (u *Ulm) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var first error
	if u.step != nil {
		if err := u.step.Close(); err != nil {
			first = err
		}
		u.step = nil
	}
	if u.full != nil {
		if err := u.full.Close(); err != nil && first == nil {
			first = err
		}
		u.full = nil
	}
	return first
}
