package weights

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/schollz/progressbar/v3"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// Loader reads a full parameter set from a Source. After the base load it
// applies decorators in declared order; each decorator is idempotent via the
// tensors' provenance tags, so re-running a loader over prepared tensors is
// a no-op.
type Loader struct {
	src   Source
	cache *transposeCache
	cfg   config.Model
	log   *logger.Logger

	// transposeCount counts physical transposes, exercised by the cache
	// idempotence tests.
	transposeCount int
}

// NewLoader creates a loader. cacheDir may be empty to disable the
// transpose cache.
func NewLoader(src Source, cacheDir string, cfg config.Model) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loader{src: src, cfg: cfg, log: logger.Log.With("weights")}
	if cacheDir != "" {
		c, err := newTransposeCache(cacheDir)
		if err != nil {
			return nil, err
		}
		l.cache = c
	}
	return l, nil
}

type decorator struct {
	name  string
	apply func(ctx context.Context, w *UlmWeights) error
}

func (l *Loader) decorators() []decorator {
	return []decorator{
		{name: "transpose_self_attention", apply: l.applyTransposeSelfAttention},
		{name: "prepare_token_embedding", apply: l.applyPrepareTokenEmbedding},
	}
}

// LoadWeights loads every tensor of the model by naming convention, then
// runs the decorators.
func (l *Loader) LoadWeights(ctx context.Context) (*UlmWeights, error) {
	start := time.Now()
	cfg := l.cfg
	d, f, v := cfg.ModelDim, cfg.HiddenDim, cfg.VocabSize
	nh := cfg.Heads * cfg.HeadDim

	w := &UlmWeights{Layers: make([]LayerWeights, cfg.Layers)}
	total := cfg.Layers*13 + 3
	bar := progressbar.Default(int64(total), "loading weights")
	defer bar.Finish()

	var err error
	load := func(name string, dims []int, qAxis int) *tensor.Tensor {
		if err != nil {
			return nil
		}
		var t *tensor.Tensor
		if t, err = l.loadTensor(ctx, name, dims, qAxis); err == nil {
			bar.Add(1)
		}
		return t
	}
	// optional tensors grow the bar as they are discovered
	loadOptional := func(name string, dims []int, qAxis int) *tensor.Tensor {
		if err != nil {
			return nil
		}
		var ok bool
		if ok, err = l.src.Exists(ctx, name); err != nil || !ok {
			return nil
		}
		total++
		bar.ChangeMax(total)
		return load(name, dims, qAxis)
	}

	for i := range w.Layers {
		p := layerPrefix(cfg, i)
		sa := &w.Layers[i].SelfAttention
		sa.PreNorm = load(p+"pre_layer_norm.scale", []int{d}, 0)
		sa.PostNorm = load(p+"post_layer_norm.scale", []int{d}, 0)
		sa.Query = load(attnName(cfg, i, "q.w"), []int{nh, d}, 0)
		sa.Key = load(attnName(cfg, i, "k.w"), []int{nh, d}, 0)
		sa.Value = load(attnName(cfg, i, "v.w"), []int{nh, d}, 0)
		sa.PerDimScale = load(attnName(cfg, i, "per_dim_scale.per_dim_scale"), []int{cfg.HeadDim}, 0)
		sa.PostProj = load(attnName(cfg, i, "post.w"), []int{nh, d}, 1)

		ff := &w.Layers[i].FeedForward
		ff.PreNorm = load(ffName(cfg, i, "pre_layer_norm.scale"), []int{d}, 0)
		ff.PostNorm = load(ffName(cfg, i, "post_layer_norm.scale"), []int{d}, 0)
		ff.Layer1 = load(ffName(cfg, i, "ffn_layer1.linear.w"), []int{d, f}, 1)
		ff.Bias1 = load(ffName(cfg, i, "ffn_layer1.bias.b"), []int{f}, 0)
		ff.Layer2 = load(ffName(cfg, i, "ffn_layer2.linear.w"), []int{f, d}, 1)
		ff.Bias2 = load(ffName(cfg, i, "ffn_layer2.bias.b"), []int{d}, 0)
		ff.PaddingMask = loadOptional(ffName(cfg, i, "padding_mask"), []int{f}, 0)
		if err != nil {
			return nil, err
		}
	}

	w.FinalNorm = load(finalNormName, []int{d}, 0)
	w.OutputProj = load(outputProjName, []int{d, v}, 1)
	w.OutputBias = load(outputBiasName, []int{v}, 0)
	w.TokenEmbedding = loadOptional(embeddingName, []int{v, d}, 0)
	if err != nil {
		return nil, err
	}

	for _, dec := range l.decorators() {
		if err := dec.apply(ctx, w); err != nil {
			return nil, fmt.Errorf("decorator %s: %w", dec.name, err)
		}
	}

	metrics.WeightLoadDuration.Observe(time.Since(start).Seconds())
	l.log.Info("weights loaded", "layers", cfg.Layers, "duration", time.Since(start).String())
	return w, nil
}

// loadTensor fetches one tensor. A sibling file carrying the scale suffix
// marks the weight as channelwise-quantized int8 with scales along qAxis;
// a lone file is plain float32.
func (l *Loader) loadTensor(ctx context.Context, name string, dims []int, qAxis int) (*tensor.Tensor, error) {
	candidates, err := l.src.List(ctx, name)
	if err != nil {
		return nil, err
	}
	quantized := slices.Contains(candidates, name+tensor.ScaleSuffix)

	data, err := l.src.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}

	var t *tensor.Tensor
	if quantized {
		t = tensor.NewQC(dims, qAxis)
		if err := t.LoadFromBuffer(data, true); err != nil {
			return nil, fmt.Errorf("weight %s: %w", name, err)
		}
		raw, err := l.src.Fetch(ctx, name+tensor.ScaleSuffix)
		if err != nil {
			return nil, err
		}
		if len(raw) != 4*dims[qAxis] {
			return nil, fmt.Errorf("weight %s: %d scale bytes for %d channels", name, len(raw), dims[qAxis])
		}
		for i := range t.Scales {
			t.Scales[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	} else {
		t = tensor.New(dims, device.DataTypeF32)
		if err := t.LoadFromBuffer(data, true); err != nil {
			return nil, fmt.Errorf("weight %s: %w", name, err)
		}
	}
	t.Provenance = tensor.ProvenanceLoadedFresh
	return t, nil
}

// applyTransposeSelfAttention transposes each layer's Q/K/V projection into
// matmul orientation and tags it with the head count. The physical
// transpose is performed at most once per distinct source bytes; later runs
// hit the cache.
func (l *Loader) applyTransposeSelfAttention(_ context.Context, w *UlmWeights) error {
	cfg := l.cfg
	for i := range w.Layers {
		sa := &w.Layers[i].SelfAttention
		for _, pw := range []struct {
			name string
			t    **tensor.Tensor
		}{
			{attnName(cfg, i, "q.w"), &sa.Query},
			{attnName(cfg, i, "k.w"), &sa.Key},
			{attnName(cfg, i, "v.w"), &sa.Value},
		} {
			out, err := l.transposeWeight(pw.name, *pw.t)
			if err != nil {
				return err
			}
			*pw.t = out
		}
	}
	return nil
}

func (l *Loader) transposeWeight(name string, t *tensor.Tensor) (*tensor.Tensor, error) {
	switch t.Provenance {
	case tensor.ProvenanceTransposed, tensor.ProvenanceLoadedFromCache:
		return t, nil
	}
	hash := xxhash.Sum64(t.Data())
	if l.cache != nil {
		cached, err := l.cache.Load(name, hash)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			metrics.RecordCacheHit()
			l.log.Debug("transpose cache hit", "weight", name)
			return cached, nil
		}
		metrics.RecordCacheMiss()
	}
	out := t.Transpose()
	l.transposeCount++
	out.HeadCount = l.cfg.Heads
	if l.cache != nil {
		if err := l.cache.Store(name, out, hash); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// applyPrepareTokenEmbedding dequantizes the embedding table and pre-scales
// it by sqrt(model_dim). Models without an embedding table fall back to the
// transposed output projection (tied embeddings).
func (l *Loader) applyPrepareTokenEmbedding(_ context.Context, w *UlmWeights) error {
	if w.TokenEmbedding != nil && w.TokenEmbedding.Provenance == tensor.ProvenancePrepared {
		return nil
	}
	emb := w.TokenEmbedding
	if emb == nil {
		emb = w.OutputProj.ConvertToF32().Transpose()
	}
	emb = emb.ConvertToF32()
	vals := emb.Float32s()
	scale := float32(math.Sqrt(float64(l.cfg.ModelDim)))
	for i := range vals {
		vals[i] *= scale
	}
	emb.Provenance = tensor.ProvenancePrepared
	w.TokenEmbedding = emb
	return nil
}
