package engine

import (
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/graph"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// maskPenalty is added to attention logits of positions a query must not
// see; softmax then assigns them negligible weight.
const maskPenalty = float32(-1e9)

// forwardOpts parameterizes one forward graph. The priming and decode
// graphs share the layer algebra and differ only in tensor shapes and in
// where attention reads its keys and values from, which attnKV decides:
// it receives the layer's freshly computed (post-RoPE) key and value and
// returns the tensors attention should actually attend over.
type forwardOpts struct {
	x      *tensor.Tensor
	mask   *tensor.Tensor
	segPos *tensor.Tensor
	attnKV func(layer int, k, v *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor)
}

// buildForward lays down the full decoder stack and returns the logits
// tensor. Each layer is
//
//	h = x + RmsNorm_post(SelfAttention(RmsNorm_pre(x)))
//	x = h + RmsNorm_post(FFN(RmsNorm_pre(h)))
//
// followed by a final RmsNorm and the output projection.
func buildForward(b *graph.Builder, cfg config.Model, w *weights.UlmWeights, o forwardOpts) *tensor.Tensor {
	x := o.x
	for i := range w.Layers {
		sa := &w.Layers[i].SelfAttention
		n1 := b.RmsNorm(x, sa.PreNorm)
		q := b.SelfAttentionProj(n1, sa.Query)
		k := b.SelfAttentionProj(n1, sa.Key)
		v := b.SelfAttentionProj(n1, sa.Value)
		qr := b.Rope(q, o.segPos, cfg.RopeTheta)
		kr := b.Rope(k, o.segPos, cfg.RopeTheta)
		ak, av := o.attnKV(i, kr, v)
		att := b.DotAttention(qr, ak, av, o.mask, sa.PerDimScale, cfg.AttnLogitCap)
		flat := b.Reshape(att, []int{att.Dim(0), att.Dim(1), cfg.Heads * cfg.HeadDim})
		proj := b.FullConn(flat, sa.PostProj, nil)
		x = b.ElementAdd(x, b.RmsNorm(proj, sa.PostNorm))

		ff := &w.Layers[i].FeedForward
		n2 := b.RmsNorm(x, ff.PreNorm)
		h := b.Gelu(b.FullConn(n2, ff.Layer1, ff.Bias1))
		if ff.PaddingMask != nil {
			h = b.ElementMul(h, ff.PaddingMask)
		}
		out := b.FullConn(h, ff.Layer2, ff.Bias2)
		x = b.ElementAdd(x, b.RmsNorm(out, ff.PostNorm))
	}
	final := b.RmsNorm(x, w.FinalNorm)
	return b.FullConn(final, w.OutputProj, w.OutputBias)
}
