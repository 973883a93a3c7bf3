// Package weights loads transformer parameters from a weight source by the
// fixed hierarchical naming convention, caching expensive one-time
// preparation (attention projection transposes) in an Arrow IPC cache
// directory shared across process restarts.
package weights

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/tensor"
)

// SelfAttentionWeights holds one layer's attention parameters. Query, Key
// and Value are stored transposed to [model_dim, heads×head_dim] and carry
// the head count tag consumed by the projection op.
type SelfAttentionWeights struct {
	PreNorm  *tensor.Tensor
	PostNorm *tensor.Tensor

	Query *tensor.Tensor
	Key   *tensor.Tensor
	Value *tensor.Tensor

	PerDimScale *tensor.Tensor
	PostProj    *tensor.Tensor
}

// FeedForwardWeights holds one layer's MLP parameters. PaddingMask is
// optional; when present it multiplies the hidden activations.
type FeedForwardWeights struct {
	PreNorm  *tensor.Tensor
	PostNorm *tensor.Tensor

	Layer1 *tensor.Tensor
	Bias1  *tensor.Tensor
	Layer2 *tensor.Tensor
	Bias2  *tensor.Tensor

	PaddingMask *tensor.Tensor
}

type LayerWeights struct {
	SelfAttention SelfAttentionWeights
	FeedForward   FeedForwardWeights
}

// UlmWeights is the full parameter set of one decoder model.
type UlmWeights struct {
	Layers []LayerWeights

	FinalNorm  *tensor.Tensor
	OutputProj *tensor.Tensor
	OutputBias *tensor.Tensor

	// TokenEmbedding is [vocab, model_dim], prepared (dequantized and
	// pre-scaled by sqrt(model_dim)) by the embedding decorator. When the
	// model ships no embedding table it is derived from the transposed
	// output projection.
	TokenEmbedding *tensor.Tensor
}

// Weight file name helpers. One file per tensor; quantized tensors carry a
// sibling file with the scale suffix.

func layerPrefix(cfg config.Model, layer int) string {
	return fmt.Sprintf("%s%d.", cfg.TransformerPrefix, layer)
}

func attnName(cfg config.Model, layer int, param string) string {
	return layerPrefix(cfg, layer) + "self_attention." + param
}

func ffName(cfg config.Model, layer int, param string) string {
	return layerPrefix(cfg, layer) + "ff_layer." + param
}

const (
	finalNormName  = "params.lm.final_ln.scale"
	outputProjName = "params.lm.softmax.logits_ffn.linear.w"
	outputBiasName = "params.lm.softmax.logits_ffn.bias.b"
	embeddingName  = "params.lm.embedding_lookup.emb_var"
)
