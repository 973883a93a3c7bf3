package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/tensor"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

func main() {
	modelDir := flag.String("model", "", "Directory holding ulm.json and the weight files")
	cacheDir := flag.String("cache", "", "Prepared-weight cache directory (empty disables the cache)")
	flag.Parse()

	if *modelDir == "" {
		log.Fatal("--model is required")
	}

	cfg, err := config.LoadModel(*modelDir + "/ulm.json")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	src, err := weights.NewDirSource(*modelDir)
	if err != nil {
		log.Fatalf("Failed to open model directory: %v", err)
	}
	loader, err := weights.NewLoader(src, *cacheDir, cfg)
	if err != nil {
		log.Fatalf("Failed to create loader: %v", err)
	}
	w, err := loader.LoadWeights(context.Background())
	if err != nil {
		log.Fatalf("Failed to load weights: %v", err)
	}

	fmt.Printf("=== Model ===\n")
	fmt.Printf("layers=%d model_dim=%d hidden_dim=%d heads=%d head_dim=%d vocab=%d seq_len=%d\n\n",
		cfg.Layers, cfg.ModelDim, cfg.HiddenDim, cfg.Heads, cfg.HeadDim, cfg.VocabSize, cfg.SeqLen)

	fmt.Println("=== Tensors ===")
	for i, l := range w.Layers {
		p := fmt.Sprintf("layer_%d.", i)
		describe(p+"attn.pre_norm", l.SelfAttention.PreNorm)
		describe(p+"attn.q", l.SelfAttention.Query)
		describe(p+"attn.k", l.SelfAttention.Key)
		describe(p+"attn.v", l.SelfAttention.Value)
		describe(p+"attn.per_dim_scale", l.SelfAttention.PerDimScale)
		describe(p+"attn.post", l.SelfAttention.PostProj)
		describe(p+"attn.post_norm", l.SelfAttention.PostNorm)
		describe(p+"ff.pre_norm", l.FeedForward.PreNorm)
		describe(p+"ff.layer1", l.FeedForward.Layer1)
		describe(p+"ff.bias1", l.FeedForward.Bias1)
		describe(p+"ff.layer2", l.FeedForward.Layer2)
		describe(p+"ff.bias2", l.FeedForward.Bias2)
		describe(p+"ff.padding_mask", l.FeedForward.PaddingMask)
		describe(p+"ff.post_norm", l.FeedForward.PostNorm)
	}
	describe("final_norm", w.FinalNorm)
	describe("output_proj", w.OutputProj)
	describe("output_bias", w.OutputBias)
	describe("token_embedding", w.TokenEmbedding)
}

func describe(name string, t *tensor.Tensor) {
	if t == nil {
		fmt.Printf("%-28s (absent)\n", name)
		return
	}
	extra := ""
	if len(t.Scales) > 0 {
		extra = fmt.Sprintf(" quantized axis=%d", t.DimScale)
	}
	if t.HeadCount > 0 {
		extra += fmt.Sprintf(" heads=%d", t.HeadCount)
	}
	fmt.Printf("%-28s %v %s %s prov=%d%s\n",
		name, t.Dims(), t.DType(), fmtBytes(t.ByteSize()), t.Provenance, extra)
}

func fmtBytes(n int) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%dB", n)
	}
}
