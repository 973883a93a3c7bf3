package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Model holds the decoder topology hyperparameters. SeqLen is the maximum
// total sequence length (prompt plus decoded tokens) the engine supports.
type Model struct {
	Layers    int `json:"layers"`
	ModelDim  int `json:"model_dim"`
	HiddenDim int `json:"hidden_dim"`
	Heads     int `json:"heads"`
	HeadDim   int `json:"head_dim"`
	VocabSize int `json:"vocab_size"`
	SeqLen    int `json:"seq_len"`

	RopeTheta         float32 `json:"rope_theta"`
	AttnLogitCap      float32 `json:"attn_logit_cap"`
	TransformerPrefix string  `json:"transformer_prefix"`
}

// Runtime holds execution parameters for compiled graphs.
type Runtime struct {
	Threads    int
	Profiling  bool
	ProfileCSV string
}

func (c *Model) Validate() error {
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.ModelDim <= 0 {
		return fmt.Errorf("invalid model_dim: %d (must be positive)", c.ModelDim)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", c.HiddenDim)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.Heads)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.SeqLen)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.AttnLogitCap <= 0 {
		return fmt.Errorf("invalid attn_logit_cap: %f (must be positive)", c.AttnLogitCap)
	}
	return nil
}

func (r *Runtime) Validate() error {
	if r.Threads <= 0 {
		return fmt.Errorf("invalid threads: %d (must be positive)", r.Threads)
	}
	if r.ProfileCSV != "" && !r.Profiling {
		return fmt.Errorf("profile_csv set without profiling enabled")
	}
	return nil
}

func Default() Model {
	return Model{
		RopeTheta:         10000.0,
		AttnLogitCap:      50.0,
		TransformerPrefix: "params.lm.transformer.x_layers_",
	}
}

// LoadModel reads a model config JSON file, filling defaults for absent
// optional fields.
func LoadModel(path string) (Model, error) {
	c := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("model config: %w", err)
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, fmt.Errorf("model config %s: %w", path, err)
	}
	if c.TransformerPrefix == "" {
		c.TransformerPrefix = Default().TransformerPrefix
	}
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("model config %s: %w", path, err)
	}
	return c, nil
}
