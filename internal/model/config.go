// Package model loads BERT-style encoder artifacts: the Hugging Face
// config.json, the tokenizer and the safetensors weight set.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/raaihank/embedlib/internal/apperr"
)

// Activation selects the feed-forward nonlinearity.
type Activation string

const (
	// ActivationGELU is the exact erf-based GELU.
	ActivationGELU Activation = "gelu"
	// ActivationGELUTanh is the tanh approximation of GELU.
	ActivationGELUTanh Activation = "gelu_tanh"
)

// Config holds the encoder hyperparameters read from config.json.
type Config struct {
	ModelType             string  `json:"model_type"`
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	IntermediateSize      int     `json:"intermediate_size"`
	HiddenAct             string  `json:"hidden_act"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	TypeVocabSize         int     `json:"type_vocab_size"`
	LayerNormEps          float64 `json:"layer_norm_eps"`
	PadTokenID            int     `json:"pad_token_id"`
	PositionEmbeddingType string  `json:"position_embedding_type"`
	ProjectionDim         int     `json:"projection_dim,omitempty"`

	// Activation is resolved at load time from HiddenAct and the
	// approximate-GELU option. It is not part of config.json.
	Activation Activation `json:"-"`
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int {
	return c.HiddenSize / c.NumAttentionHeads
}

// OutputDim returns the length of a pooled embedding.
func (c Config) OutputDim() int {
	if c.ProjectionDim > 0 {
		return c.ProjectionDim
	}
	return c.HiddenSize
}

// Validate checks that every dimension is usable.
func (c Config) Validate() error {
	positive := []struct {
		name string
		v    int
	}{
		{"vocab_size", c.VocabSize},
		{"hidden_size", c.HiddenSize},
		{"num_hidden_layers", c.NumHiddenLayers},
		{"num_attention_heads", c.NumAttentionHeads},
		{"intermediate_size", c.IntermediateSize},
		{"max_position_embeddings", c.MaxPositionEmbeddings},
		{"type_vocab_size", c.TypeVocabSize},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return apperr.Errorf(apperr.ErrMalformed, "%s must be positive, got %d", p.name, p.v)
		}
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return apperr.Errorf(apperr.ErrMalformed, "hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	}
	if c.LayerNormEps <= 0 {
		return apperr.Errorf(apperr.ErrMalformed, "layer_norm_eps must be positive, got %g", c.LayerNormEps)
	}
	if c.ProjectionDim < 0 {
		return apperr.Errorf(apperr.ErrMalformed, "projection_dim must not be negative, got %d", c.ProjectionDim)
	}
	if c.PositionEmbeddingType != "" && c.PositionEmbeddingType != "absolute" {
		return apperr.Errorf(apperr.ErrMalformed, "unsupported position_embedding_type %q", c.PositionEmbeddingType)
	}
	return nil
}

// resolveActivation maps hidden_act onto an Activation. approximate forces
// the tanh form, otherwise every GELU variant runs as exact GELU.
func (c *Config) resolveActivation(approximate bool) error {
	switch c.HiddenAct {
	case "", "gelu", "gelu_new", "gelu_fast", "gelu_pytorch_tanh", "gelu_python":
	default:
		return apperr.Errorf(apperr.ErrMalformed, "unsupported hidden_act %q", c.HiddenAct)
	}
	if approximate {
		c.Activation = ActivationGELUTanh
	} else {
		c.Activation = ActivationGELU
	}
	return nil
}

// ParseConfig decodes config.json content and fills defaults.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{
		TypeVocabSize: 2,
		LayerNormEps:  1e-12,
		HiddenAct:     "gelu",
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperr.Wrap(apperr.ErrMalformed, err, "decode model config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a config.json file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Config{}, apperr.Wrap(apperr.ErrNotFound, err, "model config %q", path)
		}
		return Config{}, apperr.Wrap(apperr.ErrIO, err, "read model config %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("model config %q: %w", path, err)
	}
	return cfg, nil
}
