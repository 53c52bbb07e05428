package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/tokenizer"
	"github.com/raaihank/embedlib/internal/weights"
)

// Paths locates the three artifacts of a model.
type Paths struct {
	Config    string `yaml:"config_path" mapstructure:"config_path" json:"config_path"`
	Tokenizer string `yaml:"tokenizer_path" mapstructure:"tokenizer_path" json:"tokenizer_path"`
	Weights   string `yaml:"weights_path" mapstructure:"weights_path" json:"weights_path"`
}

// Options tune how a model is loaded.
type Options struct {
	// ApproximateGELU selects the tanh approximation instead of exact GELU.
	ApproximateGELU bool
}

// Model is a fully loaded and validated set of artifacts.
type Model struct {
	Config    Config
	Tokenizer *tokenizer.Tokenizer
	Params    *Params
	Paths     Paths
	LoadTime  time.Duration
}

// Load reads and validates all artifacts. It is all-or-nothing: either every
// artifact is consistent and a Model is returned, or an *apperr.Error of type
// not_found, io_error or malformed describes the first problem.
func Load(paths Paths, opts Options) (*Model, error) {
	start := time.Now()

	for _, p := range []struct{ kind, path string }{
		{"model config", paths.Config},
		{"tokenizer", paths.Tokenizer},
		{"weights", paths.Weights},
	} {
		if err := checkFile(p.kind, p.path); err != nil {
			return nil, err
		}
	}

	cfg, err := LoadConfig(paths.Config)
	if err != nil {
		return nil, err
	}
	if err := cfg.resolveActivation(opts.ApproximateGELU); err != nil {
		return nil, fmt.Errorf("model config %q: %w", paths.Config, err)
	}

	tok, err := tokenizer.Load(paths.Tokenizer)
	if err != nil {
		return nil, err
	}
	if tok.VocabSize() > cfg.VocabSize {
		return nil, apperr.Errorf(apperr.ErrMalformed, "tokenizer has %d ids but vocab_size is %d", tok.VocabSize(), cfg.VocabSize)
	}
	if tok.MaxLength() > cfg.MaxPositionEmbeddings {
		if tok, err = tok.WithMaxLength(cfg.MaxPositionEmbeddings); err != nil {
			return nil, apperr.Wrap(apperr.ErrMalformed, err, "max_position_embeddings")
		}
	}

	wf, err := weights.Open(paths.Weights)
	if err != nil {
		return nil, err
	}
	params, err := NewParams(cfg, wf)
	if err != nil {
		return nil, fmt.Errorf("weights file %q: %w", paths.Weights, err)
	}

	return &Model{
		Config:    cfg,
		Tokenizer: tok,
		Params:    params,
		Paths:     paths,
		LoadTime:  time.Since(start),
	}, nil
}

func checkFile(kind, path string) error {
	if path == "" {
		return apperr.Errorf(apperr.ErrNotFound, "%s path is empty", kind)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.Wrap(apperr.ErrNotFound, err, "%s %q", kind, path)
		}
		return apperr.Wrap(apperr.ErrIO, err, "%s %q", kind, path)
	}
	if info.IsDir() {
		return apperr.Errorf(apperr.ErrIO, "%s %q is a directory", kind, path)
	}
	return nil
}
