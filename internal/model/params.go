package model

import (
	"fmt"
	"slices"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/weights"
)

// Linear is a dense layer stored as in Hugging Face checkpoints: Weight is
// row-major [Out, In] and y = x·Wᵀ + b.
type Linear struct {
	Weight []float32
	Bias   []float32 // nil when the layer has no bias
	In     int
	Out    int
}

// LayerNorm holds per-feature scale and shift.
type LayerNorm struct {
	Weight []float32
	Bias   []float32
}

// Layer holds the weights of one transformer block.
type Layer struct {
	Query           Linear
	Key             Linear
	Value           Linear
	AttentionOutput Linear
	AttentionNorm   LayerNorm
	Intermediate    Linear
	Output          Linear
	OutputNorm      LayerNorm
}

// Params is the complete, shape-checked weight set of an encoder.
type Params struct {
	WordEmbeddings      []float32 // [vocab, hidden]
	PositionEmbeddings  []float32 // [positions, hidden]
	TokenTypeEmbeddings []float32 // [types, hidden]
	EmbeddingNorm       LayerNorm
	Layers              []Layer
	Projection          *Linear // optional [projection_dim, hidden]
}

// tensorSource resolves checkpoint names, tolerating a "bert." prefix and the
// legacy gamma/beta LayerNorm names.
type tensorSource struct {
	file   *weights.File
	prefix string
}

func newTensorSource(f *weights.File) *tensorSource {
	src := &tensorSource{file: f}
	if _, ok := f.Get("embeddings.word_embeddings.weight"); !ok {
		if _, ok := f.Get("bert.embeddings.word_embeddings.weight"); ok {
			src.prefix = "bert."
		}
	}
	return src
}

func (s *tensorSource) lookup(name string) (*weights.Tensor, bool) {
	if t, ok := s.file.Get(s.prefix + name); ok {
		return t, true
	}
	return s.file.Get(name)
}

func (s *tensorSource) tensor(name string, shape ...int) ([]float32, error) {
	t, ok := s.lookup(name)
	if !ok {
		return nil, apperr.Errorf(apperr.ErrMalformed, "missing tensor %q", name)
	}
	if !slices.Equal(t.Shape, shape) {
		return nil, apperr.Errorf(apperr.ErrMalformed, "tensor %q has shape %v, expected %v", name, t.Shape, shape)
	}
	return t.Data, nil
}

func (s *tensorSource) linear(prefix string, out, in int, bias bool) (Linear, error) {
	w, err := s.tensor(prefix+".weight", out, in)
	if err != nil {
		return Linear{}, err
	}
	l := Linear{Weight: w, In: in, Out: out}
	if _, ok := s.lookup(prefix + ".bias"); ok || bias {
		if l.Bias, err = s.tensor(prefix+".bias", out); err != nil {
			return Linear{}, err
		}
	}
	return l, nil
}

func (s *tensorSource) layerNorm(prefix string, dim int) (LayerNorm, error) {
	weightName, biasName := prefix+".weight", prefix+".bias"
	if _, ok := s.lookup(weightName); !ok {
		if _, legacy := s.lookup(prefix + ".gamma"); legacy {
			weightName, biasName = prefix+".gamma", prefix+".beta"
		}
	}
	w, err := s.tensor(weightName, dim)
	if err != nil {
		return LayerNorm{}, err
	}
	b, err := s.tensor(biasName, dim)
	if err != nil {
		return LayerNorm{}, err
	}
	return LayerNorm{Weight: w, Bias: b}, nil
}

// NewParams extracts and validates every tensor cfg requires from f.
func NewParams(cfg Config, f *weights.File) (*Params, error) {
	src := newTensorSource(f)
	h := cfg.HiddenSize
	p := &Params{}

	var err error
	if p.WordEmbeddings, err = src.tensor("embeddings.word_embeddings.weight", cfg.VocabSize, h); err != nil {
		return nil, err
	}
	if p.PositionEmbeddings, err = src.tensor("embeddings.position_embeddings.weight", cfg.MaxPositionEmbeddings, h); err != nil {
		return nil, err
	}
	if p.TokenTypeEmbeddings, err = src.tensor("embeddings.token_type_embeddings.weight", cfg.TypeVocabSize, h); err != nil {
		return nil, err
	}
	if p.EmbeddingNorm, err = src.layerNorm("embeddings.LayerNorm", h); err != nil {
		return nil, err
	}

	p.Layers = make([]Layer, cfg.NumHiddenLayers)
	for i := range p.Layers {
		if err := loadLayer(src, cfg, i, &p.Layers[i]); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}

	if cfg.ProjectionDim > 0 {
		proj, err := src.linear("projection", cfg.ProjectionDim, h, false)
		if err != nil {
			return nil, err
		}
		p.Projection = &proj
	}

	return p, nil
}

func loadLayer(src *tensorSource, cfg Config, i int, l *Layer) error {
	h, inter := cfg.HiddenSize, cfg.IntermediateSize
	prefix := fmt.Sprintf("encoder.layer.%d", i)

	var err error
	if l.Query, err = src.linear(prefix+".attention.self.query", h, h, true); err != nil {
		return err
	}
	if l.Key, err = src.linear(prefix+".attention.self.key", h, h, true); err != nil {
		return err
	}
	if l.Value, err = src.linear(prefix+".attention.self.value", h, h, true); err != nil {
		return err
	}
	if l.AttentionOutput, err = src.linear(prefix+".attention.output.dense", h, h, true); err != nil {
		return err
	}
	if l.AttentionNorm, err = src.layerNorm(prefix+".attention.output.LayerNorm", h); err != nil {
		return err
	}
	if l.Intermediate, err = src.linear(prefix+".intermediate.dense", inter, h, true); err != nil {
		return err
	}
	if l.Output, err = src.linear(prefix+".output.dense", h, inter, true); err != nil {
		return err
	}
	if l.OutputNorm, err = src.layerNorm(prefix+".output.LayerNorm", h); err != nil {
		return err
	}
	return nil
}

// NumParameters returns the total number of scalar weights.
func (p *Params) NumParameters() int {
	n := len(p.WordEmbeddings) + len(p.PositionEmbeddings) + len(p.TokenTypeEmbeddings)
	n += len(p.EmbeddingNorm.Weight) + len(p.EmbeddingNorm.Bias)
	for _, l := range p.Layers {
		for _, lin := range []Linear{l.Query, l.Key, l.Value, l.AttentionOutput, l.Intermediate, l.Output} {
			n += len(lin.Weight) + len(lin.Bias)
		}
		n += len(l.AttentionNorm.Weight) + len(l.AttentionNorm.Bias)
		n += len(l.OutputNorm.Weight) + len(l.OutputNorm.Bias)
	}
	if p.Projection != nil {
		n += len(p.Projection.Weight) + len(p.Projection.Bias)
	}
	return n
}
