// Package encoder runs the BERT transformer stack over tokenized input and
// returns one hidden-state vector per position.
package encoder

import (
	"math"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/tokenizer"
)

// Hidden is the final hidden state, row-major [SeqLen, Dim].
type Hidden struct {
	Data   []float32
	SeqLen int
	Dim    int
}

// Row returns the vector at position i.
func (h *Hidden) Row(i int) []float32 {
	return h.Data[i*h.Dim : (i+1)*h.Dim]
}

// Encoder is the pure-Go BERT forward pass. It holds only immutable weights
// and is safe for concurrent use.
type Encoder struct {
	cfg        model.Config
	params     *model.Params
	activation Activation
}

// New builds an encoder for a loaded model.
func New(m *model.Model) (*Encoder, error) {
	act, err := ActivationFor(m.Config.Activation)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "encoder")
	}
	if len(m.Params.Layers) != m.Config.NumHiddenLayers {
		return nil, apperr.Errorf(apperr.ErrMalformed, "config declares %d layers, weights hold %d", m.Config.NumHiddenLayers, len(m.Params.Layers))
	}
	return &Encoder{cfg: m.Config, params: m.Params, activation: act}, nil
}

// Name identifies the backend.
func (e *Encoder) Name() string {
	return "native"
}

// Close is a no-op; weights are garbage collected.
func (e *Encoder) Close() error {
	return nil
}

// Forward runs embeddings, every transformer layer and the per-layer norms.
// Padding positions (mask 0) are excluded as attention keys.
func (e *Encoder) Forward(in *tokenizer.TokenizedInput) (*Hidden, error) {
	seq := len(in.InputIDs)
	h := e.cfg.HiddenSize

	if err := e.checkInput(in); err != nil {
		return nil, err
	}

	maskBias := make([]float32, seq)
	for i, m := range in.AttentionMask {
		if m == 0 {
			maskBias[i] = float32(math.Inf(-1))
		}
	}

	x := make([]float32, seq*h)
	p := e.params
	for i, id := range in.InputIDs {
		var typ int32
		if in.TokenTypeIDs != nil {
			typ = in.TokenTypeIDs[i]
		}
		row := x[i*h : (i+1)*h]
		word := p.WordEmbeddings[int(id)*h : (int(id)+1)*h]
		pos := p.PositionEmbeddings[i*h : (i+1)*h]
		tt := p.TokenTypeEmbeddings[int(typ)*h : (int(typ)+1)*h]
		for j := range row {
			row[j] = word[j] + pos[j] + tt[j]
		}
	}
	LayerNorm(x, seq, h, &p.EmbeddingNorm, e.cfg.LayerNormEps)

	for li := range p.Layers {
		x = e.layer(x, seq, &p.Layers[li], maskBias)
	}

	if idx, ok := allFinite(x); !ok {
		return nil, apperr.Errorf(apperr.ErrNumericFailure, "non-finite hidden state at position %d, feature %d", idx/h, idx%h)
	}

	return &Hidden{Data: x, SeqLen: seq, Dim: h}, nil
}

// ForwardBatch runs Forward for every input.
func (e *Encoder) ForwardBatch(ins []*tokenizer.TokenizedInput) ([]*Hidden, error) {
	out := make([]*Hidden, len(ins))
	for i, in := range ins {
		hs, err := e.Forward(in)
		if err != nil {
			return nil, err
		}
		out[i] = hs
	}
	return out, nil
}

func (e *Encoder) layer(x []float32, seq int, l *model.Layer, maskBias []float32) []float32 {
	h := e.cfg.HiddenSize
	eps := e.cfg.LayerNormEps

	q := Linear(x, seq, &l.Query)
	k := Linear(x, seq, &l.Key)
	v := Linear(x, seq, &l.Value)
	ctx := attention(q, k, v, seq, h, e.cfg.NumAttentionHeads, maskBias)

	attnOut := Linear(ctx, seq, &l.AttentionOutput)
	addInPlace(attnOut, x)
	LayerNorm(attnOut, seq, h, &l.AttentionNorm, eps)

	inter := Linear(attnOut, seq, &l.Intermediate)
	e.activation(inter)

	out := Linear(inter, seq, &l.Output)
	addInPlace(out, attnOut)
	LayerNorm(out, seq, h, &l.OutputNorm, eps)
	return out
}

func (e *Encoder) checkInput(in *tokenizer.TokenizedInput) error {
	seq := len(in.InputIDs)
	if seq == 0 {
		return apperr.Errorf(apperr.ErrShapeMismatch, "empty token sequence")
	}
	if seq > e.cfg.MaxPositionEmbeddings {
		return apperr.Errorf(apperr.ErrShapeMismatch, "sequence of %d tokens exceeds %d positions", seq, e.cfg.MaxPositionEmbeddings)
	}
	if len(in.AttentionMask) != seq {
		return apperr.Errorf(apperr.ErrShapeMismatch, "attention mask has %d entries for %d tokens", len(in.AttentionMask), seq)
	}
	if in.TokenTypeIDs != nil && len(in.TokenTypeIDs) != seq {
		return apperr.Errorf(apperr.ErrShapeMismatch, "token type ids have %d entries for %d tokens", len(in.TokenTypeIDs), seq)
	}

	active := 0
	for i, id := range in.InputIDs {
		if id < 0 || int(id) >= e.cfg.VocabSize {
			return apperr.Errorf(apperr.ErrShapeMismatch, "token id %d at position %d outside vocabulary of %d", id, i, e.cfg.VocabSize)
		}
		if in.TokenTypeIDs != nil {
			if t := in.TokenTypeIDs[i]; t < 0 || int(t) >= e.cfg.TypeVocabSize {
				return apperr.Errorf(apperr.ErrShapeMismatch, "token type %d at position %d outside %d types", t, i, e.cfg.TypeVocabSize)
			}
		}
		if in.AttentionMask[i] != 0 {
			active++
		}
	}
	if active == 0 {
		return apperr.Errorf(apperr.ErrShapeMismatch, "attention mask selects no tokens")
	}
	return nil
}
