// Package pooling reduces per-token hidden states to one fixed-size vector.
package pooling

import (
	"fmt"
	"math"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/encoder"
	"github.com/raaihank/embedlib/internal/model"
)

// Strategy names a pooling method.
type Strategy string

// Supported strategies
const (
	Mean Strategy = "mean"
	CLS  Strategy = "cls"
	Max  Strategy = "max"
)

// ParseStrategy validates a configured strategy name. Empty means Mean.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", Mean:
		return Mean, nil
	case CLS, Max:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown pooling strategy %q", s)
	}
}

// Pooler applies a strategy, then the optional projection, then optional L2
// normalization.
type Pooler struct {
	strategy   Strategy
	normalize  bool
	projection *model.Linear
}

// New creates a pooler. projection may be nil.
func New(strategy Strategy, normalize bool, projection *model.Linear) *Pooler {
	if strategy == "" {
		strategy = Mean
	}
	return &Pooler{strategy: strategy, normalize: normalize, projection: projection}
}

// Strategy returns the configured strategy.
func (p *Pooler) Strategy() Strategy {
	return p.strategy
}

// Normalize reports whether outputs are L2 normalized.
func (p *Pooler) Normalize() bool {
	return p.normalize
}

// OutputDim returns the pooled vector length for hidden states of width dim.
func (p *Pooler) OutputDim(dim int) int {
	if p.projection != nil {
		return p.projection.Out
	}
	return dim
}

// Pool reduces h using mask (1 for real tokens, 0 for padding). The result
// length depends only on the hidden width, never on the sequence length.
func (p *Pooler) Pool(h *encoder.Hidden, mask []int32) ([]float32, error) {
	if len(mask) != h.SeqLen {
		return nil, apperr.Errorf(apperr.ErrShapeMismatch, "mask has %d entries for %d positions", len(mask), h.SeqLen)
	}
	if p.projection != nil && p.projection.In != h.Dim {
		return nil, apperr.Errorf(apperr.ErrShapeMismatch, "projection expects width %d, hidden states have %d", p.projection.In, h.Dim)
	}

	var out []float32
	switch p.strategy {
	case Mean:
		out = MeanPool(h, mask)
	case CLS:
		out = append([]float32(nil), h.Row(0)...)
	case Max:
		out = MaxPool(h, mask)
	default:
		return nil, apperr.Errorf(apperr.ErrInternal, "unknown pooling strategy %q", p.strategy)
	}
	if out == nil {
		return nil, apperr.Errorf(apperr.ErrShapeMismatch, "mask selects no positions")
	}

	if p.projection != nil {
		out = encoder.Linear(out, 1, p.projection)
	}
	if p.normalize {
		L2Normalize(out)
	}

	for i, v := range out {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, apperr.Errorf(apperr.ErrNumericFailure, "non-finite pooled value at %d", i)
		}
	}
	return out, nil
}

// MeanPool averages the rows whose mask is non-zero. It returns nil when no
// row is selected.
func MeanPool(h *encoder.Hidden, mask []int32) []float32 {
	out := make([]float32, h.Dim)
	var count float32
	for i := 0; i < h.SeqLen; i++ {
		if mask[i] == 0 {
			continue
		}
		count++
		for j, v := range h.Row(i) {
			out[j] += v
		}
	}
	if count == 0 {
		return nil
	}
	for j := range out {
		out[j] /= count
	}
	return out
}

// MaxPool takes the per-feature maximum over rows whose mask is non-zero.
func MaxPool(h *encoder.Hidden, mask []int32) []float32 {
	var out []float32
	for i := 0; i < h.SeqLen; i++ {
		if mask[i] == 0 {
			continue
		}
		row := h.Row(i)
		if out == nil {
			out = append([]float32(nil), row...)
			continue
		}
		for j, v := range row {
			if v > out[j] {
				out[j] = v
			}
		}
	}
	return out
}

// L2Normalize scales v to unit length in place. A zero vector is left as is.
func L2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range v {
		v[i] /= norm
	}
}
