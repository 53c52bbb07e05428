package encoder

import (
	"fmt"
	"math"

	"github.com/raaihank/embedlib/internal/model"
)

// sqrt(2/pi)
const geluTanhScale = 0.7978845608028654

// Activation is an elementwise nonlinearity applied in place.
type Activation func(x []float32)

// ActivationFor returns the kernel for a resolved model activation.
func ActivationFor(a model.Activation) (Activation, error) {
	switch a {
	case model.ActivationGELU:
		return GELU, nil
	case model.ActivationGELUTanh:
		return GELUTanh, nil
	default:
		return nil, fmt.Errorf("unsupported activation %q", a)
	}
}

// GELU applies 0.5·x·(1+erf(x/√2)).
func GELU(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Erf(f/math.Sqrt2)))
	}
}

// GELUTanh applies 0.5·x·(1+tanh(√(2/π)·(x+0.044715·x³))).
func GELUTanh(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(geluTanhScale*(f+0.044715*f*f*f))))
	}
}
