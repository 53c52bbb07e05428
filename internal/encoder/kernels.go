package encoder

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/raaihank/embedlib/internal/model"
)

// Linear computes x·Wᵀ + b for rows row vectors of width l.In.
func Linear(x []float32, rows int, l *model.Linear) []float32 {
	out := make([]float32, rows*l.Out)
	var beta float32
	if l.Bias != nil {
		for r := 0; r < rows; r++ {
			copy(out[r*l.Out:(r+1)*l.Out], l.Bias)
		}
		beta = 1
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1,
		blas32.General{Rows: rows, Cols: l.In, Stride: l.In, Data: x},
		blas32.General{Rows: l.Out, Cols: l.In, Stride: l.In, Data: l.Weight},
		beta,
		blas32.General{Rows: rows, Cols: l.Out, Stride: l.Out, Data: out},
	)
	return out
}

// LayerNorm normalizes each row of x in place.
func LayerNorm(x []float32, rows, dim int, ln *model.LayerNorm, eps float64) {
	for r := 0; r < rows; r++ {
		row := x[r*dim : (r+1)*dim]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)

		inv := 1 / math.Sqrt(variance+eps)
		for i, v := range row {
			row[i] = float32((float64(v)-mean)*inv)*ln.Weight[i] + ln.Bias[i]
		}
	}
}

// Softmax normalizes row in place. Entries of -Inf get probability zero.
func Softmax(row []float32) {
	maxVal := float32(math.Inf(-1))
	for _, v := range row {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range row {
		e := float32(math.Exp(float64(v - maxVal)))
		row[i] = e
		sum += e
	}
	for i := range row {
		row[i] /= sum
	}
}

// attention runs scaled dot-product attention for every head. q, k and v are
// [seq, hidden] with heads laid out side by side; maskBias holds 0 for
// attended keys and -Inf for masked ones.
func attention(q, k, v []float32, seq, hidden, heads int, maskBias []float32) []float32 {
	headDim := hidden / heads
	scale := float32(1 / math.Sqrt(float64(headDim)))

	ctx := make([]float32, seq*hidden)
	scores := make([]float32, seq*seq)
	sc := blas32.General{Rows: seq, Cols: seq, Stride: seq, Data: scores}

	for h := 0; h < heads; h++ {
		off := h * headDim
		qh := blas32.General{Rows: seq, Cols: headDim, Stride: hidden, Data: q[off:]}
		kh := blas32.General{Rows: seq, Cols: headDim, Stride: hidden, Data: k[off:]}
		vh := blas32.General{Rows: seq, Cols: headDim, Stride: hidden, Data: v[off:]}
		ch := blas32.General{Rows: seq, Cols: headDim, Stride: hidden, Data: ctx[off:]}

		blas32.Gemm(blas.NoTrans, blas.Trans, scale, qh, kh, 0, sc)
		for i := 0; i < seq; i++ {
			row := scores[i*seq : (i+1)*seq]
			for j := range row {
				row[j] += maskBias[j]
			}
			Softmax(row)
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, sc, vh, 0, ch)
	}
	return ctx
}

func addInPlace(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

func allFinite(x []float32) (int, bool) {
	for i, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i, false
		}
	}
	return 0, true
}
