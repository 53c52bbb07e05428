package encoder

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/testmodel"
	"github.com/raaihank/embedlib/internal/tokenizer"
)

func loadTestModel(t *testing.T, opts testmodel.Options, approximate bool) *model.Model {
	t.Helper()
	files, err := testmodel.Write(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("Failed to write test model: %v", err)
	}
	m, err := model.Load(model.Paths{Config: files.Config, Tokenizer: files.Tokenizer, Weights: files.Weights}, model.Options{ApproximateGELU: approximate})
	if err != nil {
		t.Fatalf("Failed to load test model: %v", err)
	}
	return m
}

func newTestEncoder(t *testing.T) (*Encoder, *model.Model) {
	t.Helper()
	m := loadTestModel(t, testmodel.DefaultOptions(), false)
	enc, err := New(m)
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}
	return enc, m
}

func TestGELU(t *testing.T) {
	x := []float32{0, 1, -1, 3}
	GELU(x)
	want := []float32{0, 0.8413447, -0.15865526, 2.9959502}
	if diff := cmp.Diff(want, x, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("GELU mismatch (-want +got):\n%s", diff)
	}

	y := []float32{0, 1}
	GELUTanh(y)
	if y[0] != 0 || math.Abs(float64(y[1])-0.8411920) > 1e-6 {
		t.Errorf("GELUTanh = %v", y)
	}
}

func TestGELUApproximationBound(t *testing.T) {
	for v := -6.0; v <= 6.0; v += 0.01 {
		a := []float32{float32(v)}
		b := []float32{float32(v)}
		GELU(a)
		GELUTanh(b)
		if d := math.Abs(float64(a[0] - b[0])); d > 1e-3 {
			t.Fatalf("GELU and GELUTanh differ by %g at %g", d, v)
		}
	}
}

func TestActivationFor(t *testing.T) {
	if _, err := ActivationFor(model.ActivationGELU); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ActivationFor(model.ActivationGELUTanh); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if _, err := ActivationFor("relu"); err == nil {
		t.Errorf("Expected error for unsupported activation")
	}
}

func TestLinear(t *testing.T) {
	l := &model.Linear{
		Weight: []float32{1, 2, 3, 4, 5, 6},
		Bias:   []float32{1, 0, -1},
		In:     2,
		Out:    3,
	}
	got := Linear([]float32{1, 1, 2, 0}, 2, l)
	want := []float32{4, 7, 10, 3, 6, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Linear mismatch (-want +got):\n%s", diff)
	}

	l.Bias = nil
	got = Linear([]float32{1, 1}, 1, l)
	if diff := cmp.Diff([]float32{3, 7, 11}, got); diff != "" {
		t.Errorf("Linear without bias mismatch (-want +got):\n%s", diff)
	}
}

func TestLayerNorm(t *testing.T) {
	x := []float32{1, 2, 3, 4, 10, 10, 10, 10}
	ln := &model.LayerNorm{Weight: []float32{1, 1, 1, 1}, Bias: []float32{0, 0, 0, 0.5}}
	LayerNorm(x, 2, 4, ln, 1e-12)

	s := float32(1 / math.Sqrt(1.25))
	want := []float32{-1.5 * s, -0.5 * s, 0.5 * s, 1.5*s + 0.5, 0, 0, 0, 0.5}
	if diff := cmp.Diff(want, x, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("LayerNorm mismatch (-want +got):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	row := []float32{1, 2, float32(math.Inf(-1)), 3}
	Softmax(row)

	var sum float32
	for _, v := range row {
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Errorf("Expected probabilities to sum to 1, got %g", sum)
	}
	if row[2] != 0 {
		t.Errorf("Expected masked entry to be 0, got %g", row[2])
	}
	if !(row[3] > row[1] && row[1] > row[0]) {
		t.Errorf("Expected order to be preserved, got %v", row)
	}
}

// naiveAttention is a direct loop implementation used to check the strided
// GEMM version.
func naiveAttention(q, k, v []float32, seq, hidden, heads int, mask []float32) []float32 {
	d := hidden / heads
	scale := 1 / math.Sqrt(float64(d))
	out := make([]float32, seq*hidden)
	for h := 0; h < heads; h++ {
		for i := 0; i < seq; i++ {
			scores := make([]float32, seq)
			for j := 0; j < seq; j++ {
				var dot float64
				for c := 0; c < d; c++ {
					dot += float64(q[i*hidden+h*d+c]) * float64(k[j*hidden+h*d+c])
				}
				scores[j] = float32(dot*scale) + mask[j]
			}
			Softmax(scores)
			for c := 0; c < d; c++ {
				var acc float64
				for j := 0; j < seq; j++ {
					acc += float64(scores[j]) * float64(v[j*hidden+h*d+c])
				}
				out[i*hidden+h*d+c] = float32(acc)
			}
		}
	}
	return out
}

func TestAttentionMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	seq, hidden, heads := 5, 12, 3
	rnd := func() []float32 {
		x := make([]float32, seq*hidden)
		for i := range x {
			x[i] = float32(rng.NormFloat64())
		}
		return x
	}
	q, k, v := rnd(), rnd(), rnd()
	mask := []float32{0, 0, 0, float32(math.Inf(-1)), 0}

	got := attention(q, k, v, seq, hidden, heads, mask)
	want := naiveAttention(q, k, v, seq, hidden, heads, mask)
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("attention mismatch (-want +got):\n%s", diff)
	}
}

func TestForward(t *testing.T) {
	enc, m := newTestEncoder(t)

	in, err := m.Tokenizer.Encode("the quick brown fox jumps over the lazy dog")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out, err := enc.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.SeqLen != in.Len() || out.Dim != m.Config.HiddenSize {
		t.Errorf("Unexpected hidden shape [%d %d]", out.SeqLen, out.Dim)
	}
	if len(out.Data) != out.SeqLen*out.Dim {
		t.Errorf("Hidden data has %d values", len(out.Data))
	}
	if len(out.Row(1)) != out.Dim {
		t.Errorf("Row has wrong width")
	}

	again, err := enc.Forward(in)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if diff := cmp.Diff(out.Data, again.Data); diff != "" {
		t.Errorf("Forward is not deterministic (-first +second):\n%s", diff)
	}
}

func TestForwardIgnoresPadding(t *testing.T) {
	enc, m := newTestEncoder(t)

	plain, _ := m.Tokenizer.Encode("hello world")
	padded, _ := m.Tokenizer.Encode("hello world")
	m.Tokenizer.Pad(padded, plain.Len()+5)

	a, err := enc.Forward(plain)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	b, err := enc.Forward(padded)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	prefix := b.Data[:plain.Len()*b.Dim]
	if diff := cmp.Diff(a.Data, prefix, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("Padding changed real positions (-plain +padded):\n%s", diff)
	}

	batch, err := enc.ForwardBatch([]*tokenizer.TokenizedInput{plain, padded})
	if err != nil {
		t.Fatalf("ForwardBatch failed: %v", err)
	}
	if len(batch) != 2 || batch[1].SeqLen != padded.Len() {
		t.Errorf("Unexpected batch output")
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	enc, m := newTestEncoder(t)
	ones := func(n int) []int32 {
		x := make([]int32, n)
		for i := range x {
			x[i] = 1
		}
		return x
	}

	tests := []struct {
		name string
		in   *tokenizer.TokenizedInput
	}{
		{"empty", &tokenizer.TokenizedInput{}},
		{"id out of range", &tokenizer.TokenizedInput{InputIDs: []int32{2, int32(m.Config.VocabSize), 3}, AttentionMask: ones(3)}},
		{"negative id", &tokenizer.TokenizedInput{InputIDs: []int32{-1}, AttentionMask: ones(1)}},
		{"mask length", &tokenizer.TokenizedInput{InputIDs: []int32{2, 3}, AttentionMask: ones(1)}},
		{"type out of range", &tokenizer.TokenizedInput{InputIDs: []int32{2, 3}, AttentionMask: ones(2), TokenTypeIDs: []int32{0, 5}}},
		{"too long", &tokenizer.TokenizedInput{InputIDs: make([]int32, m.Config.MaxPositionEmbeddings+1), AttentionMask: ones(m.Config.MaxPositionEmbeddings + 1)}},
		{"no active tokens", &tokenizer.TokenizedInput{InputIDs: []int32{2, 3}, AttentionMask: []int32{0, 0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Forward(tt.in)
			if !errors.Is(err, apperr.ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch, got %v", err)
			}
		})
	}
}

func TestForwardDetectsNonFinite(t *testing.T) {
	m := loadTestModel(t, testmodel.DefaultOptions(), false)
	m.Params.WordEmbeddings[5*m.Config.HiddenSize] = float32(math.NaN())

	enc, err := New(m)
	if err != nil {
		t.Fatalf("Failed to create encoder: %v", err)
	}

	in, _ := m.Tokenizer.Encode("the")
	_, err = enc.Forward(in)
	if !errors.Is(err, apperr.ErrNumericFailure) {
		t.Fatalf("Expected ErrNumericFailure, got %v", err)
	}
}

func TestApproximateActivationIsClose(t *testing.T) {
	exact, err := New(loadTestModel(t, testmodel.DefaultOptions(), false))
	if err != nil {
		t.Fatal(err)
	}
	m := loadTestModel(t, testmodel.DefaultOptions(), true)
	approx, err := New(m)
	if err != nil {
		t.Fatal(err)
	}

	in, _ := m.Tokenizer.Encode("hello world, this is a test")
	a, err := exact.Forward(in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := approx.Forward(in)
	if err != nil {
		t.Fatal(err)
	}

	var maxDiff float64
	for i := range a.Data {
		maxDiff = math.Max(maxDiff, math.Abs(float64(a.Data[i]-b.Data[i])))
	}
	if maxDiff == 0 {
		t.Errorf("Expected activations to produce different outputs")
	}
	if maxDiff > 0.05 {
		t.Errorf("Expected outputs within 0.05, max difference %g", maxDiff)
	}
}

func TestONNXBackendStub(t *testing.T) {
	b, err := NewONNXBackend(zap.NewNop(), "model.onnx", 16)
	if err == nil {
		// built with -tags onnx and a runtime present; nothing more to check here
		_ = b.Close()
		return
	}
	if b != nil {
		t.Errorf("Expected nil backend on error")
	}
}
