package weights

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/raaihank/embedlib/internal/apperr"
)

func TestWriteAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	tensors := []*Tensor{
		{Name: "a.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Name: "a.bias", Shape: []int{3}, Data: []float32{-0.5, 0, 0.5}},
	}

	if err := WriteFile(path, tensors, map[string]string{"format": "pt"}); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}

	if f.Len() != 2 {
		t.Errorf("Expected 2 tensors, got %d", f.Len())
	}
	if diff := cmp.Diff([]string{"a.bias", "a.weight"}, f.Names()); diff != "" {
		t.Errorf("Names mismatch (-want +got):\n%s", diff)
	}
	if f.Metadata["format"] != "pt" {
		t.Errorf("Expected metadata format=pt, got %v", f.Metadata)
	}

	w, ok := f.Get("a.weight")
	if !ok {
		t.Fatal("Expected a.weight to be present")
	}
	if diff := cmp.Diff([]int{2, 3}, w.Shape); diff != "" {
		t.Errorf("Shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tensors[0].Data, w.Data); diff != "" {
		t.Errorf("Data mismatch (-want +got):\n%s", diff)
	}
	if w.DType != DTypeF32 {
		t.Errorf("Expected dtype F32, got %s", w.DType)
	}
}

func TestHalfPrecisionDecoding(t *testing.T) {
	values := []float32{0, 1, -2, 0.5, 3.25}

	for _, dtype := range []string{DTypeF16, DTypeBF16, DTypeF64} {
		t.Run(dtype, func(t *testing.T) {
			var buf bytes.Buffer
			err := Write(&buf, []*Tensor{{Name: "x", DType: dtype, Shape: []int{len(values)}, Data: values}}, nil)
			if err != nil {
				t.Fatalf("Failed to write: %v", err)
			}

			f, err := Parse(buf.Bytes())
			if err != nil {
				t.Fatalf("Failed to parse: %v", err)
			}
			x, _ := f.Get("x")
			if x.DType != dtype {
				t.Errorf("Expected dtype %s, got %s", dtype, x.DType)
			}
			// all values are exactly representable in every supported dtype
			if diff := cmp.Diff(values, x.Data, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("Data mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.safetensors"))
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestParseMalformed(t *testing.T) {
	header := func(h string, body int) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(len(h)))
		b = append(b, h...)
		return append(b, make([]byte, body)...)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"header length past end", func() []byte {
			b := make([]byte, 16)
			binary.LittleEndian.PutUint64(b, math.MaxUint32)
			return b
		}()},
		{"bad json", header("{not json", 0)},
		{"unsupported dtype", header(`{"x":{"dtype":"I8","shape":[2],"data_offsets":[0,2]}}`, 2)},
		{"offsets out of range", header(`{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, 4)},
		{"size mismatch", header(`{"x":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, 8)},
		{"negative dimension", header(`{"x":{"dtype":"F32","shape":[-1],"data_offsets":[0,0]}}`, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, apperr.ErrMalformed) {
				t.Errorf("Expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestWriteRejectsShapeMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, []*Tensor{{Name: "x", Shape: []int{2, 2}, Data: []float32{1, 2, 3}}}, nil)
	if err == nil {
		t.Fatal("Expected error for mismatched shape")
	}
}

func TestDataIsAligned(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, []*Tensor{{Name: "odd", Shape: []int{1}, Data: []float32{1}}}, nil); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	headerLen := binary.LittleEndian.Uint64(buf.Bytes()[:8])
	if headerLen%8 != 0 {
		t.Errorf("Expected header length to be a multiple of 8, got %d", headerLen)
	}
}
