// Package weights reads and writes tensors in the safetensors format: an
// 8-byte little-endian header length, a JSON header describing every tensor,
// then the raw tensor bytes.
package weights

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"sort"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/raaihank/embedlib/internal/apperr"
)

// Supported dtypes
const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeF64  = "F64"
)

const (
	metadataKey = "__metadata__"
	// upper bound on the JSON header, checked before allocating
	maxHeaderSize = 100 << 20
)

// Tensor is a named tensor decoded to float32.
type Tensor struct {
	Name  string
	DType string // dtype as stored on disk
	Shape []int
	Data  []float32
}

// NumElements returns the product of the shape.
func (t *Tensor) NumElements() int {
	return numElements(t.Shape)
}

// File is a parsed safetensors file.
type File struct {
	Metadata map[string]string
	tensors  map[string]*Tensor
}

// Get returns the tensor with the given name.
func (f *File) Get(name string) (*Tensor, bool) {
	t, ok := f.tensors[name]
	return t, ok
}

// Names returns all tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.tensors))
	for name := range f.tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of tensors.
func (f *File) Len() int {
	return len(f.tensors)
}

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Open reads and parses a safetensors file. A missing file is reported as
// apperr.ErrNotFound, any other read failure as apperr.ErrIO and a corrupt
// file as apperr.ErrMalformed.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.ErrNotFound, err, "weights file %q", path)
		}
		return nil, apperr.Wrap(apperr.ErrIO, err, "read weights file %q", path)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("weights file %q: %w", path, err)
	}
	return f, nil
}

// Parse decodes a safetensors image held in memory.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, apperr.Errorf(apperr.ErrMalformed, "file too short for safetensors header (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, apperr.Errorf(apperr.ErrMalformed, "invalid header length %d", headerLen)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "decode safetensors header")
	}

	body := data[8+headerLen:]
	f := &File{
		Metadata: map[string]string{},
		tensors:  make(map[string]*Tensor, len(raw)),
	}

	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &f.Metadata); err != nil {
				return nil, apperr.Wrap(apperr.ErrMalformed, err, "decode metadata")
			}
			continue
		}

		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, apperr.Wrap(apperr.ErrMalformed, err, "decode header entry %q", name)
		}

		t, err := decodeTensor(name, entry, body)
		if err != nil {
			return nil, err
		}
		f.tensors[name] = t
	}

	return f, nil
}

func decodeTensor(name string, entry headerEntry, body []byte) (*Tensor, error) {
	size, err := elementSize(entry.DType)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "tensor %q", name)
	}

	for _, d := range entry.Shape {
		if d < 0 {
			return nil, apperr.Errorf(apperr.ErrMalformed, "tensor %q has negative dimension in shape %v", name, entry.Shape)
		}
	}

	begin, end := entry.DataOffsets[0], entry.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return nil, apperr.Errorf(apperr.ErrMalformed, "tensor %q has offsets [%d, %d) outside data of %d bytes", name, begin, end, len(body))
	}

	n := numElements(entry.Shape)
	if want := int64(n) * int64(size); end-begin != want {
		return nil, apperr.Errorf(apperr.ErrMalformed, "tensor %q holds %d bytes, shape %v of %s needs %d", name, end-begin, entry.Shape, entry.DType, want)
	}

	values, err := decode(entry.DType, body[begin:end])
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "tensor %q", name)
	}

	return &Tensor{
		Name:  name,
		DType: entry.DType,
		Shape: append([]int(nil), entry.Shape...),
		Data:  values,
	}, nil
}

func elementSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	case DTypeF64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decode(dtype string, b []byte) ([]float32, error) {
	switch dtype {
	case DTypeF32:
		out := make([]float32, len(b)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case DTypeF16:
		out := make([]float32, len(b)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(b), nil
	case DTypeF64:
		out := make([]float32, len(b)/8)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:])))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func encode(dtype string, values []float32) ([]byte, error) {
	switch dtype {
	case DTypeF32, "":
		out := make([]byte, len(values)*4)
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out, nil
	case DTypeF16:
		out := make([]byte, len(values)*2)
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out, nil
	case DTypeBF16:
		return bfloat16.EncodeFloat32(values), nil
	case DTypeF64:
		out := make([]byte, len(values)*8)
		for i, v := range values {
			binary.LittleEndian.PutUint64(out[i*8:], math.Float64bits(float64(v)))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

// Write serializes tensors in the given order. Each tensor is stored in its
// DType (F32 when empty).
func Write(w io.Writer, tensors []*Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var body bytes.Buffer
	for _, t := range tensors {
		if n := numElements(t.Shape); n != len(t.Data) {
			return fmt.Errorf("tensor %q: shape %v needs %d values, got %d", t.Name, t.Shape, n, len(t.Data))
		}
		dtype := t.DType
		if dtype == "" {
			dtype = DTypeF32
		}
		b, err := encode(dtype, t.Data)
		if err != nil {
			return fmt.Errorf("tensor %q: %w", t.Name, err)
		}

		begin := int64(body.Len())
		body.Write(b)
		header[t.Name] = headerEntry{
			DType:       dtype,
			Shape:       t.Shape,
			DataOffsets: [2]int64{begin, int64(body.Len())},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// pad the header so tensor data starts 8-byte aligned
	for len(hdr)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

// WriteFile writes tensors to path.
func WriteFile(path string, tensors []*Tensor, metadata map[string]string) error {
	var buf bytes.Buffer
	if err := Write(&buf, tensors, metadata); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
