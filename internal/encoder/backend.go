package encoder

import (
	"errors"

	"github.com/raaihank/embedlib/internal/tokenizer"
)

// ErrONNXUnavailable is returned by NewONNXBackend in builds without the onnx tag.
var ErrONNXUnavailable = errors.New("onnx backend not compiled in, build with -tags onnx")

// Backend defines a pluggable engine for the transformer stack.
// The native Encoder is always available; ONNX Runtime is provided in the
// build-tagged files backend_onnx.go and backend_stub.go.
type Backend interface {
	// Forward returns the final hidden state for one tokenized sequence.
	Forward(in *tokenizer.TokenizedInput) (*Hidden, error)
	// ForwardBatch runs equally padded sequences, one Hidden per input.
	ForwardBatch(ins []*tokenizer.TokenizedInput) ([]*Hidden, error)
	// Name identifies the backend in logs and stats.
	Name() string
	// Close releases any native resources.
	Close() error
}

// Backend names accepted by configuration.
const (
	BackendNative = "native"
	BackendONNX   = "onnx"
)

var _ Backend = (*Encoder)(nil)
