//go:build !onnx
// +build !onnx

package encoder

import (
	"go.uber.org/zap"
)

// NewONNXBackend is unavailable when the 'onnx' build tag is not set.
func NewONNXBackend(logger *zap.Logger, modelPath string, hiddenSize int) (Backend, error) {
	return nil, ErrONNXUnavailable
}
