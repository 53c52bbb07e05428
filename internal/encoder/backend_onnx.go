//go:build onnx
// +build onnx

package encoder

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/tokenizer"
)

// OnnxBackend runs an exported BERT graph through ONNX Runtime
// (via yalue/onnxruntime_go). The graph's first output must be
// last_hidden_state with shape [batch, seq, hidden].
type OnnxBackend struct {
	session    *ort.DynamicAdvancedSession
	inputNames []string
	outputName string
	hiddenSize int
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewONNXBackend initializes ONNX Runtime and opens a session for modelPath.
func NewONNXBackend(logger *zap.Logger, modelPath string, hiddenSize int) (Backend, error) {
	// Allow user to provide shared library path via environment variable.
	if shlib := os.Getenv("ONNXRUNTIME_SHARED_LIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	} else if shlib := os.Getenv("ORT_SHLIB"); shlib != "" {
		ort.SetSharedLibraryPath(shlib)
	}

	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, apperr.Wrap(apperr.ErrIO, err, "initialize onnx runtime")
		}
	}

	inputsInfo, outputsInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "inspect onnx model %q", modelPath)
	}

	preferred := []string{"input_ids", "attention_mask", "token_type_ids"}
	declared := map[string]string{}
	for _, ii := range inputsInfo {
		declared[strings.ToLower(ii.Name)] = ii.Name
	}
	var inputNames []string
	for _, name := range preferred {
		if raw, ok := declared[name]; ok {
			inputNames = append(inputNames, raw)
		}
	}
	if len(inputNames) == 0 {
		for _, ii := range inputsInfo {
			inputNames = append(inputNames, ii.Name)
		}
		sort.Strings(inputNames)
	}

	if len(outputsInfo) == 0 {
		return nil, apperr.Errorf(apperr.ErrMalformed, "onnx model %q reports no outputs", modelPath)
	}
	outputName := outputsInfo[0].Name

	sess, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "create onnx session for %q", modelPath)
	}

	logger.Info("ONNX Runtime backend ready",
		zap.String("model", modelPath),
		zap.Strings("inputs", inputNames),
		zap.String("output", outputName))

	return &OnnxBackend{
		session:    sess,
		inputNames: inputNames,
		outputName: outputName,
		hiddenSize: hiddenSize,
		logger:     logger,
	}, nil
}

// Name identifies the backend.
func (b *OnnxBackend) Name() string {
	return BackendONNX
}

// Close releases the session. The runtime environment stays initialized so a
// replacement backend can be created.
func (b *OnnxBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		err := b.session.Destroy()
		b.session = nil
		return err
	}
	return nil
}

// Forward runs a single sequence.
func (b *OnnxBackend) Forward(in *tokenizer.TokenizedInput) (*Hidden, error) {
	out, err := b.ForwardBatch([]*tokenizer.TokenizedInput{in})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// ForwardBatch runs one inference for equally padded sequences.
func (b *OnnxBackend) ForwardBatch(ins []*tokenizer.TokenizedInput) ([]*Hidden, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.session == nil {
		return nil, apperr.Errorf(apperr.ErrNotReady, "onnx backend closed")
	}

	batch := len(ins)
	if batch == 0 {
		return []*Hidden{}, nil
	}
	seqLen := len(ins[0].InputIDs)

	ids := make([]int64, 0, batch*seqLen)
	mask := make([]int64, 0, batch*seqLen)
	types := make([]int64, 0, batch*seqLen)
	for _, in := range ins {
		if len(in.InputIDs) != seqLen || len(in.AttentionMask) != seqLen {
			return nil, apperr.Errorf(apperr.ErrShapeMismatch, "batch sequences must share length %d", seqLen)
		}
		for i := 0; i < seqLen; i++ {
			ids = append(ids, int64(in.InputIDs[i]))
			mask = append(mask, int64(in.AttentionMask[i]))
			var t int64
			if in.TokenTypeIDs != nil {
				t = int64(in.TokenTypeIDs[i])
			}
			types = append(types, t)
		}
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	tensors := map[string][]int64{"input_ids": ids, "attention_mask": mask, "token_type_ids": types}

	inputs := make([]ort.Value, 0, len(b.inputNames))
	for _, name := range b.inputNames {
		data, ok := tensors[strings.ToLower(name)]
		if !ok {
			return nil, apperr.Errorf(apperr.ErrShapeMismatch, "onnx model input %q is not supported", name)
		}
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s tensor: %w", name, err)
		}
		defer t.Destroy()
		inputs = append(inputs, t)
	}

	outputs := make([]ort.Value, 1)
	if err := b.session.Run(inputs, outputs); err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, err, "onnx run")
	}
	if outputs[0] == nil {
		return nil, apperr.Errorf(apperr.ErrInternal, "onnx returned no outputs")
	}
	defer outputs[0].Destroy()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, apperr.Errorf(apperr.ErrShapeMismatch, "unexpected output type, want float32 tensor")
	}
	data := outTensor.GetData()
	outShape := outTensor.GetShape()
	if len(outShape) != 3 || int(outShape[0]) != batch || int(outShape[1]) != seqLen || int(outShape[2]) != b.hiddenSize {
		return nil, apperr.Errorf(apperr.ErrShapeMismatch, "unexpected output shape %v, want [%d %d %d]", outShape, batch, seqLen, b.hiddenSize)
	}

	res := make([]*Hidden, batch)
	stride := seqLen * b.hiddenSize
	for i := range res {
		buf := make([]float32, stride)
		copy(buf, data[i*stride:(i+1)*stride])
		if idx, ok := allFinite(buf); !ok {
			return nil, apperr.Errorf(apperr.ErrNumericFailure, "non-finite hidden state in sequence %d at %d", i, idx)
		}
		res[i] = &Hidden{Data: buf, SeqLen: seqLen, Dim: b.hiddenSize}
	}
	return res, nil
}
