// Package engine owns the loaded model and serves embedding requests.
//
// An Engine holds at most one instance (tokenizer, encoder backend, pooler).
// Requests share a read lock for their whole pipeline; Init loads the new
// instance without holding the lock and only takes the write lock to swap
// the pointer, so a request never observes a half-replaced instance.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/encoder"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/pooling"
	"github.com/raaihank/embedlib/internal/tokenizer"
)

// Options control how Init builds an instance.
type Options struct {
	ApproximateGELU bool
	Pooling         pooling.Strategy
	Normalize       bool
	Backend         string // encoder.BackendNative (default) or encoder.BackendONNX
	ONNXModelPath   string
}

// Info describes the current instance.
type Info struct {
	Ready             bool          `json:"ready"`
	Generation        uint64        `json:"generation"`
	Fingerprint       string        `json:"fingerprint,omitempty"`
	Backend           string        `json:"backend,omitempty"`
	Paths             model.Paths   `json:"paths"`
	ModelType         string        `json:"model_type,omitempty"`
	HiddenSize        int           `json:"hidden_size,omitempty"`
	OutputDim         int           `json:"output_dim,omitempty"`
	Layers            int           `json:"layers,omitempty"`
	Heads             int           `json:"heads,omitempty"`
	MaxSequenceLength int           `json:"max_sequence_length,omitempty"`
	VocabSize         int           `json:"vocab_size,omitempty"`
	Parameters        int           `json:"parameters,omitempty"`
	Activation        string        `json:"activation,omitempty"`
	Pooling           string        `json:"pooling,omitempty"`
	Normalize         bool          `json:"normalize"`
	LoadedAt          time.Time     `json:"loaded_at"`
	LoadTime          time.Duration `json:"load_time"`
}

// EventType names an engine lifecycle event.
type EventType string

// Engine events
const (
	EventModelLoaded     EventType = "model_loaded"
	EventModelLoadFailed EventType = "model_load_failed"
	EventClosed          EventType = "engine_closed"
)

// Event is delivered synchronously to listeners after Init or Close.
type Event struct {
	Type  EventType `json:"type"`
	Info  Info      `json:"info"`
	Error error     `json:"-"`
}

// Listener receives engine events. It must not call Init or Close.
type Listener func(Event)

type instance struct {
	model       *model.Model
	backend     encoder.Backend
	pooler      *pooling.Pooler
	opts        Options
	generation  uint64
	fingerprint string
	loadedAt    time.Time
}

// Engine is an injectable embedding engine handle. The zero value is not
// usable; call New.
type Engine struct {
	mu      sync.RWMutex
	current *instance

	initMu     sync.Mutex
	generation atomic.Uint64

	listenersMu sync.RWMutex
	listeners   []Listener

	stats  *statsCollector
	logger *zap.Logger
}

// New creates an uninitialized engine.
func New(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		stats:  newStatsCollector(),
		logger: logger.With(zap.String("component", "engine")),
	}
}

// AddListener registers fn for lifecycle events.
func (e *Engine) AddListener(fn Listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) emit(ev Event) {
	e.listenersMu.RLock()
	listeners := append([]Listener(nil), e.listeners...)
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// Init loads the artifacts and installs them as the current instance. On
// failure the previous instance, if any, stays in service. Concurrent calls
// are serialized.
func (e *Engine) Init(paths model.Paths, opts Options) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	start := time.Now()
	inst, err := e.load(paths, opts)
	if err != nil {
		e.stats.recordLoad(0, 0, err)
		e.logger.Error("Model initialization failed",
			zap.String("config", paths.Config),
			zap.String("tokenizer", paths.Tokenizer),
			zap.String("weights", paths.Weights),
			zap.String("error_type", apperr.TypeOf(err)),
			zap.Error(err))
		e.emit(Event{Type: EventModelLoadFailed, Info: e.Info(), Error: err})
		return err
	}

	e.mu.Lock()
	old := e.current
	e.current = inst
	e.mu.Unlock()

	if old != nil {
		if err := old.backend.Close(); err != nil {
			e.logger.Warn("Failed to close replaced backend", zap.Error(err))
		}
	}

	e.stats.recordLoad(inst.generation, time.Since(start), nil)
	info := inst.info()
	e.logger.Info("Model initialized",
		zap.Uint64("generation", inst.generation),
		zap.String("backend", inst.backend.Name()),
		zap.Int("hidden_size", info.HiddenSize),
		zap.Int("output_dim", info.OutputDim),
		zap.Int("layers", info.Layers),
		zap.String("activation", info.Activation),
		zap.Bool("replaced", old != nil),
		zap.Duration("load_time", time.Since(start)))
	e.emit(Event{Type: EventModelLoaded, Info: info})
	return nil
}

func (e *Engine) load(paths model.Paths, opts Options) (inst *instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic during model load", zap.Any("panic", r), zap.Stack("stack"))
			inst, err = nil, apperr.FromPanic(r)
		}
	}()

	strategy, err := pooling.ParseStrategy(string(opts.Pooling))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrMalformed, err, "options")
	}

	if opts.Backend == encoder.BackendONNX && opts.ApproximateGELU {
		return nil, apperr.Errorf(apperr.ErrInvalidInput, "approximate_gelu cannot be applied to the onnx backend; the graph fixes its activation")
	}

	m, err := model.Load(paths, model.Options{ApproximateGELU: opts.ApproximateGELU})
	if err != nil {
		return nil, err
	}

	var backend encoder.Backend
	switch opts.Backend {
	case "", encoder.BackendNative:
		backend, err = encoder.New(m)
	case encoder.BackendONNX:
		backend, err = encoder.NewONNXBackend(e.logger, opts.ONNXModelPath, m.Config.HiddenSize)
		if err != nil {
			err = apperr.Wrap(apperr.ErrIO, err, "onnx backend")
		}
	default:
		err = apperr.Errorf(apperr.ErrMalformed, "unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	opts.Pooling = strategy
	return &instance{
		model:       m,
		backend:     backend,
		pooler:      pooling.New(strategy, opts.Normalize, m.Params.Projection),
		opts:        opts,
		generation:  e.generation.Add(1),
		fingerprint: fingerprint(paths, opts),
		loadedAt:    time.Now(),
	}, nil
}

// fingerprint identifies the artifacts and options of an instance, so caches
// keyed by it never serve vectors from a replaced model.
func fingerprint(paths model.Paths, opts Options) string {
	h := sha256.New()
	for _, p := range []string{paths.Config, paths.Tokenizer, paths.Weights} {
		fmt.Fprintf(h, "%s\x00", p)
		if fi, err := os.Stat(p); err == nil {
			fmt.Fprintf(h, "%d:%d\x00", fi.Size(), fi.ModTime().UnixNano())
		}
	}
	fmt.Fprintf(h, "%t:%s:%t:%s", opts.ApproximateGELU, opts.Pooling, opts.Normalize, opts.Backend)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Ready reports whether an instance is installed.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current != nil
}

// Generate embeds text. Every failure, including a panic inside the
// pipeline, is returned as an *apperr.Error.
func (e *Engine) Generate(text string) (emb *Embedding, err error) {
	start := time.Now()
	tokens, truncated := 0, 0
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic during embedding generation", zap.Any("panic", r), zap.Stack("stack"))
			emb, err = nil, apperr.FromPanic(r)
		}
		e.stats.recordRequest(1, tokens, truncated, time.Since(start), err)
	}()

	e.mu.RLock()
	defer e.mu.RUnlock()

	inst := e.current
	if inst == nil {
		return nil, apperr.ErrNotReady
	}

	in, err := inst.model.Tokenizer.Encode(text)
	if err != nil {
		return nil, err
	}
	tokens = in.Length
	if in.Truncated {
		truncated = 1
		e.logger.Debug("Input truncated", zap.Int("max_length", inst.model.Tokenizer.MaxLength()))
	}

	vec, err := inst.run(in)
	if err != nil {
		return nil, err
	}
	return newEmbedding(vec, in.Length, in.Truncated, inst.fingerprint), nil
}

// Embed is Generate returning a caller-owned slice.
func (e *Engine) Embed(text string) ([]float32, error) {
	emb, err := e.Generate(text)
	if err != nil {
		return nil, err
	}
	return emb.Values()
}

// Batch is the result of EmbedBatchDetailed.
type Batch struct {
	Vectors     [][]float32
	Tokens      int    // tokens across all texts
	Fingerprint string // instance that computed Vectors
}

// EmbedBatch embeds several texts as one padded batch. Results are in input
// order; any failure fails the whole batch.
func (e *Engine) EmbedBatch(texts []string) ([][]float32, error) {
	b, err := e.EmbedBatchDetailed(texts)
	if err != nil {
		return nil, err
	}
	return b.Vectors, nil
}

// EmbedBatchDetailed is EmbedBatch that also reports token usage and the
// fingerprint of the instance that served the batch.
func (e *Engine) EmbedBatchDetailed(texts []string) (out *Batch, err error) {
	start := time.Now()
	tokens, truncated := 0, 0
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic during batch generation", zap.Any("panic", r), zap.Stack("stack"))
			out, err = nil, apperr.FromPanic(r)
		}
		if len(texts) > 0 {
			e.stats.recordRequest(len(texts), tokens, truncated, time.Since(start), err)
		}
	}()

	e.mu.RLock()
	defer e.mu.RUnlock()

	inst := e.current
	if inst == nil {
		return nil, apperr.ErrNotReady
	}
	if len(texts) == 0 {
		return &Batch{Vectors: [][]float32{}, Fingerprint: inst.fingerprint}, nil
	}

	batch, err := inst.model.Tokenizer.EncodeBatch(texts)
	if err != nil {
		return nil, err
	}
	hidden, err := inst.backend.ForwardBatch(batch)
	if err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(batch))
	for i, in := range batch {
		tokens += in.Length
		if in.Truncated {
			truncated++
		}
		if vecs[i], err = inst.pooler.Pool(hidden[i], in.AttentionMask); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
	}
	return &Batch{Vectors: vecs, Tokens: tokens, Fingerprint: inst.fingerprint}, nil
}

// Tokenize encodes text with the current tokenizer.
func (e *Engine) Tokenize(text string) (*tokenizer.TokenizedInput, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil, apperr.ErrNotReady
	}
	return e.current.model.Tokenizer.Encode(text)
}

// Dimension returns the embedding length of the current instance.
func (e *Engine) Dimension() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return 0, apperr.ErrNotReady
	}
	return e.current.outputDim(), nil
}

// Info describes the current instance.
func (e *Engine) Info() Info {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return Info{Generation: e.generation.Load()}
	}
	return e.current.info()
}

// Stats returns a copy of the request statistics.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Close drops the current instance. The engine can be initialized again.
func (e *Engine) Close() error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	e.mu.Lock()
	old := e.current
	e.current = nil
	e.mu.Unlock()

	if old == nil {
		return nil
	}
	e.emit(Event{Type: EventClosed, Info: Info{Generation: old.generation}})
	return old.backend.Close()
}

func (inst *instance) run(in *tokenizer.TokenizedInput) ([]float32, error) {
	hidden, err := inst.backend.Forward(in)
	if err != nil {
		return nil, err
	}
	return inst.pooler.Pool(hidden, in.AttentionMask)
}

func (inst *instance) outputDim() int {
	return inst.pooler.OutputDim(inst.model.Config.HiddenSize)
}

func (inst *instance) info() Info {
	cfg := inst.model.Config
	return Info{
		Ready:             true,
		Generation:        inst.generation,
		Fingerprint:       inst.fingerprint,
		Backend:           inst.backend.Name(),
		Paths:             inst.model.Paths,
		ModelType:         cfg.ModelType,
		HiddenSize:        cfg.HiddenSize,
		OutputDim:         inst.outputDim(),
		Layers:            cfg.NumHiddenLayers,
		Heads:             cfg.NumAttentionHeads,
		MaxSequenceLength: inst.model.Tokenizer.MaxLength(),
		VocabSize:         cfg.VocabSize,
		Parameters:        inst.model.Params.NumParameters(),
		Activation:        string(cfg.Activation),
		Pooling:           string(inst.pooler.Strategy()),
		Normalize:         inst.pooler.Normalize(),
		LoadedAt:          inst.loadedAt,
		LoadTime:          inst.model.LoadTime,
	}
}
