// Package capi marshals engine results into caller-owned buffers for the C
// ABI. It holds no cgo code itself; cmd/embedlib supplies a C allocator and
// converts C strings at the edge.
package capi

import (
	"errors"
	"unsafe"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/model"
)

// Result mirrors the C EmbeddingResult plus a stable error code. Exactly one
// of Embeddings and Error is set; the zero Result is valid input to Free.
type Result struct {
	Embeddings unsafe.Pointer
	Len        uintptr
	Error      unsafe.Pointer
	Code       int32
}

// Bridge connects one Engine to an Allocator.
type Bridge struct {
	engine   *engine.Engine
	alloc    Allocator
	registry *Registry
	defaults engine.Options
	logger   *zap.Logger
}

// NewBridge creates a bridge. defaults supply every option that the C
// signature of init_model does not carry.
func NewBridge(e *engine.Engine, alloc Allocator, defaults engine.Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		engine:   e,
		alloc:    alloc,
		registry: NewRegistry(),
		defaults: defaults,
		logger:   logger.With(zap.String("component", "capi")),
	}
}

// Engine returns the engine behind the bridge.
func (b *Bridge) Engine() *engine.Engine {
	return b.engine
}

// Registry returns the pointer registry.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// Init loads a model and reports success. The cause of a failure is logged.
func (b *Bridge) Init(paths model.Paths, approximateGELU bool) bool {
	return b.InitCode(paths, approximateGELU) == 0
}

// InitCode is Init returning the error code, 0 on success.
func (b *Bridge) InitCode(paths model.Paths, approximateGELU bool) (code int32) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered panic in init", zap.Any("panic", r))
			code = int32(apperr.ErrInternal.Code)
		}
	}()

	opts := b.defaults
	opts.ApproximateGELU = approximateGELU
	if err := b.engine.Init(paths, opts); err != nil {
		return int32(apperr.Code(err))
	}
	return 0
}

// Generate embeds text into an allocator-owned buffer. Errors are returned as
// an allocator-owned message, never as a Go panic.
func (b *Bridge) Generate(text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered panic in generate", zap.Any("panic", r))
			res = b.Fail(apperr.FromPanic(r))
		}
	}()

	emb, err := b.engine.Generate(text)
	if err != nil {
		return b.Fail(err)
	}
	defer emb.Release()

	values, err := emb.Values()
	if err != nil {
		return b.Fail(err)
	}
	p, buf := b.alloc.AllocFloats(len(values))
	if p == nil {
		return b.Fail(apperr.Errorf(apperr.ErrInternal, "allocation of %d floats failed", len(values)))
	}
	copy(buf, values)
	b.registry.Track(p, KindFloats)
	return Result{Embeddings: p, Len: uintptr(len(values))}
}

// Fail builds an error result for err.
func (b *Bridge) Fail(err error) Result {
	e := apperr.As(err)
	if e == nil {
		e = apperr.ErrInternal
	}
	p := b.alloc.AllocString(e.Error())
	b.registry.Track(p, KindString)
	return Result{Error: p, Code: int32(e.Code)}
}

// Free returns both buffers of r to the allocator. A pointer that is not live
// is left alone and reported as ErrReleased.
func (b *Bridge) Free(r Result) error {
	var errs []error
	if r.Embeddings != nil {
		errs = append(errs, b.free(r.Embeddings, KindFloats))
	}
	if r.Error != nil {
		errs = append(errs, b.free(r.Error, KindString))
	}
	return errors.Join(errs...)
}

func (b *Bridge) free(p unsafe.Pointer, kind Kind) error {
	if err := b.registry.Release(p, kind); err != nil {
		b.logger.Warn("Rejected free of unowned pointer", zap.Stringer("kind", kind), zap.Error(err))
		return err
	}
	b.alloc.Free(p)
	return nil
}
