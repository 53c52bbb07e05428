package main

/*
#define EMBEDLIB_TYPES_ONLY
#include <stdbool.h>
#include <stdint.h>
#include "embedlib.h"
*/
import "C"

import (
	"runtime/cgo"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/capi"
)

// lookup resolves a handle from C. cgo.Handle.Value panics on a handle that
// was never issued or was already deleted.
func lookup(h C.uintptr_t) (b *capi.Bridge, err error) {
	if h == 0 {
		return nil, apperr.Errorf(apperr.ErrInvalidInput, "engine handle is 0")
	}
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, apperr.Errorf(apperr.ErrReleased, "engine handle %d is not live", uintptr(h))
		}
	}()
	b, ok := cgo.Handle(h).Value().(*capi.Bridge)
	if !ok {
		return nil, apperr.Errorf(apperr.ErrInvalidInput, "handle %d is not an engine", uintptr(h))
	}
	return b, nil
}

//export embedlib_engine_new
func embedlib_engine_new() C.uintptr_t {
	return C.uintptr_t(cgo.NewHandle(newBridge()))
}

//export embedlib_engine_init
func embedlib_engine_init(h C.uintptr_t, configPath, tokenizerPath, weightsPath *C.char, approximateGELU C.bool) C.int32_t {
	b, err := lookup(h)
	if err != nil {
		libraryLogger().Error("embedlib_engine_init failed", zap.Error(err))
		return C.int32_t(apperr.Code(err))
	}
	paths, ok := goPaths(configPath, tokenizerPath, weightsPath)
	if !ok {
		return C.int32_t(apperr.ErrInvalidInput.Code)
	}
	return C.int32_t(b.InitCode(paths, bool(approximateGELU)))
}

//export embedlib_engine_generate
func embedlib_engine_generate(h C.uintptr_t, text *C.char) C.EmbeddingResultEx {
	b, err := lookup(h)
	if err != nil {
		return toCEx(defaultBridge().Fail(err))
	}
	return toCEx(generate(b, text))
}

// embedlib_engine_free_result falls back to the shared bridge when h is
// stale, so an error produced by lookup can still be released.
//
//export embedlib_engine_free_result
func embedlib_engine_free_result(h C.uintptr_t, result C.EmbeddingResultEx) {
	b, err := lookup(h)
	if err != nil {
		b = defaultBridge()
	}
	_ = b.Free(fromCEx(result))
}

//export embedlib_engine_free
func embedlib_engine_free(h C.uintptr_t) {
	b, err := lookup(h)
	if err != nil {
		libraryLogger().Warn("embedlib_engine_free ignored", zap.Error(err))
		return
	}
	if err := b.Engine().Close(); err != nil {
		libraryLogger().Warn("Engine close failed", zap.Error(err))
	}
	cgo.Handle(h).Delete()
}
