// Command embedlib builds the C shared library:
//
//	go build -buildmode=c-shared -o libembedlib.so ./cmd/embedlib
//
// Engine options that init_model does not carry (pooling, normalization,
// backend) come from EMBEDLIB_* environment variables, or from the YAML file
// named by EMBEDLIB_CONFIG. Diagnostics go to stderr at EMBEDLIB_LOG_LEVEL
// (default warn).
package main

/*
#define EMBEDLIB_TYPES_ONLY
#include <stdbool.h>
#include <stdint.h>
#include "embedlib.h"
*/
import "C"

import (
	"os"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/capi"
	"github.com/raaihank/embedlib/internal/config"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/logger"
	"github.com/raaihank/embedlib/internal/model"
)

var (
	loggerOnce sync.Once
	libLogger  *zap.Logger

	bridgeOnce   sync.Once
	sharedBridge *capi.Bridge
)

func libraryLogger() *zap.Logger {
	loggerOnce.Do(func() {
		level := os.Getenv("EMBEDLIB_LOG_LEVEL")
		if level == "" {
			level = "warn"
		}
		log, err := logger.New(logger.Config{Level: level, Format: "console", Output: "stderr"})
		if err != nil {
			libLogger = zap.NewNop()
			return
		}
		libLogger = log.Named("embedlib")
	})
	return libLogger
}

// engineDefaults resolves the options init_model leaves implicit.
func engineDefaults(log *zap.Logger) engine.Options {
	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("EMBEDLIB_CONFIG"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadEnv()
	}
	if err != nil {
		log.Warn("Falling back to default engine options", zap.Error(err))
		cfg = config.GetDefaults()
	}
	return cfg.Model.EngineOptions()
}

func newBridge() *capi.Bridge {
	log := libraryLogger()
	return capi.NewBridge(engine.New(log), cAllocator{}, engineDefaults(log), log)
}

func defaultBridge() *capi.Bridge {
	bridgeOnce.Do(func() {
		sharedBridge = newBridge()
	})
	return sharedBridge
}

func goPaths(configPath, tokenizerPath, weightsPath *C.char) (model.Paths, bool) {
	if configPath == nil || tokenizerPath == nil || weightsPath == nil {
		return model.Paths{}, false
	}
	return model.Paths{
		Config:    C.GoString(configPath),
		Tokenizer: C.GoString(tokenizerPath),
		Weights:   C.GoString(weightsPath),
	}, true
}

func toC(r capi.Result) C.EmbeddingResult {
	return C.EmbeddingResult{
		embeddings: (*C.float)(r.Embeddings),
		len:        C.uintptr_t(r.Len),
		error:      (*C.char)(r.Error),
	}
}

func toCEx(r capi.Result) C.EmbeddingResultEx {
	return C.EmbeddingResultEx{
		embeddings: (*C.float)(r.Embeddings),
		len:        C.uintptr_t(r.Len),
		error:      (*C.char)(r.Error),
		code:       C.int32_t(r.Code),
	}
}

func fromC(r C.EmbeddingResult) capi.Result {
	return capi.Result{
		Embeddings: unsafe.Pointer(r.embeddings),
		Len:        uintptr(r.len),
		Error:      unsafe.Pointer(r.error),
	}
}

func fromCEx(r C.EmbeddingResultEx) capi.Result {
	return capi.Result{
		Embeddings: unsafe.Pointer(r.embeddings),
		Len:        uintptr(r.len),
		Error:      unsafe.Pointer(r.error),
		Code:       int32(r.code),
	}
}

func generate(b *capi.Bridge, text *C.char) capi.Result {
	if text == nil {
		return b.Fail(apperr.Errorf(apperr.ErrInvalidInput, "text is NULL"))
	}
	return b.Generate(C.GoString(text))
}

//export init_model
func init_model(configPath, tokenizerPath, weightsPath *C.char, approximateGELU C.bool) C.bool {
	paths, ok := goPaths(configPath, tokenizerPath, weightsPath)
	if !ok {
		libraryLogger().Error("init_model called with a NULL path")
		return false
	}
	return C.bool(defaultBridge().Init(paths, bool(approximateGELU)))
}

//export generate_embeddings
func generate_embeddings(text *C.char) C.EmbeddingResult {
	return toC(generate(defaultBridge(), text))
}

//export free_embeddings
func free_embeddings(result C.EmbeddingResult) {
	_ = defaultBridge().Free(fromC(result))
}

//export generate_embeddings_ex
func generate_embeddings_ex(text *C.char) C.EmbeddingResultEx {
	return toCEx(generate(defaultBridge(), text))
}

//export free_embeddings_ex
func free_embeddings_ex(result C.EmbeddingResultEx) {
	_ = defaultBridge().Free(fromCEx(result))
}

func main() {}
