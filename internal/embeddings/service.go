// Package embeddings is the service layer over the engine: request-scoped
// contexts, an optional cache, and batch fan-out.
package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/engine"
)

// Service generates embeddings through an engine, consulting the cache first.
type Service struct {
	engine *engine.Engine
	cache  cache.EmbeddingCache
	config Config
	logger *zap.Logger

	cacheHits, cacheMisses atomic.Int64
}

// NewService creates a service. c may be nil to disable caching.
func NewService(e *engine.Engine, c cache.EmbeddingCache, config Config, logger *zap.Logger) *Service {
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.CacheTimeout <= 0 {
		config.CacheTimeout = defaults.CacheTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		engine: e,
		cache:  c,
		config: config,
		logger: logger.With(zap.String("component", "embeddings")),
	}
}

// Engine returns the underlying engine.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

// GenerateEmbedding generates a single embedding
func (s *Service) GenerateEmbedding(ctx context.Context, text string) (*EmbeddingResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("embedding cancelled: %w", err)
	}
	start := time.Now()

	info := s.engine.Info()
	if !info.Ready {
		return nil, apperr.ErrNotReady
	}

	if v, ok := s.lookup(ctx, info.Fingerprint, text); ok {
		return &EmbeddingResult{
			Embedding: v,
			Duration:  time.Since(start),
			Model:     info.Fingerprint,
			CacheHit:  true,
		}, nil
	}

	emb, err := s.engine.Generate(text)
	if err != nil {
		return nil, err
	}
	defer emb.Release()
	v, err := emb.Copy()
	if err != nil {
		return nil, err
	}

	s.store(ctx, emb.Fingerprint(), []string{text}, [][]float32{v})

	return &EmbeddingResult{
		Embedding:  v,
		Duration:   time.Since(start),
		TokenCount: emb.TokenCount(),
		Truncated:  emb.Truncated(),
		Model:      emb.Fingerprint(),
	}, nil
}

// GenerateBatchEmbeddings embeds texts in chunks of Config.BatchSize on up
// to Config.Workers goroutines. A failing chunk does not fail the others.
func (s *Service) GenerateBatchEmbeddings(ctx context.Context, texts []string) (*BatchEmbeddingResult, error) {
	info := s.engine.Info()
	if !info.Ready {
		return nil, apperr.ErrNotReady
	}
	if s.config.MaxBatch > 0 && len(texts) > s.config.MaxBatch {
		return nil, apperr.Errorf(apperr.ErrInvalidInput, "batch of %d texts exceeds limit %d", len(texts), s.config.MaxBatch)
	}

	start := time.Now()
	result := &BatchEmbeddingResult{
		Embeddings: make([][]float32, len(texts)),
		Model:      info.Fingerprint,
	}
	if len(texts) == 0 {
		return result, nil
	}

	numChunks := (len(texts) + s.config.BatchSize - 1) / s.config.BatchSize
	chunkErrs := make([]error, numChunks)
	chunkHits := make([]int, numChunks)
	chunkTokens := make([]int, numChunks)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)
	for c := 0; c < numChunks; c++ {
		c := c
		lo := c * s.config.BatchSize
		hi := min(lo+s.config.BatchSize, len(texts))
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				chunkErrs[c] = fmt.Errorf("chunk at %d cancelled: %w", lo, err)
				return nil
			}
			hits, tokens, err := s.embedChunk(gctx, info.Fingerprint, texts[lo:hi], result.Embeddings[lo:hi])
			chunkHits[c], chunkTokens[c] = hits, tokens
			if err != nil {
				chunkErrs[c] = fmt.Errorf("chunk at %d: %w", lo, err)
				for i := lo; i < hi; i++ {
					result.Embeddings[i] = nil
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	for c, err := range chunkErrs {
		result.CacheHits += chunkHits[c]
		result.TokenCount += chunkTokens[c]
		if err != nil {
			result.Errors = append(result.Errors, err)
			s.logger.Error("Failed to process batch chunk", zap.Int("chunk", c), zap.Error(err))
		}
	}
	for _, v := range result.Embeddings {
		if v != nil {
			result.Successful++
		} else {
			result.Failed++
		}
	}
	result.Duration = time.Since(start)

	s.logger.Debug("Batch embedding generation completed",
		zap.Int("batch_size", len(texts)),
		zap.Int("successful", result.Successful),
		zap.Int("failed", result.Failed),
		zap.Int("cache_hits", result.CacheHits),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// embedChunk fills out from the cache, then embeds the misses as one batch.
// It returns the cache hits and the tokens encoded for the misses.
func (s *Service) embedChunk(ctx context.Context, fingerprint string, texts []string, out [][]float32) (int, int, error) {
	var (
		missIdx   []int
		missTexts []string
	)
	for i, text := range texts {
		if v, ok := s.lookup(ctx, fingerprint, text); ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	hits := len(texts) - len(missTexts)
	if len(missTexts) == 0 {
		return hits, 0, nil
	}

	batch, err := s.engine.EmbedBatchDetailed(missTexts)
	if err != nil {
		return hits, 0, err
	}
	for j, i := range missIdx {
		out[i] = batch.Vectors[j]
	}
	s.store(ctx, batch.Fingerprint, missTexts, batch.Vectors)
	return hits, batch.Tokens, nil
}

// Similarity embeds both texts and returns their cosine similarity.
func (s *Service) Similarity(ctx context.Context, a, b string) (float32, error) {
	res, err := s.GenerateBatchEmbeddings(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, res.Errors[0]
	}
	return s.ComputeSimilarity(res.Embeddings[0], res.Embeddings[1]), nil
}

// ComputeSimilarity computes cosine similarity between embeddings
func (s *Service) ComputeSimilarity(vec1, vec2 []float32) float32 {
	return CosineSimilarity(vec1, vec2)
}

// CosineSimilarity returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(vec1, vec2 []float32) float32 {
	if len(vec1) != len(vec2) || len(vec1) == 0 {
		return 0
	}
	var dot, n1, n2 float64
	for i := range vec1 {
		a, b := float64(vec1[i]), float64(vec2[i])
		dot += a * b
		n1 += a * a
		n2 += b * b
	}
	if n1 == 0 || n2 == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(n1) * math.Sqrt(n2)))
}

// GetStats returns model performance statistics
func (s *Service) GetStats() *ModelStats {
	stats := &ModelStats{
		Stats:       s.engine.Stats(),
		CacheHits:   s.cacheHits.Load(),
		CacheMisses: s.cacheMisses.Load(),
		Ready:       s.engine.Ready(),
	}
	if total := stats.CacheHits + stats.CacheMisses; total > 0 {
		stats.CacheHitRatio = float64(stats.CacheHits) / float64(total)
	}
	return stats
}

// HealthCheck tokenizes a sample text with the current model.
func (s *Service) HealthCheck(ctx context.Context) error {
	if !s.engine.Ready() {
		return apperr.ErrNotReady
	}
	if _, err := s.engine.Tokenize("health check"); err != nil {
		return fmt.Errorf("tokenizer health check failed: %w", err)
	}
	return nil
}

// Close releases the cache. The engine is owned by the caller.
func (s *Service) Close() error {
	s.logger.Info("Closing embedding service")
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, fingerprint, text string) ([]float32, bool) {
	if s.cache == nil || strings.TrimSpace(text) == "" {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()

	v, ok, err := s.cache.Get(ctx, fingerprint, text)
	if err != nil || !ok {
		s.cacheMisses.Add(1)
		return nil, false
	}
	s.cacheHits.Add(1)
	return v, true
}

// store caches vectors under the fingerprint of the instance that computed
// them, which may already have been replaced.
func (s *Service) store(ctx context.Context, fingerprint string, texts []string, vecs [][]float32) {
	if s.cache == nil || fingerprint == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.CacheTimeout)
	defer cancel()

	if err := s.cache.SetBatch(ctx, fingerprint, texts, vecs); err != nil {
		s.logger.Warn("Failed to cache embeddings", zap.Int("count", len(texts)), zap.Error(err))
	}
}
