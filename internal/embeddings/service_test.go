package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/raaihank/embedlib/internal/apperr"
	"github.com/raaihank/embedlib/internal/cache"
	"github.com/raaihank/embedlib/internal/engine"
	"github.com/raaihank/embedlib/internal/model"
	"github.com/raaihank/embedlib/internal/testmodel"
)

// memoryCache is an in-process cache.EmbeddingCache for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]float32
	sets    int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]float32{}}
}

func (m *memoryCache) key(fp, text string) string { return fp + "\x00" + text }

func (m *memoryCache) Get(_ context.Context, fp, text string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[m.key(fp, text)]
	return v, ok, nil
}

func (m *memoryCache) Set(_ context.Context, fp, text string, v []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.key(fp, text)] = v
	m.sets++
	return nil
}

func (m *memoryCache) SetBatch(ctx context.Context, fp string, texts []string, vs [][]float32) error {
	for i := range texts {
		m.Set(ctx, fp, texts[i], vs[i])
	}
	return nil
}

func (m *memoryCache) Delete(_ context.Context, fp, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, m.key(fp, text))
	return nil
}

func (m *memoryCache) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string][]float32{}
	return nil
}

func (m *memoryCache) GetStats(context.Context) (*cache.CacheStats, error) {
	return &cache.CacheStats{TotalKeys: int64(len(m.entries))}, nil
}

func (m *memoryCache) Close() error { return nil }

func newTestService(t *testing.T, c cache.EmbeddingCache, config Config) *Service {
	t.Helper()
	files, err := testmodel.Write(t.TempDir(), testmodel.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to write test model: %v", err)
	}
	e := engine.New(zap.NewNop())
	paths := model.Paths{Config: files.Config, Tokenizer: files.Tokenizer, Weights: files.Weights}
	if err := e.Init(paths, engine.Options{Normalize: true}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return NewService(e, c, config, zap.NewNop())
}

func TestGenerateEmbedding(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()

	res, err := svc.GenerateEmbedding(ctx, "hello world")
	if err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}
	if len(res.Embedding) != 16 || res.TokenCount != 4 || res.CacheHit {
		t.Errorf("Unexpected result: %+v", res)
	}
	if res.Model == "" {
		t.Errorf("Expected model fingerprint in result")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := svc.GenerateEmbedding(cancelled, "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestGenerateEmbeddingNotReady(t *testing.T) {
	svc := NewService(engine.New(zap.NewNop()), nil, Config{}, zap.NewNop())

	if _, err := svc.GenerateEmbedding(context.Background(), "hello"); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
	if _, err := svc.GenerateBatchEmbeddings(context.Background(), []string{"hello"}); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected ErrNotReady from batch, got %v", err)
	}
	if err := svc.HealthCheck(context.Background()); !errors.Is(err, apperr.ErrNotReady) {
		t.Errorf("Expected ErrNotReady from health check, got %v", err)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	mc := newMemoryCache()
	svc := newTestService(t, mc, Config{})
	ctx := context.Background()

	first, err := svc.GenerateEmbedding(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}
	second, err := svc.GenerateEmbedding(ctx, "the quick brown fox")
	if err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}
	if first.CacheHit || !second.CacheHit {
		t.Errorf("Expected miss then hit, got %v then %v", first.CacheHit, second.CacheHit)
	}
	if diff := cmp.Diff(first.Embedding, second.Embedding); diff != "" {
		t.Errorf("Cached embedding differs (-computed +cached):\n%s", diff)
	}

	stats := svc.GetStats()
	if stats.CacheHits != 1 || stats.CacheMisses != 1 || stats.CacheHitRatio != 0.5 {
		t.Errorf("Unexpected cache stats: %+v", stats)
	}
	if !stats.Ready || stats.SuccessfulRuns != 1 {
		t.Errorf("Expected one engine run, got %+v", stats.Stats)
	}
}

func TestBatchEmbeddings(t *testing.T) {
	mc := newMemoryCache()
	svc := newTestService(t, mc, Config{BatchSize: 2, Workers: 3})
	ctx := context.Background()

	texts := []string{"hello", "world", "the lazy dog", "fox", "embedding model test"}
	if _, err := svc.GenerateEmbedding(ctx, "world"); err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}

	res, err := svc.GenerateBatchEmbeddings(ctx, texts)
	if err != nil {
		t.Fatalf("GenerateBatchEmbeddings failed: %v", err)
	}
	if res.Successful != len(texts) || res.Failed != 0 || len(res.Errors) != 0 {
		t.Fatalf("Unexpected batch result: %+v", res)
	}
	if res.CacheHits != 1 {
		t.Errorf("Expected 1 cache hit, got %d", res.CacheHits)
	}

	for i, text := range texts {
		single, err := svc.Engine().Embed(text)
		if err != nil {
			t.Fatalf("Embed failed: %v", err)
		}
		if diff := cmp.Diff(single, res.Embeddings[i], cmpopts.EquateApprox(0, 1e-4)); diff != "" {
			t.Errorf("Embedding %d out of order or wrong (-single +batch):\n%s", i, diff)
		}
	}

	empty, err := svc.GenerateBatchEmbeddings(ctx, nil)
	if err != nil || len(empty.Embeddings) != 0 {
		t.Errorf("Expected empty batch result, got %+v, %v", empty, err)
	}
}

func TestBatchPartialFailure(t *testing.T) {
	svc := newTestService(t, nil, Config{BatchSize: 2})

	res, err := svc.GenerateBatchEmbeddings(context.Background(), []string{"hello", "world", "bad \xff", "fox"})
	if err != nil {
		t.Fatalf("GenerateBatchEmbeddings failed: %v", err)
	}
	if res.Successful != 2 || res.Failed != 2 || len(res.Errors) != 1 {
		t.Fatalf("Expected the second chunk to fail, got %+v", res)
	}
	if res.Embeddings[0] == nil || res.Embeddings[1] == nil || res.Embeddings[2] != nil || res.Embeddings[3] != nil {
		t.Errorf("Unexpected nil pattern in %v", res.Embeddings)
	}
	if !errors.Is(res.Errors[0], apperr.ErrInvalidEncoding) {
		t.Errorf("Expected ErrInvalidEncoding, got %v", res.Errors[0])
	}
}

func TestBatchLimit(t *testing.T) {
	svc := newTestService(t, nil, Config{MaxBatch: 2})

	_, err := svc.GenerateBatchEmbeddings(context.Background(), []string{"a", "b", "c"})
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput, got %v", err)
	}
}

func TestSimilarity(t *testing.T) {
	svc := newTestService(t, nil, Config{})
	ctx := context.Background()

	same, err := svc.Similarity(ctx, "hello world", "hello world")
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if math.Abs(float64(same)-1) > 1e-5 {
		t.Errorf("Expected similarity 1 for identical texts, got %v", same)
	}

	diff, err := svc.Similarity(ctx, "hello world", "the lazy dog")
	if err != nil {
		t.Fatalf("Similarity failed: %v", err)
	}
	if diff >= same {
		t.Errorf("Expected different texts to be less similar: %v >= %v", diff, same)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float32
	}{
		{[]float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{[]float32{1, 0, 0}, []float32{0, 1, 0}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{[]float32{1, 2}, []float32{1}, 0},
		{[]float32{0, 0}, []float32{1, 0}, 0},
		{nil, nil, 0},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := CosineSimilarity(tt.a, tt.b); math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("CosineSimilarity(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

// reloadingCache swaps the engine's model on the first lookup, so the
// vector is computed by a different instance than the one the request saw.
type reloadingCache struct {
	*memoryCache
	once   sync.Once
	reload func()
}

func (r *reloadingCache) Get(ctx context.Context, fp, text string) ([]float32, bool, error) {
	r.once.Do(r.reload)
	return r.memoryCache.Get(ctx, fp, text)
}

func TestCacheKeyedByGeneratingInstance(t *testing.T) {
	files, err := testmodel.Write(t.TempDir(), testmodel.DefaultOptions())
	if err != nil {
		t.Fatalf("Failed to write test model: %v", err)
	}
	paths := model.Paths{Config: files.Config, Tokenizer: files.Tokenizer, Weights: files.Weights}
	e := engine.New(zap.NewNop())
	if err := e.Init(paths, engine.Options{Normalize: true}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	before := e.Info().Fingerprint

	rc := &reloadingCache{memoryCache: newMemoryCache()}
	rc.reload = func() {
		if err := e.Init(paths, engine.Options{Pooling: "cls"}); err != nil {
			t.Errorf("Reload failed: %v", err)
		}
	}
	svc := NewService(e, rc, Config{}, zap.NewNop())
	after := func() string { return e.Info().Fingerprint }

	res, err := svc.GenerateEmbedding(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("GenerateEmbedding failed: %v", err)
	}
	if after() == before {
		t.Fatalf("Expected the reload to change the fingerprint")
	}
	if res.Model != after() {
		t.Errorf("Expected result tagged %q, got %q", after(), res.Model)
	}
	if _, ok, _ := rc.memoryCache.Get(context.Background(), before, "hello world"); ok {
		t.Errorf("Vector from the new instance was cached under the old fingerprint")
	}
	if _, ok, _ := rc.memoryCache.Get(context.Background(), after(), "hello world"); !ok {
		t.Errorf("Expected vector cached under the generating fingerprint")
	}
}

func TestBatchReportsTokenUsage(t *testing.T) {
	mc := newMemoryCache()
	svc := newTestService(t, mc, Config{BatchSize: 1})
	ctx := context.Background()

	res, err := svc.GenerateBatchEmbeddings(ctx, []string{"hello world", "hello"})
	if err != nil {
		t.Fatalf("GenerateBatchEmbeddings failed: %v", err)
	}
	// [CLS] hello world [SEP] + [CLS] hello [SEP]
	if res.TokenCount != 7 {
		t.Errorf("Expected 7 tokens, got %d", res.TokenCount)
	}

	cached, err := svc.GenerateBatchEmbeddings(ctx, []string{"hello world", "hello"})
	if err != nil {
		t.Fatalf("GenerateBatchEmbeddings failed: %v", err)
	}
	if cached.CacheHits != 2 || cached.TokenCount != 0 {
		t.Errorf("Expected 2 cache hits and no tokens, got %d hits, %d tokens", cached.CacheHits, cached.TokenCount)
	}
}
