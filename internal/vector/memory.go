package vector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// MemoryIndex is an in-process approximate nearest neighbor index over
// documents, for searching vectors exported to a file without a database.
type MemoryIndex struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[int64]
	docs  map[int64]*Document
	dim   int
	next  int64
}

// NewMemoryIndex creates an empty cosine-distance index.
func NewMemoryIndex() *MemoryIndex {
	g := hnsw.NewGraph[int64]()
	g.Distance = hnsw.CosineDistance
	return &MemoryIndex{graph: g, docs: make(map[int64]*Document)}
}

// Add indexes docs, assigning IDs to documents that have none. All
// embeddings must share one dimension.
func (m *MemoryIndex) Add(docs ...*Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dim := m.dim
	for _, doc := range docs {
		if len(doc.Embedding) == 0 {
			return fmt.Errorf("document %q has no embedding", doc.ExternalID)
		}
		if dim == 0 {
			dim = len(doc.Embedding)
		}
		if len(doc.Embedding) != dim {
			return fmt.Errorf("document %q has dimension %d, index has %d", doc.ExternalID, len(doc.Embedding), dim)
		}
	}
	m.dim = dim

	nodes := make([]hnsw.Node[int64], 0, len(docs))
	for _, doc := range docs {
		m.next++
		if doc.ID == 0 {
			doc.ID = m.next
		}
		if doc.TextHash == "" {
			doc.TextHash = TextHash(doc.Text)
		}
		m.docs[doc.ID] = doc
		nodes = append(nodes, hnsw.MakeNode(doc.ID, doc.Embedding))
	}
	m.graph.Add(nodes...)
	return nil
}

// Len returns the number of indexed documents.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Len()
}

// FindSimilar mirrors Store.FindSimilar. Filters are applied to an enlarged
// candidate set, so a selective filter may return fewer than Limit results.
func (m *MemoryIndex) FindSimilar(embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5, MinSimilarity: 0.7}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.graph.Len() == 0 || options.Limit <= 0 {
		return nil, nil
	}
	if len(embedding) != m.dim {
		return nil, fmt.Errorf("query has dimension %d, index has %d", len(embedding), m.dim)
	}

	k := options.Limit
	if options.LabelFilter != "" || options.ModelFingerprint != "" {
		k *= 4
	}
	k = min(k, m.graph.Len())

	var results []*SimilarityResult
	for _, node := range m.graph.Search(embedding, k) {
		doc := m.docs[node.Key]
		if options.LabelFilter != "" && doc.Label != options.LabelFilter {
			continue
		}
		if options.ModelFingerprint != "" && doc.ModelFingerprint != options.ModelFingerprint {
			continue
		}
		distance := hnsw.CosineDistance(embedding, doc.Embedding)
		similarity := 1 - distance
		if similarity < options.MinSimilarity {
			continue
		}
		results = append(results, &SimilarityResult{Document: doc, Similarity: similarity, Distance: distance})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}
