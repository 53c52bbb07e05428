package engine

import (
	"sync"

	"github.com/raaihank/embedlib/internal/apperr"
)

// Embedding is an owned result buffer. After Release the buffer is poisoned:
// reads and a second Release return apperr.ErrReleased.
type Embedding struct {
	mu          sync.Mutex
	values      []float32
	tokens      int
	truncated   bool
	fingerprint string
	released    bool
}

func newEmbedding(values []float32, tokens int, truncated bool, fingerprint string) *Embedding {
	return &Embedding{values: values, tokens: tokens, truncated: truncated, fingerprint: fingerprint}
}

// Values returns the vector. The slice is owned by the Embedding and must not
// be used after Release.
func (e *Embedding) Values() ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return nil, apperr.ErrReleased
	}
	return e.values, nil
}

// Copy returns a caller-owned copy of the vector.
func (e *Embedding) Copy() ([]float32, error) {
	v, err := e.Values()
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), v...), nil
}

// Len returns the vector length, 0 after Release.
func (e *Embedding) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.values)
}

// TokenCount returns the number of tokens the input was encoded to.
func (e *Embedding) TokenCount() int {
	return e.tokens
}

// Fingerprint identifies the instance that computed the vector. It can
// differ from Info().Fingerprint once a reload has happened.
func (e *Embedding) Fingerprint() string {
	return e.fingerprint
}

// Truncated reports whether the input was cut to the maximum length.
func (e *Embedding) Truncated() bool {
	return e.truncated
}

// Release returns the buffer. Releasing twice is an error.
func (e *Embedding) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.released {
		return apperr.Errorf(apperr.ErrReleased, "embedding released twice")
	}
	e.released = true
	for i := range e.values {
		e.values[i] = 0
	}
	e.values = nil
	return nil
}
