package capi

import (
	"sync"
	"unsafe"

	"github.com/raaihank/embedlib/internal/apperr"
)

// Kind tags what a tracked pointer refers to.
type Kind uint8

// Pointer kinds
const (
	KindFloats Kind = iota + 1
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindFloats:
		return "floats"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Registry records every pointer handed across the boundary so a pointer can
// be released exactly once. Releasing an unknown pointer never reaches the
// allocator.
type Registry struct {
	mu   sync.Mutex
	live map[uintptr]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[uintptr]Kind)}
}

// Track records p as live.
func (r *Registry) Track(p unsafe.Pointer, kind Kind) {
	if p == nil {
		return
	}
	r.mu.Lock()
	r.live[uintptr(p)] = kind
	r.mu.Unlock()
}

// Release removes p. It fails with ErrReleased when p is not live or was
// tracked with a different kind.
func (r *Registry) Release(p unsafe.Pointer, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	got, ok := r.live[uintptr(p)]
	if !ok {
		return apperr.Errorf(apperr.ErrReleased, "%s pointer %p is not live", kind, p)
	}
	if got != kind {
		return apperr.Errorf(apperr.ErrReleased, "pointer %p is a %s buffer, not %s", p, got, kind)
	}
	delete(r.live, uintptr(p))
	return nil
}

// Live returns the number of outstanding pointers.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
