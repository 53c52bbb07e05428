package capi

import (
	"sync"
	"unsafe"
)

// Allocator provides memory that outlives the call that produced it. The
// shared library backs it with C malloc/free; tests use GoAllocator.
type Allocator interface {
	// AllocFloats returns n float32s as both a raw pointer and a Go view.
	AllocFloats(n int) (unsafe.Pointer, []float32)
	// AllocString returns a NUL-terminated copy of s.
	AllocString(s string) unsafe.Pointer
	Free(p unsafe.Pointer)
}

// GoAllocator keeps allocations reachable from a map until freed.
type GoAllocator struct {
	mu     sync.Mutex
	blocks map[uintptr]any
}

// NewGoAllocator creates an empty GoAllocator.
func NewGoAllocator() *GoAllocator {
	return &GoAllocator{blocks: make(map[uintptr]any)}
}

func (a *GoAllocator) AllocFloats(n int) (unsafe.Pointer, []float32) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]float32, n)
	p := unsafe.Pointer(&buf[0])
	a.mu.Lock()
	a.blocks[uintptr(p)] = buf
	a.mu.Unlock()
	return p, buf
}

func (a *GoAllocator) AllocString(s string) unsafe.Pointer {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	p := unsafe.Pointer(&buf[0])
	a.mu.Lock()
	a.blocks[uintptr(p)] = buf
	a.mu.Unlock()
	return p
}

func (a *GoAllocator) Free(p unsafe.Pointer) {
	a.mu.Lock()
	delete(a.blocks, uintptr(p))
	a.mu.Unlock()
}

// Outstanding returns the number of blocks not yet freed.
func (a *GoAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}

// GoString reads a NUL-terminated string written by AllocString or C.
func GoString(p unsafe.Pointer) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(p, n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(p), n))
}

// Floats views n float32s at p.
func Floats(p unsafe.Pointer, n uintptr) []float32 {
	if p == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(p), n)
}
