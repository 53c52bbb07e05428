package main

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

// cAllocator hands out malloc'd memory so results stay valid after the
// exported call returns and are never moved by the Go collector.
type cAllocator struct{}

func (cAllocator) AllocFloats(n int) (unsafe.Pointer, []float32) {
	if n <= 0 {
		return nil, nil
	}
	p := C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(float32(0))))
	if p == nil {
		return nil, nil
	}
	return p, unsafe.Slice((*float32)(p), n)
}

func (cAllocator) AllocString(s string) unsafe.Pointer {
	return unsafe.Pointer(C.CString(s))
}

func (cAllocator) Free(p unsafe.Pointer) {
	C.free(p)
}
