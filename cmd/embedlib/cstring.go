package main

/*
#include <stdlib.h>
*/
import "C"

import "unsafe"

// cString copies s into C memory, as a host would pass it. Release it with
// freeCString.
func cString(s string) *C.char {
	return C.CString(s)
}

func freeCString(p *C.char) {
	C.free(unsafe.Pointer(p))
}
