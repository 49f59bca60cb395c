package trap

import "unsafe"

// trampolinePtr converts a raw address into a pointer; split out so tests
// can redirect trampoline emission at a heap-backed buffer.
var trampolinePtr = func(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
