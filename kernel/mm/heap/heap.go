// Package heap is an explicit hole-list allocator over a fixed kernel
// virtual region. The Go runtime's own allocator (rewired by
// kernel/goruntime) covers ordinary make/new traffic; this allocator
// serves kernel structures that need manual lifetime control and
// addresses that never move once handed out.
//
// Free holes are kept as an address-ordered singly linked list whose nodes
// are embedded in the holes themselves, so the allocator needs no storage
// beyond the region it manages. Adjacent holes coalesce on free.
package heap

import (
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
)

const (
	// heapVirtBase and heapMaxSize bound the region the heap may occupy:
	// PML4 slot 258 of the shared upper half, so a heap pointer stays
	// valid regardless of which address space is active and never
	// collides with the identity map (slot 256) or the early-reserve
	// window (slot 257).
	heapVirtBase = uintptr(0xffff_8100_0000_0000)
	heapMaxSize  = uintptr(1 << 30)

	// headerSize precedes every live allocation and records its size for
	// Free/Realloc.
	headerSize = unsafe.Sizeof(allocHeader{})

	// minHoleSize is the smallest remainder worth keeping as a hole; a
	// split that would leave less than this hands the whole hole out.
	minHoleSize = unsafe.Sizeof(hole{})

	allocMagic = uint64(0x68656170_616c6c6f)
)

var (
	mapFn        = vmm.Map
	allocFrameFn = mm.AllocFrame

	errOutOfHeap    = &kernel.Error{Module: "heap", Message: "out of memory"}
	errBadFree      = &kernel.Error{Module: "heap", Message: "free of pointer not owned by the heap"}
	errDoubleFree   = &kernel.Error{Module: "heap", Message: "allocation header corrupt or already freed"}

	// holeHead is the first hole in address order, or nil when the heap
	// is completely exhausted or not yet grown.
	holeHead *hole

	// heapBase and heapEnd track the heap's occupied span; heapBase is a
	// variable only so tests can point the allocator at an ordinary
	// buffer. Growing maps further huge pages until heapBase+heapMaxSize.
	heapBase = heapVirtBase
	heapEnd  = heapVirtBase
)

// hole is a free span; it is stored within the span it describes.
type hole struct {
	size uintptr
	next *hole
}

// allocHeader precedes the payload of every live allocation.
type allocHeader struct {
	size  uintptr
	magic uint64
}

// Alloc reserves size bytes and returns their address. The returned span
// is not zeroed; callers that need zero-filled memory clear it themselves.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	size = align8(size + headerSize)

	for {
		var prev *hole
		for h := holeHead; h != nil; prev, h = h, h.next {
			if h.size < size {
				continue
			}
			carve(prev, h, size)
			hdr := (*allocHeader)(unsafe.Pointer(h))
			hdr.size = size
			hdr.magic = allocMagic
			return uintptr(unsafe.Pointer(h)) + headerSize, nil
		}
		if err := grow(size); err != nil {
			return 0, err
		}
	}
}

// carve removes size bytes from the front of h, keeping the remainder as
// a smaller hole when it is big enough to be useful.
func carve(prev, h *hole, size uintptr) {
	var repl *hole
	if h.size-size >= minHoleSize {
		repl = (*hole)(unsafe.Pointer(uintptr(unsafe.Pointer(h)) + size))
		repl.size = h.size - size
		repl.next = h.next
	} else {
		repl = h.next
	}
	if prev == nil {
		holeHead = repl
	} else {
		prev.next = repl
	}
}

// Free returns the allocation at addr to the hole list, coalescing with
// any adjacent holes. Freeing an address the heap does not own, or one
// whose header no longer carries the live magic, fails loudly.
func Free(addr uintptr) *kernel.Error {
	if addr < heapBase+headerSize || addr >= heapEnd {
		return errBadFree
	}
	hdr := (*allocHeader)(unsafe.Pointer(addr - headerSize))
	if hdr.magic != allocMagic {
		return errDoubleFree
	}
	hdr.magic = 0

	start := uintptr(unsafe.Pointer(hdr))
	size := hdr.size

	var prev *hole
	h := holeHead
	for h != nil && uintptr(unsafe.Pointer(h)) < start {
		prev, h = h, h.next
	}

	freed := (*hole)(unsafe.Pointer(start))
	freed.size = size
	freed.next = h
	if prev == nil {
		holeHead = freed
	} else {
		prev.next = freed
	}

	// Coalesce forward, then backward.
	if h != nil && start+size == uintptr(unsafe.Pointer(h)) {
		freed.size += h.size
		freed.next = h.next
	}
	if prev != nil && uintptr(unsafe.Pointer(prev))+prev.size == start {
		prev.size += freed.size
		prev.next = freed.next
	}
	return nil
}

// Realloc resizes the allocation at addr to newSize, moving it if needed.
// Realloc(0, n) behaves like Alloc(n).
func Realloc(addr uintptr, newSize uintptr) (uintptr, *kernel.Error) {
	if addr == 0 {
		return Alloc(newSize)
	}
	hdr := (*allocHeader)(unsafe.Pointer(addr - headerSize))
	if hdr.magic != allocMagic {
		return 0, errDoubleFree
	}
	oldPayload := hdr.size - headerSize
	if newSize <= oldPayload {
		return addr, nil
	}

	newAddr, err := Alloc(newSize)
	if err != nil {
		return 0, err
	}
	kernel.Memcopy(addr, newAddr, oldPayload)
	if err := Free(addr); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// grow maps enough additional huge pages at heapEnd to cover at least
// want contiguous free bytes and appends them to the hole list.
func grow(want uintptr) *kernel.Error {
	need := (want + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if heapEnd+need > heapBase+heapMaxSize {
		return errOutOfHeap
	}
	for mapped := uintptr(0); mapped < need; mapped += mm.PageSize {
		frame, err := allocFrameFn()
		if err != nil {
			return errOutOfHeap
		}
		page := mm.PageFromAddress(heapEnd + mapped)
		if merr := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); merr != nil {
			return merr
		}
	}

	grown := (*hole)(unsafe.Pointer(heapEnd))
	grown.size = need
	grown.next = nil
	heapEnd += need

	// Splice at the tail (holes are address ordered and the new span is
	// the highest address yet), coalescing with a tail hole that ends
	// exactly where the new span starts.
	if holeHead == nil {
		holeHead = grown
		return nil
	}
	tail := holeHead
	for tail.next != nil {
		tail = tail.next
	}
	if uintptr(unsafe.Pointer(tail))+tail.size == uintptr(unsafe.Pointer(grown)) {
		tail.size += grown.size
	} else {
		tail.next = grown
	}
	return nil
}

func align8(v uintptr) uintptr { return (v + 7) &^ 7 }
