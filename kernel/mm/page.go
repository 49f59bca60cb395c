package mm

import (
	"kyanos/kernel"
	"math"
)

// Frame describes a physical memory page index. Each unit is a 2 MiB huge
// page (PageSize); a Frame's numeric value is its physical address divided
// by PageSize, not by the traditional 4 KiB page size.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameFreer points to a frame-release function registered using
	// SetFrameFreer. It is nil until the real BitmapAllocator is wired up
	// since the bootstrap allocator cannot free frames at all.
	frameFreer FrameFreerFn

	// contigFrameAllocator points to a contiguous-allocation function
	// registered using SetContiguousFrameAllocator.
	contigFrameAllocator ContiguousFrameAllocatorFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameFreerFn is a function that can release a previously allocated
// physical frame back to its owning pool.
type FrameFreerFn func(Frame) *kernel.Error

// ContiguousFrameAllocatorFn is a function that can allocate n physically
// contiguous frames in one call.
type ContiguousFrameAllocatorFn func(n uint32) ([]Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameFreer registers the function used to release frames back to the
// physical allocator.
func SetFrameFreer(freeFn FrameFreerFn) { frameFreer = freeFn }

// SetContiguousFrameAllocator registers the function used to satisfy
// alloc_contiguous requests.
func SetContiguousFrameAllocator(allocFn ContiguousFrameAllocatorFn) {
	contigFrameAllocator = allocFn
}

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FreeFrame releases frame back to the physical frame allocator. It is a
// kernel-fatal error to call this before SetFrameFreer has been wired up.
func FreeFrame(f Frame) *kernel.Error { return frameFreer(f) }

// AllocContiguousFrames allocates n physically contiguous frames.
func AllocContiguousFrames(n uint32) ([]Frame, *kernel.Error) { return contigFrameAllocator(n) }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}
