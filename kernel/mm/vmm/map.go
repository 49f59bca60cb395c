package vmm

import (
	"kyanos/kernel"
	"kyanos/kernel/mm"
)

// ReservedZeroedFrame is a zero-cleared frame set aside by Init for
// lazily-backed, copy-on-write mappings: map a range FlagCopyOnWrite
// pointing at this frame and the first write triggers a page fault that
// installs a real, private frame in its place.
var ReservedZeroedFrame mm.Frame

// protectReservedZeroedPage is set once ReservedZeroedFrame has been
// reserved, preventing any further RW mapping of it.
var protectReservedZeroedPage bool

// Map installs a mapping in the kernel's own address space. Most kernel
// subsystems (the frame allocator's bookkeeping, the heap) only ever need
// to manipulate the kernel's mappings, so this package-level helper (and
// its siblings below) save every caller from having to thread an
// *AddressSpace through.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return kernelAS.Map(page, frame, flags)
}

// Unmap removes a mapping previously installed by Map in the kernel's
// address space.
func Unmap(page mm.Page) *kernel.Error {
	return kernelAS.Unmap(page)
}

// Translate resolves a virtual address in the kernel's address space to its
// backing physical address.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return kernelAS.Translate(virtAddr)
}

// MapRegion reserves the next free range of the kernel's upper-half virtual
// address space (via EarlyReserveRegion) and maps it to the physical range
// starting at frame.
func MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}
	if err := kernelAS.mapRegion(startAddr, startAddr+size, flags, frame, false); err != nil {
		return 0, err
	}
	return mm.PageFromAddress(startAddr), nil
}

// IdentityMapRegion maps the physical range [startFrame, startFrame+size)
// to the numerically identical virtual addresses in the kernel's address
// space.
func IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startAddr := startFrame.Address()
	end := startAddr + ((size + mm.PageSize - 1) &^ (mm.PageSize - 1))
	if err := kernelAS.mapRegion(startAddr, end, flags, startFrame, false); err != nil {
		return 0, err
	}
	return mm.Page(startFrame), nil
}

// PageOffset returns the offset of virtAddr within its containing 2 MiB
// page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
