// Package vmm builds and edits the page tables (every mapping is a
// 2 MiB huge page) and the per-process AddressSpace
// abstraction layered on top of them.
package vmm

import (
	"kyanos/kernel"
	"kyanos/kernel/cpu"
	"kyanos/kernel/mm"
)

var (
	readCR2Fn = cpu.ReadCR2

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

	// sharedTopLevelIndices lists the PML4 indices that every process
	// address space inherits, by reference, from kernelAS. HigherHalfStart
	// (0xffff_8000_0000_0000) is PML4 index 256; everything from there up
	// -- the physical-memory identity map and the kernel heap -- is
	// reserved for this sharing scheme. Modifying one of these entries
	// (e.g. growing the heap) is instantly visible in every address
	// space.
	sharedTopLevelIndices = []uintptr{256, 257, 258, 259}

	// earlyReserveNext tracks the next unused address in the kernel's
	// high-half virtual range handed out by EarlyReserveRegion. It grows
	// upward through PML4 slot 257, leaving slot 256 entirely to the
	// identity map of physical memory and slot 258 to the explicit heap,
	// so none of the three shared ranges can collide however much RAM
	// the machine has.
	earlyReserveNext = higherHalfStart + (512 << 30)

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "kernel virtual address space exhausted"}
)

// higherHalfStart is HIGHER_HALF_START: the shared boundary
// between user and kernel mappings.
const higherHalfStart = uintptr(0xffff_8000_0000_0000)

// Init builds the kernel's own address space: a fresh PML4 whose shared
// top-level entries back every later process address space, plus the
// identity map of physical memory in the upper half. The fixed low
// regions (boot residue, kernel image, page-table pool, trampoline) are
// added by the boot sequence once their extents are known.
func Init(totalPhysMemory uintptr) *kernel.Error {
	as, err := newRawAddressSpace()
	if err != nil {
		return err
	}
	kernelAS = as

	// Identity-map all of physical memory into the upper half so kernel
	// code can always reach any frame via higherHalfStart+physAddr,
	// without needing a temporary mapping scheme.
	pages := (totalPhysMemory + mm.PageSize - 1) / mm.PageSize
	for i := uintptr(0); i < pages; i++ {
		frame := mm.Frame(i)
		page := mm.PageFromAddress(higherHalfStart + frame.Address())
		if err := kernelAS.Map(page, frame, FlagPresent|FlagRW|FlagGlobal|FlagNoExecute); err != nil {
			return err
		}
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// KernelAddressSpace returns the kernel's own address space: the template
// whose shared entries and fixed regions every process space is built
// from.
func KernelAddressSpace() *AddressSpace { return kernelAS }

// PhysicalMapAddr returns the kernel virtual address the identity-mapped
// window established by Init uses to reach physical address physAddr
// directly, without walking any page tables.
func PhysicalMapAddr(physAddr uintptr) uintptr {
	return higherHalfStart + physAddr
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	ReservedZeroedFrame = frame
	// Init runs before the kernel tables are activated, so the frame is
	// reached through the bootloader's identity map rather than the
	// upper-half window.
	kernel.Memset(frame.Address(), 0, mm.PageSize)
	protectReservedZeroedPage = true
	return nil
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size (rounded up to mm.PageSize) from the
// kernel's high-half virtual address space and returns its starting
// address. Intended for early-boot bookkeeping allocations (the frame
// allocator's bitmap, the heap's initial pages) before a general-purpose
// kernel heap exists.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if earlyReserveNext+size < earlyReserveNext {
		return 0, errEarlyReserveNoSpace
	}
	start := earlyReserveNext
	earlyReserveNext += size
	return start, nil
}

// MapTemporary returns the page through which frame is reachable in the
// physical-memory window established by Init; it installs no mapping of
// its own. Most call sites that would need this under a
// recursive-PDT scheme do not, now that the physical-memory identity map
// makes every frame directly addressable; it
// is kept for code that wants a mm.Page (rather than a raw address) handle
// on a frame, e.g. zeroing it via kernel.Memset through the Page API.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	return mm.Page(mm.PageFromAddress(PhysicalMapAddr(frame.Address()))), nil
}
