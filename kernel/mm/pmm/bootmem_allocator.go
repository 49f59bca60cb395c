package pmm

import (
	"kyanos/kernel"
	"kyanos/kernel/boot"
	"kyanos/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// reservedSpan describes a fixed physical range the frame allocator must
// never hand out, expressed as [start, end) byte offsets: the
// IDT/GDT/bootloader residue below 0x20_0000, the fixed page-table pool
// and the DMA region.
type reservedSpan struct {
	start, end uintptr
}

// fixedReservations lists the spans reserved regardless of what the BIOS
// memory map reports as available; kernelStart/kernelEnd (the image itself)
// are added by Init since they are only known at boot time.
var fixedReservations = [...]reservedSpan{
	// IDT, GDT, per-CPU table and bootloader residue below 0x20_0000,
	// plus the trampoline frame at 0x20_0000 itself.
	{0x0, 0x40_0000},
	{0x1000_0000, 0x1000_0000 + 16*1024*1024}, // fixed page-table pool (vmm.PoolPhysBase)
	{0x4_0000, 0x8_0000},                      // DMA region
}

func overlapsReserved(frame mm.Frame, kernelStart, kernelEnd uintptr) bool {
	frameStart := frame.Address()
	frameEnd := frameStart + mm.PageSize
	if frameStart < kernelEnd && frameEnd > kernelStart {
		return true
	}
	for _, r := range fixedReservations {
		if frameStart < r.end && frameEnd > r.start {
			return true
		}
	}
	return false
}

// BootMemAllocator implements a rudimentary, append-only physical frame
// allocator used to bootstrap the kernel before the freeable BitmapAllocator
// is available. It walks the boot-time memory map on every call rather than
// caching it, trading a little CPU for not needing its own storage this
// early in boot.
//
// Allocations are tracked via a monotonically increasing frame index;
// frames handed out here can never be freed. The allocator reasons in
// 2 MiB frames and excludes the fixed page-table pool and DMA spans in
// addition to the kernel image.
type BootMemAllocator struct {
	kernelStartFrame mm.Frame
	kernelEndFrame   mm.Frame
	kernelStart      uintptr
	kernelEnd        uintptr

	allocCount     uint64
	lastAllocIndex int64
}

// init records the kernel image span and prints the BIOS memory map.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	alloc.kernelStart = kernelStart
	alloc.kernelEnd = kernelEnd
	alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = mm.FrameFromAddress(kernelEnd)
	alloc.lastAllocIndex = -1
}

// printMemoryMap dumps the BIOS-reported regions to the early serial
// console; this runs before kfmt's ring-buffer sink is wired up.
func (alloc *BootMemAllocator) printMemoryMap() {
	earlyPrintfFn("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	visitMemRegionsFn(func(region *boot.MemoryMapEntry) bool {
		earlyPrintfFn("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())
		if region.Type == boot.MemAvailable {
			totalFree += region.Length
		}
		return true
	})
	earlyPrintfFn("[boot_mem_alloc] free memory: %dKb\n", totalFree/1024)
}

// AllocFrame scans the BIOS-reported memory regions and reserves the next
// available free 2 MiB frame, skipping any frame that overlaps a fixed
// reservation or the kernel image.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var (
		foundIndex                             int64 = -1
		regionStartFrame, regionEndFrame       mm.Frame
	)

	visitMemRegionsFn(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		regionStartFrame = mm.FrameFromAddress(uintptr((uint64(region.PhysAddress) + uint64(mm.PageSize) - 1) &^ (uint64(mm.PageSize) - 1)))
		regionEndFrame = mm.FrameFromAddress(uintptr((region.PhysAddress+region.Length)&^(uint64(mm.PageSize)-1))) - 1

		if int64(regionEndFrame) <= alloc.lastAllocIndex {
			return true
		}

		candidate := regionStartFrame
		if int64(candidate) <= alloc.lastAllocIndex {
			candidate = mm.Frame(alloc.lastAllocIndex + 1)
		}

		for candidate <= regionEndFrame && overlapsReserved(candidate, alloc.kernelStart, alloc.kernelEnd) {
			candidate++
		}
		if candidate > regionEndFrame {
			return true
		}

		foundIndex = int64(candidate)
		return false
	})

	if foundIndex == -1 {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocIndex = foundIndex
	return mm.Frame(foundIndex), nil
}
