package pmm

import (
	"kyanos/kernel"
	"kyanos/kernel/mm"
)

var (
	// bootMemAllocator is the page allocator used when the kernel boots.
	// It is used to bootstrap the bitmap allocator which is used for all
	// page allocations while the kernel runs.
	bootMemAllocator BootMemAllocator

	// bitmapAllocator is the standard allocator used by the kernel.
	bitmapAllocator BitmapAllocator
)

// Init sets up the boot-time physical frame allocator. The full bitmap
// allocator needs paging for its own bookkeeping, so it follows in
// InitBitmap once the vmm is up.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)
	return nil
}

// InitBitmap bootstraps the bitmap allocator using the boot allocator and
// installs it as the system-wide frame source.
func InitBitmap() *kernel.Error {
	if err := bitmapAllocator.init(); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame)
	mm.SetFrameFreer(bitmapFreeFrame)
	mm.SetContiguousFrameAllocator(bitmapAllocContiguous)

	return nil
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

func bitmapFreeFrame(f mm.Frame) *kernel.Error {
	return bitmapAllocator.FreeFrame(f)
}

func bitmapAllocContiguous(n uint32) ([]mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocContiguous(n)
}
