package pmm

import (
	"reflect"
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/boot"
	"kyanos/kernel/kfmt/early"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
)

var (
	// the following functions are used by tests to mock calls to the vmm
	// and boot packages and are automatically inlined by the compiler.
	reserveRegionFn    = vmm.EarlyReserveRegion
	mapFn              = vmm.Map
	visitMemRegionsFn  = boot.VisitMemRegions
	earlyPrintfFn      = early.Printf

	errDoubleFree = &kernel.Error{Module: "bitmap_alloc", Message: "frame already free"}
	errOutOfMem   = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// framePool tracks the free/reserved bitmap for one contiguous, BIOS-reported
// available memory region.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available frames in this pool, letting the
	// allocator skip fully reserved pools without scanning their bitmap.
	freeCount uint32

	// freeBitmap tracks used/free frames in the pool; a set bit means
	// reserved.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator is the main physical frame allocator: first-fit over a
// bitmap covering usable RAM, supporting both allocation and freeing. A
// double-free is detected and returns an error rather than corrupting the
// free count.
type BitmapAllocator struct {
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator's own bookkeeping structures using
// the boot allocator, then reserves the kernel image, the fixed
// reservations and every frame the boot allocator already handed out.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}
	alloc.reserveKernelFrames()
	alloc.reserveFixedSpans()
	alloc.reserveBootAllocatorFrames()
	alloc.printStats()
	return nil
}

func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mm.PageSize - 1)
		requiredBitmapBytes uint64
	)

	visitMemRegionsFn(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		requiredBitmapBytes += ((uint64(pageCount) + 63) &^ 63) >> 3
		return true
	})

	requiredBytes := (uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + requiredBitmapBytes + pageSizeMinus1) &^ pageSizeMinus1
	requiredPages := requiredBytes >> mm.PageShift

	alloc.poolsHdr.Data, err = reserveRegionFn(uintptr(requiredBytes))
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), uint64(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, ferr := mm.AllocFrame()
		if ferr != nil {
			return ferr
		}
		if err = mapFn(page, nextFrame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
			return err
		}
		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	visitMemRegionsFn(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemAvailable {
			return true
		}

		regionStartFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift)
		regionEndFrame := mm.Frame(((region.PhysAddress+region.Length)&^pageSizeMinus1)>>mm.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame updates the reservation bit for frame within poolIndex and
// returns false if the transition requested is a no-op (e.g. freeing an
// already-free frame).
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) bool {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return false
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	isReserved := alloc.pools[poolIndex].freeBitmap[block]&mask != 0

	switch flag {
	case markFree:
		if !isReserved {
			return false
		}
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		if isReserved {
			return false
		}
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
	return true
}

func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return poolIndex
		}
	}
	return -1
}

func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootMemAllocator.kernelStartFrame)
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveFixedSpans marks the IDT/GDT/trampoline region, the fixed
// page-table pool and the DMA span as permanently reserved.
func (alloc *BitmapAllocator) reserveFixedSpans() {
	for _, span := range fixedReservations {
		for addr := span.start &^ (mm.PageSize - 1); addr < span.end; addr += mm.PageSize {
			frame := mm.FrameFromAddress(addr)
			alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
		}
	}
}

// reserveBootAllocatorFrames replays every allocation the boot allocator
// served before the bitmap allocator took over, marking each as reserved so
// it is never handed out twice.
func (alloc *BitmapAllocator) reserveBootAllocatorFrames() {
	allocCount := bootMemAllocator.allocCount
	bootMemAllocator.allocCount, bootMemAllocator.lastAllocIndex = 0, -1
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootMemAllocator.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

// AllocFrame scans the pools in order and reserves the first free frame it
// finds (first-fit).
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}
		for block, word := range pool.freeBitmap {
			if word == uint64(0xffffffffffffffff) {
				continue
			}
			for bit := uint(0); bit < 64; bit++ {
				mask := uint64(1 << (63 - bit))
				if word&mask != 0 {
					continue
				}
				frame := pool.startFrame + mm.Frame(uint64(block)<<6+uint64(bit))
				if frame > pool.endFrame {
					continue
				}
				alloc.markFrame(poolIndex, frame, markReserved)
				return frame, nil
			}
		}
	}
	return mm.InvalidFrame, errOutOfMem
}

// AllocContiguous scans linearly for n consecutive free frames within a
// single pool, reserving all of them
// atomically (from the caller's perspective: no intervening AllocFrame can
// observe a partially reserved run since the allocator is only ever entered
// under the global kernel lock).
func (alloc *BitmapAllocator) AllocContiguous(n uint32) ([]mm.Frame, *kernel.Error) {
	if n == 0 {
		return nil, nil
	}
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}
		runStart := pool.startFrame
		runLen := uint32(0)
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if alloc.frameReserved(poolIndex, frame) {
				runLen = 0
				runStart = frame + 1
				continue
			}
			runLen++
			if runLen == n {
				frames := make([]mm.Frame, n)
				for i := uint32(0); i < n; i++ {
					f := runStart + mm.Frame(i)
					alloc.markFrame(poolIndex, f, markReserved)
					frames[i] = f
				}
				return frames, nil
			}
		}
	}
	return nil, errOutOfMem
}

func (alloc *BitmapAllocator) frameReserved(poolIndex int, frame mm.Frame) bool {
	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return pool.freeBitmap[block]&mask != 0
}

// FreeFrame returns frame to its pool. Freeing a frame that is already free
// is a double-free and returns errDoubleFree rather than corrupting
// accounting.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	poolIndex := alloc.poolForFrame(frame)
	if !alloc.markFrame(poolIndex, frame, markFree) {
		return errDoubleFree
	}
	return nil
}

func (alloc *BitmapAllocator) printStats() {
	earlyPrintfFn(
		"[bitmap_alloc] frame stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}
