package syscall

import (
	"kyanos/kernel"
	"kyanos/kernel/gate"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/proc"
)

const (
	// dmaBase/dmaEnd bound the fixed low-memory span reserved for
	// device DMA buffers; the physical allocator never hands frames out
	// of it, so a simple per-granule bitmap suffices.
	dmaBase = uintptr(0x4_0000)
	dmaEnd  = uintptr(0x8_0000)

	// dmaChunk is the DMA allocation granule.
	dmaChunk = uintptr(0x1000)
)

var (
	// dmaBitmap tracks the allocation state of each granule.
	dmaBitmap [(dmaEnd - dmaBase) / dmaChunk]bool
)

// dispatchMem routes the 0x90-0x96 memory calls.
//
//	mmap_physical(physAddr, len)  -> vaddr of a new device mapping
//	dma_allocate(len)             -> physical address in the DMA span
//	dma_free(physAddr)            -> releases a DMA allocation
//	mem_alloc(len)                -> vaddr of fresh anonymous memory
//	mem_dealloc(vaddr)            -> releases a mem_alloc region
//	mem_share(vaddr, len, pid)    -> maps the region into pid, too
func dispatchMem(regs *gate.Registers, p *proc.Process, num, a1, a2, a3 uint64) {
	switch num {
	case sysMmapPhysical:
		doMmapPhysical(regs, p, a1, a2)
	case sysDMAAllocate:
		doDMAAllocate(regs, p, a1)
	case sysDMAFree:
		doDMAFree(regs, p, a1)
	case sysMemAlloc:
		doMemAlloc(regs, p, a1)
	case sysMemDealloc:
		doMemDealloc(regs, p, a1)
	case sysMemShare:
		doMemShare(regs, p, a1, a2, a3)
	default:
		fail(regs, kernel.ErrUnsupported)
	}
}

// takeMmapRange reserves the next len bytes (huge-page rounded) of the
// process's anonymous-mapping window.
func takeMmapRange(p *proc.Process, length uint64) (start, end uintptr, errno kernel.Errno) {
	if length == 0 {
		return 0, 0, kernel.ErrBadArgument
	}
	size := (uintptr(length) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	start = p.MmapNext
	end = start + size
	if end < start {
		return 0, 0, kernel.ErrBadArgument
	}
	p.MmapNext = end
	return start, end, kernel.ErrNone
}

// doMmapPhysical maps a physical device range into the caller. The range
// is mapped uncached and must be huge-page aligned.
func doMmapPhysical(regs *gate.Registers, p *proc.Process, physAddr, length uint64) {
	if !p.Caps.Has(CapMmapPhysical) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	if physAddr%uint64(mm.PageSize) != 0 {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	start, end, errno := takeMmapRange(p, length)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagDoNotCache | vmm.FlagNoExecute
	if err := p.AS.MapRange(start, end, flags, mm.FrameFromAddress(uintptr(physAddr))); err != nil {
		fail(regs, kernel.ErrOutOfMemory)
		return
	}
	succeed(regs, uint64(start))
}

func doDMAAllocate(regs *gate.Registers, p *proc.Process, length uint64) {
	if !p.Caps.Has(CapDMA) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	chunks := int((uintptr(length) + dmaChunk - 1) / dmaChunk)
	if chunks == 0 || chunks > len(dmaBitmap) {
		fail(regs, kernel.ErrBadArgument)
		return
	}

	run := 0
	for i := range dmaBitmap {
		if dmaBitmap[i] {
			run = 0
			continue
		}
		run++
		if run == chunks {
			first := i - chunks + 1
			for j := first; j <= i; j++ {
				dmaBitmap[j] = true
			}
			succeed(regs, uint64(dmaBase+uintptr(first)*dmaChunk))
			return
		}
	}
	fail(regs, kernel.ErrOutOfMemory)
}

func doDMAFree(regs *gate.Registers, p *proc.Process, physAddr uint64) {
	if !p.Caps.Has(CapDMA) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	addr := uintptr(physAddr)
	if addr < dmaBase || addr >= dmaEnd || (addr-dmaBase)%dmaChunk != 0 {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	dmaBitmap[(addr-dmaBase)/dmaChunk] = false
	succeed(regs, 0)
}

func doMemAlloc(regs *gate.Registers, p *proc.Process, length uint64) {
	start, end, errno := takeMmapRange(p, length)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	frames, err := mm.AllocContiguousFrames(uint32((end - start) / mm.PageSize))
	if err != nil {
		fail(regs, kernel.ErrOutOfMemory)
		return
	}
	flags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible | vmm.FlagNoExecute
	if merr := p.AS.MapRange(start, end, flags, frames[0]); merr != nil {
		fail(regs, kernel.ErrOutOfMemory)
		return
	}
	kernel.Memset(vmm.PhysicalMapAddr(frames[0].Address()), 0, end-start)
	succeed(regs, uint64(start))
}

func doMemDealloc(regs *gate.Registers, p *proc.Process, vaddr uint64) {
	var region *vmm.Region
	for _, r := range p.AS.Regions() {
		if r.Start == uintptr(vaddr) && !r.Fixed {
			region = &r
			break
		}
	}
	if region == nil {
		fail(regs, kernel.ErrNotFound)
		return
	}
	start, end, backing := region.Start, region.End, region.Backing
	if err := p.AS.UnmapRange(start, end); err != nil {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	frame := backing
	for addr := start; addr < end; addr, frame = addr+mm.PageSize, frame+1 {
		mm.FreeFrame(frame)
	}
	succeed(regs, 0)
}

// doMemShare maps the backing frames of one of the caller's regions into
// the target process's anonymous window, creating a shared-memory span.
// The frames become co-owned: the region must be released by both sides
// before its frames return to the allocator, which mem_dealloc's
// double-free detection turns into a first-free-wins rule.
func doMemShare(regs *gate.Registers, p *proc.Process, vaddr, length uint64, targetPid uint64) {
	target := proc.Lookup(proc.Pid(targetPid))
	if target == nil || target.State == proc.StateTerminated {
		fail(regs, kernel.ErrNotFound)
		return
	}

	var region *vmm.Region
	for _, r := range p.AS.Regions() {
		if r.Start == uintptr(vaddr) && !r.Fixed {
			region = &r
			break
		}
	}
	if region == nil {
		fail(regs, kernel.ErrNotFound)
		return
	}
	if length == 0 || uintptr(length) > region.End-region.Start {
		fail(regs, kernel.ErrBadArgument)
		return
	}

	start, end, errno := takeMmapRange(target, length)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if err := target.AS.MapRange(start, end, region.Flags, region.Backing); err != nil {
		fail(regs, kernel.ErrOutOfMemory)
		return
	}
	succeed(regs, uint64(start))
}
