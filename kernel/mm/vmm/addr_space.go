package vmm

import (
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/cpu"
	"kyanos/kernel/mm"
)

var (
	// ptePtrFn returns a pointer to the supplied physical table address.
	// Since the page-table pool is identity-mapped in every address
	// space this is ordinarily just a type conversion; tests override it
	// to run against plain Go-heap-backed fake tables.
	ptePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(tableAddr)
	}

	// switchPDTFn and activePDTFn are used by tests; they would fault if
	// invoked from outside ring 0.
	switchPDTFn = cpu.SwitchPDT
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests and automatically inlined by the
	// compiler when building the kernel.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoFreeRegion       = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}
	errRegionOverlap      = &kernel.Error{Module: "vmm", Message: "requested region overlaps an existing mapping"}
	errMisaligned         = &kernel.Error{Module: "vmm", Message: "range start or length is not a multiple of PageSize"}
	errAttemptRWReserved  = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}

	// ErrInvalidMapping is returned when looking up a virtual address
	// that is not currently mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// kernelAS is the address space template every new process address
	// space is seeded from: its entries for the shared high-half kernel
	// range are copied by reference (see sharedTopLevelIndexRange) into
	// every new top-level table, and its fixed-low-region mappings are
	// re-created, frame for frame, in every new address space.
	kernelAS *AddressSpace
)

// Region describes one mapped virtual range within an AddressSpace:
// {virtual_range, flags, backing}.
type Region struct {
	Start, End uintptr // [Start, End), both PageSize-aligned
	Flags      PageTableEntryFlag
	Backing    mm.Frame // first backing frame; subsequent pages are contiguous

	// Fixed marks regions that must be replicated, frame for frame, into
	// every new address space (IDT, GDT, per-CPU table, trampoline).
	Fixed bool
}

func (r *Region) overlaps(start, end uintptr) bool {
	return start < r.End && end > r.Start
}

// AddressSpace is the mapping state for one process or the kernel
// itself. It owns a root (PML4) page-table frame drawn from the fixed
// pool and a non-overlapping list of regions.
type AddressSpace struct {
	root    uintptr // physical == virtual address of the PML4 table
	regions []Region
}

// RootFrame returns the physical frame backing this address space's PML4
// table, the value written into CR3 by SwitchTo.
func (as *AddressSpace) RootFrame() mm.Frame { return mm.FrameFromAddress(as.root) }

// Root returns the physical address of the PML4 table itself.
func (as *AddressSpace) Root() uintptr { return as.root }

// Regions returns the tracked region list. Callers treat it as read-only;
// the process layer walks it to release backing frames at teardown and the
// syscall layer to validate user pointers.
func (as *AddressSpace) Regions() []Region { return as.regions }

// newRawAddressSpace allocates and zeroes a fresh PML4 table.
func newRawAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := allocPoolFrame()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{root: root}, nil
}

// NewAddressSpace creates a fresh address space for a new process. The
// fixed low regions (IDT, GDT, per-CPU table, trampoline) are
// identical to the kernel's in every address space, and the kernel heap
// and identity map are shared via shared top-level page-table entries.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	as, err := newRawAddressSpace()
	if err != nil {
		return nil, err
	}

	// Copy the kernel's high-half top-level entries by value: both PML4
	// tables now point at the same PDPT sub-tables, so a later
	// kernelAS.Map() call into that range (heap growth, a new identity
	// mapping) is instantly visible through every process's PML4.
	kernelEntries := tableEntries(kernelAS.root)
	newEntries := tableEntries(as.root)
	for _, idx := range sharedTopLevelIndices {
		newEntries[idx] = kernelEntries[idx]
	}

	// Re-create the fixed low regions frame-for-frame so their content is
	// identical without aliasing the low half (where the per-process
	// stack and other private regions also live).
	for _, r := range kernelAS.regions {
		if !r.Fixed {
			continue
		}
		if err := as.mapRegion(r.Start, r.End, r.Flags, r.Backing, false); err != nil {
			return nil, err
		}
	}

	return as, nil
}

// SwitchTo activates this address space by writing its root frame into CR3
// and flushing the TLB.
func (as *AddressSpace) SwitchTo() {
	switchPDTFn(as.root)
}

// walk performs a page-table walk for virtAddr, invoking walkFn with the
// entry at each of the pageLevels levels (PML4, PDPT, PD). Returning false
// from walkFn aborts the walk early.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn func(level uint8, pte *pageTableEntry) bool) {
	tableAddr := as.root
	for level := uint8(0); level < pageLevels; level++ {
		idx := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits) - 1)
		entries := tableEntries(tableAddr)
		pte := &entries[idx]

		if !walkFn(level, pte) {
			return
		}

		if level < pageLevels-1 {
			tableAddr = pte.TableAddr()
		}
	}
}

// pteForAddress returns the terminal page-table entry for virtAddr or
// ErrInvalidMapping if any level along the way is not present.
func (as *AddressSpace) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   *kernel.Error
	)
	as.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		entry = pte
		return true
	})
	return entry, err
}

// Translate returns the physical address virtAddr currently maps to.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}
	return pte.Frame().Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// Map installs a single 2 MiB mapping for page, allocating any missing
// intermediate (PML4/PDPT) tables from the fixed pool.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptRWReserved
	}

	var err *kernel.Error
	as.walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagHugePage)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			var tableAddr uintptr
			tableAddr, err = allocPoolFrame()
			if err != nil {
				return false
			}
			*pte = 0
			pte.SetTableAddr(tableAddr)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}
		return true
	})
	return err
}

// Unmap clears the mapping previously installed by Map for page.
func (as *AddressSpace) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error
	as.walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}
		if level == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
		}
		return true
	})
	return err
}

// mapRegion maps [start, end) to consecutive frames beginning at backing
// and, if track is true, records the range as a Region for overlap
// checking.
func (as *AddressSpace) mapRegion(start, end uintptr, flags PageTableEntryFlag, backing mm.Frame, track bool) *kernel.Error {
	return as.mapRegionFixed(start, end, flags, backing, track, false)
}

func (as *AddressSpace) mapRegionFixed(start, end uintptr, flags PageTableEntryFlag, backing mm.Frame, track, fixed bool) *kernel.Error {
	if start%mm.PageSize != 0 || end%mm.PageSize != 0 {
		return errMisaligned
	}
	frame := backing
	for addr := start; addr < end; addr, frame = addr+mm.PageSize, frame+1 {
		if err := as.Map(mm.PageFromAddress(addr), frame, flags); err != nil {
			return err
		}
	}
	if track {
		as.regions = append(as.regions, Region{Start: start, End: end, Flags: flags, Backing: backing, Fixed: fixed})
	}
	return nil
}

// MapRange maps a caller-supplied virtual range backed by consecutive
// frames starting at backing, after checking it does not overlap any
// existing region in this address space; regions never overlap.
func (as *AddressSpace) MapRange(start, end uintptr, flags PageTableEntryFlag, backing mm.Frame) *kernel.Error {
	return as.mapFixedRange(start, end, flags, backing, false)
}

// MapFixedRange behaves like MapRange but additionally marks the region as
// Fixed, meaning NewAddressSpace replicates it, frame for frame, into every
// subsequently created process address space. Used only for the kernel
// template's IDT/GDT/per-CPU/trampoline regions.
func (as *AddressSpace) MapFixedRange(start, end uintptr, flags PageTableEntryFlag, backing mm.Frame) *kernel.Error {
	return as.mapFixedRange(start, end, flags, backing, true)
}

func (as *AddressSpace) mapFixedRange(start, end uintptr, flags PageTableEntryFlag, backing mm.Frame, fixed bool) *kernel.Error {
	if start%mm.PageSize != 0 || end%mm.PageSize != 0 || end <= start {
		return errMisaligned
	}
	for i := range as.regions {
		if as.regions[i].overlaps(start, end) {
			return errRegionOverlap
		}
	}
	return as.mapRegionFixed(start, end, flags, backing, true, fixed)
}

// UnmapRange removes every mapping in [start, end) and drops the matching
// Region record.
func (as *AddressSpace) UnmapRange(start, end uintptr) *kernel.Error {
	for addr := start; addr < end; addr += mm.PageSize {
		if err := as.Unmap(mm.PageFromAddress(addr)); err != nil {
			return err
		}
	}
	for i := range as.regions {
		if as.regions[i].Start == start && as.regions[i].End == end {
			as.regions = append(as.regions[:i], as.regions[i+1:]...)
			break
		}
	}
	return nil
}

// Destroy releases every page-table frame this address space owns back to
// the pool (the PD/PDPT sub-tables it privately owns; shared high-half
// sub-tables inherited from kernelAS are left alone). Physical frames
// backing individual regions are the caller's responsibility: the process
// model frees them once the scheduler confirms the address space is no
// longer active.
func (as *AddressSpace) Destroy() {
	entries := tableEntries(as.root)
	sharedSet := make(map[uintptr]bool, len(sharedTopLevelIndices))
	for _, idx := range sharedTopLevelIndices {
		sharedSet[idx] = true
	}
	for idx := uintptr(0); idx < uintptr(entriesPerTable); idx++ {
		if sharedSet[idx] || !entries[idx].HasFlags(FlagPresent) {
			continue
		}
		freePDPT(entries[idx].TableAddr())
	}
	freePoolFrame(as.root)
}

// freePDPT releases a PDPT table and every PD table it still points at.
func freePDPT(pdptAddr uintptr) {
	entries := tableEntries(pdptAddr)
	for idx := range entries {
		if entries[idx].HasFlags(FlagPresent) {
			freePoolFrame(entries[idx].TableAddr())
		}
	}
	freePoolFrame(pdptAddr)
}
