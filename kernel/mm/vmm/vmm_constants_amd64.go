package vmm

const (
	// pageLevels is the number of page-table levels walked to resolve a
	// 2 MiB mapping on amd64: PML4 -> PDPT -> PD. Unlike the traditional
	// 4-level/4 KiB scheme, the walk stops one level early because every
	// mapping in this kernel is a 2 MiB huge page.
	pageLevels = 3

	// pageLevelBits is the number of address bits consumed by each
	// level's index; amd64 always uses 9 (512 entries/table).
	pageLevelBits = uint8(9)

	// ptePhysPageMask extracts the physical address (bits 12-51) stored
	// in a page-table entry.
	ptePhysPageMask = uintptr(0x000f_ffff_ffff_f000)

	// poolPhysBase is the start of the fixed, physically-contiguous pool
	// of page-table frames. The pool is mapped
	// 1:1 (identity) into every address space, including the kernel's,
	// so page tables are always dereferenceable without activating the
	// address space that owns them.
	poolPhysBase = uintptr(0x1000_0000)

	// poolSize is the total size of the page-table pool (16 MiB).
	poolSize = uintptr(16 * 1024 * 1024)

	// poolSlotSize is the size of one page-table frame within the pool;
	// PML4/PDPT/PD tables are always traditional 4 KiB tables holding
	// 512 8-byte entries, regardless of the 2 MiB huge-page granularity
	// used for the mappings they ultimately describe.
	poolSlotSize = uintptr(4096)

	// poolSlotCount is the number of 4 KiB table frames available in the
	// pool.
	poolSlotCount = int(poolSize / poolSlotSize)

	// entriesPerTable is the number of pageTableEntry values in one
	// table frame.
	entriesPerTable = int(poolSlotSize / 8)
)

// pageLevelShifts gives the bit offset of the index for each level within a
// virtual address, PML4 first. Not a const because Go forbids const arrays.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21}

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a PD entry as a terminal 2 MiB mapping rather
	// than a pointer to a further table. Every leaf mapping this kernel
	// ever installs carries this flag; there are no 4 KiB mappings.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing this entry on a CR3
	// reload.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write. Mutually
	// exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute = 1 << 63
)
