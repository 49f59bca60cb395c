package vmm

import "kyanos/kernel"

var (
	errPoolExhausted = &kernel.Error{Module: "vmm", Message: "page-table frame pool exhausted"}

	// poolBitmap tracks reserved (true) vs free slots in the fixed
	// page-table pool. Sized at compile time since the pool's extent
	// (poolPhysBase, poolSize) is a fixed architectural constant rather
	// than discovered from the BIOS memory map.
	poolBitmap [poolSlotCount]bool

	// poolNextFree is a hint for the next slot to examine; it avoids
	// rescanning from zero on every allocation in the common case.
	poolNextFree int
)

// PoolPhysRange returns the physical span of the fixed page-table pool;
// the boot path identity-maps it into every address space.
func PoolPhysRange() (start, end uintptr) {
	return poolPhysBase, poolPhysBase + poolSize
}

// poolSlotAddr returns the physical (== virtual, the pool is identity
// mapped) address of pool slot i.
func poolSlotAddr(i int) uintptr {
	return poolPhysBase + uintptr(i)*poolSlotSize
}

// allocPoolFrame reserves and zeroes one 4 KiB page-table frame from the
// fixed pool, returning its address (usable directly as a pointer since the
// pool is identity-mapped in every address space).
func allocPoolFrame() (uintptr, *kernel.Error) {
	for tries := 0; tries < poolSlotCount; tries++ {
		i := (poolNextFree + tries) % poolSlotCount
		if !poolBitmap[i] {
			poolBitmap[i] = true
			poolNextFree = (i + 1) % poolSlotCount
			addr := poolSlotAddr(i)
			// Zero through ptePtrFn so tests can redirect the pool at
			// heap-backed fake tables.
			kernel.Memset(uintptr(ptePtrFn(addr)), 0, poolSlotSize)
			return addr, nil
		}
	}
	return 0, errPoolExhausted
}

// freePoolFrame releases a page-table frame back to the pool.
func freePoolFrame(addr uintptr) {
	if addr < poolPhysBase || addr >= poolPhysBase+poolSize {
		return
	}
	i := int((addr - poolPhysBase) / poolSlotSize)
	poolBitmap[i] = false
	if i < poolNextFree {
		poolNextFree = i
	}
}
