package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). All frames and pages in this
	// kernel are 2 MiB huge pages; attempts to map a range whose start or
	// length is not a multiple of PageSize must fail.
	PageShift = uintptr(21)

	// PageSize defines the system's page size in bytes (2 MiB).
	PageSize = uintptr(1 << PageShift)
)
