// Package boot decodes the fixed, low-memory handoff block the bootloader
// leaves behind before jumping to the kernel entry point. The layout is
// not self-describing: a fixed e820-style memory map array, a count
// prefix, the kernel image span and a NUL-terminated command line, all
// overlaid in place with unsafe.Pointer rather than copied out.
package boot

import (
	"reflect"
	"strings"
	"unsafe"
)

const (
	// mmapBufferAddr is BOOT_TMP_MMAP_BUFFER: a uint32 entry count followed
	// by that many MemoryMapEntry values, identity-mapped by the bootloader
	// before the kernel gains control.
	mmapBufferAddr = uintptr(0x0000_9000)

	// cmdLineAddr holds a NUL-terminated ASCII command line, also left by
	// the bootloader at a fixed, pre-agreed address.
	cmdLineAddr = uintptr(0x0000_8000)

	// maxCmdLineLen bounds the scan in case the bootloader forgot the
	// terminator; nothing legitimate is anywhere near this long.
	maxCmdLineLen = 4096

	// kernelSplitAddr and kernelEndAddr hold, as u32 sector counts from
	// the start of the loaded image, the end of the kernel ELF and the
	// end of the whole image (kernel + initrd). The bootloader stores
	// them while reading sectors; the kernel must consume them before
	// its first frame allocation can recycle the area.
	kernelSplitAddr = uintptr(0x0000_7bf0)
	kernelEndAddr   = uintptr(0x0000_7bf4)

	// kernelLocation is the physical address the bootloader loads the
	// image at.
	kernelLocation = uintptr(0x100_0000)

	// sectorSize is the disk sector granularity the split counts use.
	sectorSize = uintptr(512)
)

var cmdLineKV map[string]string

// KernelImageSpan locates the loaded kernel ELF and the initrd that
// follows it, from the sector counts the bootloader left behind.
func KernelImageSpan() (kernelStart, kernelEnd, initrdStart, initrdEnd uintptr) {
	splitSectors := uintptr(*(*uint32)(unsafe.Pointer(kernelSplitAddr)))
	totalSectors := uintptr(*(*uint32)(unsafe.Pointer(kernelEndAddr)))

	kernelStart = kernelLocation
	kernelEnd = kernelLocation + splitSectors*sectorSize
	initrdStart = kernelEnd
	initrdEnd = kernelLocation + totalSectors*sectorSize
	return kernelStart, kernelEnd, initrdStart, initrdEnd
}

// MemoryEntryType classifies a MemoryMapEntry the same way the e820 BIOS
// call does.
type MemoryEntryType uint32

const (
	// MemAvailable indicates RAM usable by the frame allocator.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates memory the frame allocator must never hand out
	// (MMIO holes, bootloader structures, ACPI tables still in use).
	MemReserved

	// MemAcpiReclaimable indicates memory holding ACPI tables that can be
	// folded back into the available pool once they have been parsed by
	// the ACPI driver process.
	MemAcpiReclaimable

	// MemNvs must be preserved across a suspend/resume cycle.
	MemNvs

	// memUnknown is the first value mapped back to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a single physical memory region handed off by
// the bootloader.
type MemoryMapEntry struct {
	// PhysAddress is the region's starting physical address.
	PhysAddress uint64

	// Length is the region size in bytes.
	Length uint64

	// Type classifies the region.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryMapEntry.
func (e *MemoryMapEntry) String() string {
	return "[" + e.Type.String() + "]"
}

// mmapHeader mirrors the count prefix at mmapBufferAddr.
type mmapHeader struct {
	entryCount uint32
}

// MemRegionVisitor is invoked by VisitMemRegions for every entry in the
// boot-time memory map. Returning false stops the scan early.
type MemRegionVisitor func(*MemoryMapEntry) bool

// VisitMemRegions walks the e820-style memory map left by the bootloader,
// invoking visitor for each entry until it returns false or the map is
// exhausted.
func VisitMemRegions(visitor MemRegionVisitor) {
	header := (*mmapHeader)(unsafe.Pointer(mmapBufferAddr))
	entrySize := unsafe.Sizeof(MemoryMapEntry{})
	base := mmapBufferAddr + unsafe.Sizeof(mmapHeader{})

	for i := uint32(0); i < header.entryCount; i++ {
		entry := (*MemoryMapEntry)(unsafe.Pointer(base + uintptr(i)*entrySize))
		if entry.Type == 0 || entry.Type > memUnknown {
			entry.Type = MemReserved
		}
		if !visitor(entry) {
			return
		}
	}
}

// GetBootCmdLine returns the parsed k=v command-line pairs passed to the
// kernel. Flags without a value (e.g. "selftest") map to themselves. The result
// is memoized; call only after the early allocator is up since the first
// call allocates a map.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	cmdLineKV = make(map[string]string)

	length := 0
	for ; length < maxCmdLineLen; length++ {
		if *(*byte)(unsafe.Pointer(cmdLineAddr + uintptr(length))) == 0 {
			break
		}
	}

	var cmdLine string
	cmdLineHeader := (*reflect.StringHeader)(unsafe.Pointer(&cmdLine))
	cmdLineHeader.Data = cmdLineAddr
	cmdLineHeader.Len = length

	for _, pair := range strings.Fields(cmdLine) {
		kv := strings.SplitN(pair, "=", 2)
		switch len(kv) {
		case 2:
			cmdLineKV[kv[0]] = kv[1]
		case 1:
			cmdLineKV[kv[0]] = kv[0]
		}
	}

	return cmdLineKV
}
