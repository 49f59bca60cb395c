// Package elf maps ELF64 executable images into process address spaces.
// The header structs are overlaid directly onto the raw image bytes with
// unsafe.Pointer; images arrive as in-memory initrd slices, never as
// host files, so there is no reader abstraction in between.
package elf

import (
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
)

const (
	// LoadBase is the agreed virtual address user images are linked at:
	// the first huge page above the process stack region.
	LoadBase = uintptr(0x80_0000)

	// userSpaceTop bounds user segment placement; the upper half belongs
	// to the kernel.
	userSpaceTop = uintptr(0x8000_0000_0000)

	headerSize     = 64
	progHeaderSize = 56

	ptLoad = uint32(1)

	pfExec  = uint32(1)
	pfWrite = uint32(2)

	etExec   = uint16(2)
	emAmd64  = uint16(0x3e)
	class64  = byte(2)
	littleEn = byte(1)
)

var (
	allocContiguousFn = mm.AllocContiguousFrames

	errImageTooShort = &kernel.Error{Module: "elf", Message: "image shorter than the ELF64 header"}
	errBadMagic      = &kernel.Error{Module: "elf", Message: "bad ELF magic"}
	errBadClass      = &kernel.Error{Module: "elf", Message: "not a little-endian ELF64 image"}
	errBadType       = &kernel.Error{Module: "elf", Message: "not an executable AMD64 image"}
	errBadEntry      = &kernel.Error{Module: "elf", Message: "entry point is not at the agreed load base"}
	errBadSegment    = &kernel.Error{Module: "elf", Message: "segment is misaligned, truncated or overlaps a fixed low region"}
)

// fileHeader overlays the fixed ELF64 file header.
type fileHeader struct {
	ident     [16]byte
	fileType  uint16
	machine   uint16
	version   uint32
	entry     uint64
	phOff     uint64
	shOff     uint64
	flags     uint32
	ehSize    uint16
	phEntSize uint16
	phNum     uint16
	shEntSize uint16
	shNum     uint16
	shStrNdx  uint16
}

// progHeader overlays one ELF64 program header.
type progHeader struct {
	headerType uint32
	flags      uint32
	offset     uint64
	vaddr      uint64
	paddr      uint64
	fileSize   uint64
	memSize    uint64
	align      uint64
}

// Load validates image and maps its PT_LOAD segments into as, returning
// the image's entry point. Segment memory is drawn from the physical
// frame allocator; mappings carry user permissions derived from the
// segment flags.
func Load(image []byte, as *vmm.AddressSpace) (uintptr, *kernel.Error) {
	hdr, err := parseHeader(image)
	if err != nil {
		return 0, err
	}

	for i := uint16(0); i < hdr.phNum; i++ {
		off := uintptr(hdr.phOff) + uintptr(i)*uintptr(hdr.phEntSize)
		if off+progHeaderSize > uintptr(len(image)) {
			return 0, errBadSegment
		}
		ph := (*progHeader)(unsafe.Pointer(&image[off]))
		if ph.headerType != ptLoad {
			continue
		}
		if err := loadSegment(image, as, ph); err != nil {
			return 0, err
		}
	}

	return uintptr(hdr.entry), nil
}

func parseHeader(image []byte) (*fileHeader, *kernel.Error) {
	if len(image) < headerSize {
		return nil, errImageTooShort
	}
	hdr := (*fileHeader)(unsafe.Pointer(&image[0]))
	if hdr.ident[0] != 0x7f || hdr.ident[1] != 'E' || hdr.ident[2] != 'L' || hdr.ident[3] != 'F' {
		return nil, errBadMagic
	}
	if hdr.ident[4] != class64 || hdr.ident[5] != littleEn {
		return nil, errBadClass
	}
	if hdr.fileType != etExec || hdr.machine != emAmd64 {
		return nil, errBadType
	}
	if uintptr(hdr.entry) != LoadBase {
		return nil, errBadEntry
	}
	return hdr, nil
}

// loadSegment allocates physical backing for one PT_LOAD segment, maps it
// into as, zero-fills memSize bytes and copies in the fileSize bytes the
// image provides.
func loadSegment(image []byte, as *vmm.AddressSpace, ph *progHeader) *kernel.Error {
	start := uintptr(ph.vaddr)
	memSize := uintptr(ph.memSize)
	if start%mm.PageSize != 0 || memSize == 0 {
		return errBadSegment
	}
	end := start + ((memSize + mm.PageSize - 1) &^ (mm.PageSize - 1))
	if start < LoadBase || end > userSpaceTop || end <= start {
		return errBadSegment
	}
	if uintptr(ph.offset)+uintptr(ph.fileSize) > uintptr(len(image)) || ph.fileSize > ph.memSize {
		return errBadSegment
	}

	pageCount := uint32((end - start) / mm.PageSize)
	frames, err := allocContiguousFn(pageCount)
	if err != nil {
		return err
	}

	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if ph.flags&pfWrite != 0 {
		flags |= vmm.FlagRW
	}
	if ph.flags&pfExec == 0 {
		flags |= vmm.FlagNoExecute
	}
	if err := as.MapRange(start, end, flags, frames[0]); err != nil {
		return err
	}

	// The frames are contiguous, so the whole segment is reachable as
	// one span through the kernel's physical-memory window.
	dst := vmm.PhysicalMapAddr(frames[0].Address())
	kernel.Memset(dst, 0, end-start)
	if ph.fileSize > 0 {
		src := uintptr(unsafe.Pointer(&image[ph.offset]))
		kernel.Memcopy(src, dst, uintptr(ph.fileSize))
	}
	return nil
}
