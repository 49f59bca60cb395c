// Package initrd parses the read-only file table the bootloader loads
// into memory alongside the kernel image. The format is a fixed header, a
// flat array of 16-byte entries and the concatenated, sector-padded file
// bodies in declared order; there is no directory structure and nothing is
// ever written back.
package initrd

import (
	"reflect"
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/kfmt/early"
)

const (
	// Magic identifies an initrd header.
	Magic = uint32(0xd7cafed7)

	// Version is the only supported format revision.
	Version = uint32(1)

	// SectorSize is the padding granularity for file bodies.
	SectorSize = 512

	// nameLen is the fixed width of an entry's zero-padded name field.
	nameLen = 12
)

var (
	earlyPrintfFn = early.Printf

	errBadMagic   = &kernel.Error{Module: "initrd", Message: "bad magic in initrd header"}
	errBadVersion = &kernel.Error{Module: "initrd", Message: "unsupported initrd version"}
	errTruncated  = &kernel.Error{Module: "initrd", Message: "initrd truncated: file bodies extend past the loaded image"}

	// ErrNotFound is returned by Open for names with no entry.
	ErrNotFound = &kernel.Error{Module: "initrd", Message: "no such file"}

	// files maps each name to its body bytes within the loaded image.
	files map[string][]byte
)

// header mirrors the on-disk initrd header.
type header struct {
	magic      uint32
	version    uint32
	entryCount uint32
	reserved   uint32
}

// entry mirrors one on-disk table entry. An all-zero name with a non-zero
// size marks a skip span (the body bytes are advanced over but not
// exposed); a fully zero entry is ignored.
type entry struct {
	name        [nameLen]byte
	sizeSectors uint32
}

// Init parses the initrd image loaded at [start, end) and indexes its
// files. The image is kept in place; Open hands out slices into it.
func Init(start, end uintptr) *kernel.Error {
	hdr := (*header)(unsafe.Pointer(start))
	if hdr.magic != Magic {
		return errBadMagic
	}
	if hdr.version != Version {
		return errBadVersion
	}

	entryBase := start + unsafe.Sizeof(header{})
	entrySize := unsafe.Sizeof(entry{})
	bodyOffset := entryBase + uintptr(hdr.entryCount)*entrySize

	files = make(map[string][]byte, hdr.entryCount)

	for i := uint32(0); i < hdr.entryCount; i++ {
		e := (*entry)(unsafe.Pointer(entryBase + uintptr(i)*entrySize))
		name := entryName(e)
		size := uintptr(e.sizeSectors) * SectorSize

		if name == "" {
			// Reserved entries: non-zero size skips a span, a fully
			// zero entry is padding.
			bodyOffset += size
			continue
		}

		if bodyOffset+size > end {
			return errTruncated
		}

		var body []byte
		hdrPtr := (*reflect.SliceHeader)(unsafe.Pointer(&body))
		hdrPtr.Data = bodyOffset
		hdrPtr.Len = int(size)
		hdrPtr.Cap = int(size)
		files[name] = body

		bodyOffset += size
	}

	earlyPrintfFn("[initrd] indexed %d files\n", len(files))
	return nil
}

// entryName returns the entry's zero-padded name as a string, or "" for
// an all-zero name.
func entryName(e *entry) string {
	n := 0
	for n < nameLen && e.name[n] != 0 {
		n++
	}
	if n == 0 {
		return ""
	}
	return string(e.name[:n])
}

// Open returns the bytes of the named file. The slice aliases the loaded
// image; callers must treat it as read-only.
func Open(name string) ([]byte, *kernel.Error) {
	body, ok := files[name]
	if !ok {
		return nil, ErrNotFound
	}
	return body, nil
}

// Names returns the indexed file names in no particular order. The boot
// sequence does not call it; it opens serviced.elf by name.
func Names() []string {
	out := make([]string, 0, len(files))
	for name := range files {
		out = append(out, name)
	}
	return out
}
