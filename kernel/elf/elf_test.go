package elf

import (
	"testing"

	"kyanos/kernel"
	"kyanos/kernel/mm"
)

// buildHeader assembles a minimal valid ELF64 file header with no program
// headers.
func buildHeader() []byte {
	img := make([]byte, headerSize)
	img[0], img[1], img[2], img[3] = 0x7f, 'E', 'L', 'F'
	img[4] = class64
	img[5] = littleEn

	put16(img[16:], etExec)
	put16(img[18:], emAmd64)
	put64(img[24:], uint64(LoadBase)) // entry
	put64(img[32:], headerSize)       // phOff
	put16(img[54:], progHeaderSize)   // phEntSize
	put16(img[56:], 0)                // phNum
	return img
}

// appendSegment adds one program header and grows the image so the
// header's file range exists.
func appendSegment(img []byte, headerType, flags uint32, vaddr, fileSize, memSize uint64) []byte {
	ph := make([]byte, progHeaderSize)
	put32(ph[0:], headerType)
	put32(ph[4:], flags)
	put64(ph[8:], uint64(len(img))+progHeaderSize) // offset: after this header
	put64(ph[16:], vaddr)
	put64(ph[32:], fileSize)
	put64(ph[40:], memSize)

	phNum := get16(img[56:]) + 1
	put16(img[56:], phNum)

	img = append(img, ph...)
	return append(img, make([]byte, fileSize)...)
}

func put16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func get16(b []byte) uint16    { return uint16(b[0]) | uint16(b[1])<<8 }
func put32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func put64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func TestParseHeaderValidation(t *testing.T) {
	specs := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short image", func(img []byte) []byte { return img[:headerSize-1] }},
		{"bad magic", func(img []byte) []byte { img[0] = 0; return img }},
		{"32-bit class", func(img []byte) []byte { img[4] = 1; return img }},
		{"big endian", func(img []byte) []byte { img[5] = 2; return img }},
		{"relocatable type", func(img []byte) []byte { put16(img[16:], 1); return img }},
		{"wrong machine", func(img []byte) []byte { put16(img[18:], 0x28); return img }},
		{"entry off the load base", func(img []byte) []byte { put64(img[24:], uint64(LoadBase)+8); return img }},
	}

	for _, spec := range specs {
		img := spec.mutate(buildHeader())
		if _, err := parseHeader(img); err == nil {
			t.Errorf("%s: expected a validation error", spec.name)
		}
	}

	if _, err := parseHeader(buildHeader()); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}
}

func TestLoadRejectsBadSegments(t *testing.T) {
	base := uint64(LoadBase)
	pageSize := uint64(mm.PageSize)

	specs := []struct {
		name                      string
		vaddr, fileSize, memSize  uint64
	}{
		{"misaligned start", base + 1, 8, 8},
		{"zero mem size", base, 0, 0},
		{"below the load base", uint64(0x20_0000), 8, pageSize},
		{"file larger than memory", base, pageSize + 1, 8},
		{"upper-half segment", uint64(0xffff_8000_0000_0000), 8, pageSize},
	}

	for _, spec := range specs {
		img := appendSegment(buildHeader(), ptLoad, pfExec, spec.vaddr, spec.fileSize, spec.memSize)
		if _, err := Load(img, nil); err == nil {
			t.Errorf("%s: expected Load to fail", spec.name)
		}
	}
}

func TestLoadSkipsNonLoadSegments(t *testing.T) {
	// A PT_NOTE segment with a hostile vaddr must be ignored entirely.
	img := appendSegment(buildHeader(), 4, 0, 0x1000, 8, 8)

	called := false
	defer func(orig func(uint32) ([]mm.Frame, *kernel.Error)) { allocContiguousFn = orig }(allocContiguousFn)
	allocContiguousFn = func(n uint32) ([]mm.Frame, *kernel.Error) {
		called = true
		return nil, nil
	}

	entry, err := Load(img, nil)
	if err != nil {
		t.Fatal(err)
	}
	if entry != LoadBase {
		t.Fatalf("expected entry 0x%x; got 0x%x", LoadBase, entry)
	}
	if called {
		t.Fatal("expected no frame allocation for non-PT_LOAD segments")
	}
}

func TestLoadRejectsTruncatedProgramHeaders(t *testing.T) {
	img := buildHeader()
	put16(img[56:], 3) // claims headers the image does not contain
	if _, err := Load(img, nil); err != errBadSegment {
		t.Fatalf("expected errBadSegment; got %v", err)
	}
}
