package vmm

import (
	"testing"
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/mm"
)

// setupFakePool redirects the page-table pool at a Go-heap slab so table
// walks run without real physical memory, and stubs out the privileged
// TLB/CR3 primitives.
func setupFakePool(t *testing.T) func() {
	t.Helper()

	slab := make([]byte, poolSize)
	origPtePtr := ptePtrFn
	origSwitch := switchPDTFn
	origActive := activePDTFn
	origFlush := flushTLBEntryFn
	origBitmap := poolBitmap
	origNextFree := poolNextFree
	origKernelAS := kernelAS

	ptePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		if tableAddr < poolPhysBase || tableAddr >= poolPhysBase+poolSize {
			t.Fatalf("table walk touched non-pool address 0x%x", tableAddr)
		}
		return unsafe.Pointer(&slab[tableAddr-poolPhysBase])
	}
	switchPDTFn = func(_ uintptr) {}
	activePDTFn = func() uintptr { return 0 }
	flushTLBEntryFn = func(_ uintptr) {}
	for i := range poolBitmap {
		poolBitmap[i] = false
	}
	poolNextFree = 0

	return func() {
		ptePtrFn = origPtePtr
		switchPDTFn = origSwitch
		activePDTFn = origActive
		flushTLBEntryFn = origFlush
		poolBitmap = origBitmap
		poolNextFree = origNextFree
		kernelAS = origKernelAS
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	defer setupFakePool(t)()

	as, err := newRawAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	page := mm.PageFromAddress(0x80_0000)
	frame := mm.Frame(42)

	if err := as.Map(page, frame, FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}

	phys, err := as.Translate(0x80_0000 + 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if exp := frame.Address() + 0x1234; phys != exp {
		t.Fatalf("expected translation 0x%x; got 0x%x", exp, phys)
	}

	if err := as.Unmap(page); err != nil {
		t.Fatal(err)
	}
	if _, err := as.Translate(0x80_0000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}
}

func TestMapRangeRejectsMisalignedAndOverlapping(t *testing.T) {
	defer setupFakePool(t)()

	as, err := newRawAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		start, end uintptr
		expErr     *kernel.Error
	}{
		{0x80_0000 + 1, 0xa0_0000, errMisaligned},
		{0x80_0000, 0xa0_0000 - 1, errMisaligned},
		{0xa0_0000, 0xa0_0000, errMisaligned},
	}
	for specIndex, spec := range specs {
		if err := as.MapRange(spec.start, spec.end, FlagPresent, mm.Frame(1)); err != spec.expErr {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.expErr, err)
		}
	}

	if err := as.MapRange(0x80_0000, 0xc0_0000, FlagPresent, mm.Frame(1)); err != nil {
		t.Fatal(err)
	}
	if err := as.MapRange(0xa0_0000, 0xe0_0000, FlagPresent, mm.Frame(9)); err != errRegionOverlap {
		t.Fatalf("expected errRegionOverlap; got %v", err)
	}
}

func TestNewAddressSpaceInheritsKernelMappings(t *testing.T) {
	defer setupFakePool(t)()

	kas, err := newRawAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	kernelAS = kas

	// A shared upper-half mapping and a fixed low region on the kernel
	// template.
	sharedAddr := higherHalfStart + 4*mm.PageSize
	if err := kas.Map(mm.PageFromAddress(sharedAddr), mm.Frame(7), FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}
	if err := kas.MapFixedRange(0x20_0000, 0x40_0000, FlagPresent, mm.Frame(1)); err != nil {
		t.Fatal(err)
	}

	as, err := NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	// The shared entry arrives by reference: mapping a second upper-half
	// page through the kernel template must become visible in the child
	// without touching it.
	if phys, err := as.Translate(sharedAddr); err != nil || phys != mm.Frame(7).Address() {
		t.Fatalf("expected inherited shared mapping; got 0x%x, %v", phys, err)
	}
	lateAddr := higherHalfStart + 8*mm.PageSize
	if err := kas.Map(mm.PageFromAddress(lateAddr), mm.Frame(9), FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}
	if phys, err := as.Translate(lateAddr); err != nil || phys != mm.Frame(9).Address() {
		t.Fatalf("expected late kernel mapping to appear in child; got 0x%x, %v", phys, err)
	}

	// The fixed region is replicated frame for frame.
	if phys, err := as.Translate(0x20_0000); err != nil || phys != mm.Frame(1).Address() {
		t.Fatalf("expected replicated fixed region; got 0x%x, %v", phys, err)
	}
}
