package vmm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/cpu"
	"kyanos/kernel/gate"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/mm"
)

func TestRecoverablePageFault(t *testing.T) {
	var (
		regs       gate.Registers
		pageEntry  pageTableEntry
		origPage   = make([]byte, mm.PageSize)
		clonedPage = make([]byte, mm.PageSize)
		err        = &kernel.Error{Module: "test", Message: "something went wrong"}

		// Synthetic frame numbers; physMapFn resolves them to the two
		// buffers above.
		origFrame = mm.Frame(1)
		copyFrame = mm.Frame(2)
	)

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origPhysMap func(uintptr) uintptr, origKernelAS *AddressSpace) {
		ptePtrFn = origPtePtr
		readCR2Fn = cpu.ReadCR2
		mm.SetFrameAllocator(nil)
		flushTLBEntryFn = cpu.FlushTLBEntry
		physMapFn = origPhysMap
		kernelAS = origKernelAS
	}(ptePtrFn, physMapFn, kernelAS)

	specs := []struct {
		pteFlags   PageTableEntryFlag
		allocError *kernel.Error
		expPanic   bool
	}{
		// Missing pte
		{0, nil, true},
		// Page is present but CoW flag not set
		{FlagPresent, nil, true},
		// Page is present but both CoW and RW flags set
		{FlagPresent | FlagRW | FlagCopyOnWrite, nil, true},
		// Page is present with CoW flag set but allocating a page copy fails
		{FlagPresent | FlagCopyOnWrite, err, true},
		// Page is present with CoW flag set
		{FlagPresent | FlagCopyOnWrite, nil, false},
	}

	kernelAS = &AddressSpace{}
	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	// Every table index of this address is 0, so each level of the walk
	// lands on the single fake entry above.
	readCR2Fn = func() uint64 { return uint64(0x1234) }
	flushTLBEntryFn = func(_ uintptr) {}
	physMapFn = func(addr uintptr) uintptr {
		switch addr {
		case origFrame.Address():
			return uintptr(unsafe.Pointer(&origPage[0]))
		case copyFrame.Address():
			return uintptr(unsafe.Pointer(&clonedPage[0]))
		}
		return addr
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			defer func() {
				err := recover()
				if spec.expPanic && err == nil {
					t.Error("expected a panic")
				} else if !spec.expPanic {
					if err != nil {
						t.Error("unexpected panic")
						return
					}

					for i := 0; i < len(origPage); i++ {
						if origPage[i] != clonedPage[i] {
							t.Errorf("expected clone page to be a copy of the original page; mismatch at index %d", i)
							return
						}
					}
					if pageEntry.Frame() != copyFrame {
						t.Errorf("expected the faulting entry re-pointed at the copy frame; got %d", pageEntry.Frame())
					}
					if !pageEntry.HasFlags(FlagPresent|FlagRW) || pageEntry.HasAnyFlag(FlagCopyOnWrite) {
						t.Error("expected the CoW flag swapped for RW on the faulting entry")
					}
				}
			}()

			mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
				return copyFrame, spec.allocError
			})

			for i := 0; i < len(origPage); i++ {
				origPage[i] = byte(i % 256)
				clonedPage[i] = 0
			}

			pageEntry = 0
			pageEntry.SetFrame(origFrame)
			pageEntry.SetFlags(spec.pteFlags)

			regs = gate.Registers{Info: 2}
			pageFaultHandler(&regs)
		})
	}
}

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{
			0,
			"read from non-present page",
		},
		{
			1,
			"page protection violation (read)",
		},
		{
			2,
			"write to non-present page",
		},
		{
			3,
			"page protection violation (write)",
		},
		{
			4,
			"page-fault in user-mode",
		},
		{
			8,
			"page table has reserved bit set",
		},
		{
			16,
			"instruction fetch",
		},
		{
			0xf00,
			"unknown",
		},
	}

	var (
		regs gate.Registers
		buf  bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			regs.Info = spec.errCode
			nonRecoverablePageFault(0xbadf00d000, &regs, errUnrecoverableFault)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

// TestUserModeFaultIsolation checks that a fault whose saved CS names ring
// 3 reaches the registered user-fault callback instead of panicking the
// kernel, and that the panic fallback survives when no callback is
// registered yet.
func TestUserModeFaultIsolation(t *testing.T) {
	defer func(origPtePtr func(uintptr) unsafe.Pointer, origKernelAS *AddressSpace) {
		ptePtrFn = origPtePtr
		readCR2Fn = cpu.ReadCR2
		kernelAS = origKernelAS
		userPageFaultFn = nil
	}(ptePtrFn, kernelAS)

	var pageEntry pageTableEntry
	kernelAS = &AddressSpace{}
	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	readCR2Fn = func() uint64 { return 0xbadf00d000 }

	t.Run("page fault routed to the user handler", func(t *testing.T) {
		var (
			gotRegs *gate.Registers
			gotAddr uintptr
			gotErr  *kernel.Error
		)
		SetUserFaultHandler(func(regs *gate.Registers, faultAddr uintptr, err *kernel.Error) {
			gotRegs, gotAddr, gotErr = regs, faultAddr, err
		})

		defer func() {
			if err := recover(); err != nil {
				t.Errorf("a user-mode fault must not panic the kernel; got %v", err)
			}
		}()

		pageEntry = 0 // not present: unrecoverable for ring 0
		regs := gate.Registers{CS: 0x1b, Info: 2}
		pageFaultHandler(&regs)

		if gotRegs != &regs || gotAddr != 0xbadf00d000 || gotErr == nil {
			t.Errorf("user handler saw (%p, 0x%x, %v)", gotRegs, gotAddr, gotErr)
		}
	})

	t.Run("GPF routed to the user handler", func(t *testing.T) {
		invoked := false
		SetUserFaultHandler(func(_ *gate.Registers, _ uintptr, _ *kernel.Error) {
			invoked = true
		})

		defer func() {
			if err := recover(); err != nil {
				t.Errorf("a user-mode GPF must not panic the kernel; got %v", err)
			}
		}()

		regs := gate.Registers{CS: 0x1b}
		generalProtectionFaultHandler(&regs)
		if !invoked {
			t.Error("expected the user handler invoked")
		}
	})

	t.Run("nil handler falls back to panicking", func(t *testing.T) {
		userPageFaultFn = nil

		defer func() {
			kfmt.SetOutputSink(nil)
			if err := recover(); err != errUnrecoverableFault {
				t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
			}
		}()

		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		regs := gate.Registers{CS: 0x1b, Info: 2}
		nonRecoverablePageFault(0xbadf00d000, &regs, errUnrecoverableFault)
	})

	t.Run("kernel-mode fault ignores the user handler", func(t *testing.T) {
		SetUserFaultHandler(func(_ *gate.Registers, _ uintptr, _ *kernel.Error) {
			t.Error("user handler must not run for a ring-0 fault")
		})

		defer func() {
			kfmt.SetOutputSink(nil)
			if err := recover(); err != errUnrecoverableFault {
				t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
			}
		}()

		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)

		regs := gate.Registers{CS: 0x08, Info: 2}
		nonRecoverablePageFault(0xbadf00d000, &regs, errUnrecoverableFault)
	})
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
		kfmt.SetOutputSink(nil)
	}()

	var regs gate.Registers

	readCR2Fn = func() uint64 {
		return 0xbadf00d000
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(&regs)
}
