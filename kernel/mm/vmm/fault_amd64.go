package vmm

import (
	"kyanos/kernel"
	"kyanos/kernel/gate"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/mm"
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt

	// userPageFaultFn is invoked for a page fault whose saved CS selector
	// indicates it originated in user mode; faults from user mode
	// terminate the offending process only. kernel/syscall wires this to
	// its process-termination path during Init; until then (e.g. in unit
	// tests) a nil check below falls back to panicking so a fault is
	// never silently ignored.
	userPageFaultFn func(regs *gate.Registers, faultAddr uintptr, err *kernel.Error)

	// physMapFn resolves a physical address through the upper-half
	// window; tests point it at heap-backed buffers so the CoW copy can
	// run without real frames.
	physMapFn = PhysicalMapAddr
)

// SetUserFaultHandler installs the callback invoked when a page fault or
// general-protection fault is taken from user mode. Called once by
// kernel/syscall during initialization.
func SetUserFaultHandler(fn func(regs *gate.Registers, faultAddr uintptr, err *kernel.Error)) {
	userPageFaultFn = fn
}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

func fromUserMode(regs *gate.Registers) bool {
	return regs.CS&3 != 0
}

// pageFaultHandler is invoked when a PD or PD-entry is not present or a RW
// protection check fails.
func pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = mm.PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	kernelAS.walk(faultPage.Address(), func(level uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if level == pageLevels-1 && present {
			pageEntry = pte
		}
		return present
	})

	// CoW is supported for RO pages with the CoW flag set.
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		copyFrame, err := mm.AllocFrame()
		if err == nil {
			dst := physMapFn(copyFrame.Address())
			kernel.Memcopy(physMapFn(pageEntry.Frame().Address()), dst, mm.PageSize)

			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copyFrame)
			flushTLBEntryFn(faultPage.Address())
			return
		}
		nonRecoverablePageFault(faultAddress, regs, err)
		return
	}

	nonRecoverablePageFault(faultAddress, regs, errUnrecoverableFault)
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	if fromUserMode(regs) && userPageFaultFn != nil {
		userPageFaultFn(regs, uintptr(readCR2Fn()), errUnrecoverableFault)
		return
	}

	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.OutputSink())
	panic(errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	if fromUserMode(regs) && userPageFaultFn != nil {
		userPageFaultFn(regs, faultAddress, err)
		return
	}

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch regs.Info {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.OutputSink())
	panic(err)
}
