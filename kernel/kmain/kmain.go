// Package kmain contains the kernel's Go-side entry point and the boot
// initialization sequence. The subsystem bring-up order is fixed: frame
// allocator, paging, Go runtime allocator, gates and traps, clock,
// entropy and keys, scheduler, IPC bus, syscalls, initrd, then the
// services the initrd carries.
package kmain

import (
	"kyanos/kernel"
	"kyanos/kernel/boot"
	"kyanos/kernel/cap"
	"kyanos/kernel/cpu"
	"kyanos/kernel/gate"
	"kyanos/kernel/goruntime"
	"kyanos/kernel/initrd"
	"kyanos/kernel/ipc"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/kfmt/early"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/pmm"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/proc"
	"kyanos/kernel/rand"
	"kyanos/kernel/sched"
	"kyanos/kernel/selftest"
	"kyanos/kernel/syscall"
	"kyanos/kernel/time"
	"kyanos/kernel/trap"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoInit        = &kernel.Error{Module: "kmain", Message: "no init executable in initrd"}
)

// initExecutable is the initrd entry exec'd as pid 1.
const initExecutable = "serviced.elf"

// Kmain is the only Go symbol visible (exported) from the rt0
// initialization code, which invokes it after the bootloader's handoff:
// long mode, paging enabled with identity-mapped low memory, interrupts
// disabled, boot metadata parked in low memory. Kmain is not expected to
// return; if it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain() {
	early.Init()

	kernelStart, kernelEnd, initrdStart, initrdEnd := boot.KernelImageSpan()
	early.Printf("[kmain] kernel image: 0x%x - 0x%x, initrd: 0x%x - 0x%x\n",
		kernelStart, kernelEnd, initrdStart, initrdEnd)

	var err *kernel.Error
	if err = pmm.Init(kernelStart, initrdEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(totalPhysMemory()); err != nil {
		panic(err)
	} else if err = mapFixedRegions(kernelStart, initrdEnd); err != nil {
		panic(err)
	}

	// The kernel's own page tables now cover everything the boot tables
	// did plus the shared upper half; everything past this point (the
	// bitmap allocator's bookkeeping, the Go heap) lives in upper-half
	// mappings the bootloader's tables never had.
	vmm.KernelAddressSpace().SwitchTo()

	if err = pmm.InitBitmap(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	gate.Init()
	trap.Init()

	if err = time.Init(); err != nil {
		panic(err)
	}
	rand.Init()
	if err = cap.Init(); err != nil {
		panic(err)
	}
	if err = trap.BuildTrampoline(vmm.KernelAddressSpace()); err != nil {
		panic(err)
	}

	sched.Init(schedSliceOverride())
	ipc.Init()
	syscall.Init()

	if err = initrd.Init(initrdStart, initrdEnd); err != nil {
		panic(err)
	}

	if _, selftestOn := boot.GetBootCmdLine()["selftest"]; selftestOn {
		selftest.Run()
	}

	if err = execInit(); err != nil {
		panic(err)
	}

	kfmt.Printf("[kmain] handing off to the scheduler\n")
	cpu.EnableInterrupts()
	sched.Start()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// totalPhysMemory returns the end of the highest usable physical region.
func totalPhysMemory() uintptr {
	var top uint64
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type == boot.MemAvailable {
			if end := region.PhysAddress + region.Length; end > top {
				top = end
			}
		}
		return true
	})
	return uintptr(top)
}

// mapFixedRegions wires the mappings every address space shares: the low
// page holding the IDT/GDT/per-CPU residue, the kernel image together
// with the initrd, and the page-table pool, all supervisor-only. The
// trampoline page is emitted and mapped later, once its backing content
// can be generated.
func mapFixedRegions(kernelStart, imageEnd uintptr) *kernel.Error {
	kas := vmm.KernelAddressSpace()
	pageMask := mm.PageSize - 1

	if err := kas.MapFixedRange(0, mm.PageSize, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, mm.Frame(0)); err != nil {
		return err
	}

	imgStart := kernelStart &^ pageMask
	imgEnd := (imageEnd + pageMask) &^ pageMask
	if err := kas.MapFixedRange(imgStart, imgEnd, vmm.FlagPresent|vmm.FlagRW, mm.FrameFromAddress(imgStart)); err != nil {
		return err
	}

	poolStart, poolEnd := vmm.PoolPhysRange()
	return kas.MapFixedRange(poolStart, poolEnd, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, mm.FrameFromAddress(poolStart))
}

// schedSliceOverride picks up a schedslice=<ns> boot parameter.
func schedSliceOverride() uint64 {
	val, ok := boot.GetBootCmdLine()["schedslice"]
	if !ok {
		return 0
	}
	var ns uint64
	for i := 0; i < len(val); i++ {
		if val[i] < '0' || val[i] > '9' {
			return 0
		}
		ns = ns*10 + uint64(val[i]-'0')
	}
	return ns
}

// execInit loads and starts pid 1 with the full boot capability set.
func execInit() *kernel.Error {
	image, err := initrd.Open(initExecutable)
	if err != nil {
		return errNoInit
	}

	var bootCaps cap.Set
	for _, id := range syscall.AllBootCaps {
		bootCaps.Add(id)
	}

	pid, err := proc.Exec(image, nil, &bootCaps)
	if err != nil {
		return err
	}
	kfmt.Printf("[kmain] started %s as pid %d\n", initExecutable, uint64(pid))
	return nil
}
