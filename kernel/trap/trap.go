// Package trap is the upper half of the interrupt plumbing: it owns the
// vector number assignments, routes hardware IRQs to their in-kernel
// handlers, forwards driver-bound IRQs to user processes and installs the
// handlers for the CPU exception vectors the mm layer does not claim for
// itself. The lower half (IDT mechanics, register frames) lives in
// kernel/gate; the user/kernel transition code lives in the trampoline
// page managed by this package.
package trap

import (
	"kyanos/kernel/cpu"
	"kyanos/kernel/gate"
	"kyanos/kernel/kfmt"
)

const (
	// IRQBase is the vector the first PIC line (the PIT timer) is
	// remapped to; lines 0-15 occupy IRQBase..IRQBase+15.
	IRQBase = gate.InterruptNumber(0x20)

	// IRQCount is the number of PIC lines.
	IRQCount = 16

	// VecSyscall is the software interrupt vector user processes invoke
	// for system calls.
	VecSyscall = gate.InterruptNumber(0xd7)

	// VecLapicTimer is the vector the local APIC timer delivers its
	// one-shot expiry on.
	VecLapicTimer = gate.InterruptNumber(0xd8)

	// VecPanicIPI is the inter-processor interrupt broadcast when one
	// core panics so the others halt too.
	VecPanicIPI = gate.InterruptNumber(0xdd)

	// VecSpurious is programmed into the IOAPIC/LAPIC spurious interrupt
	// register; deliveries are acknowledged and dropped.
	VecSpurious = gate.InterruptNumber(0xff)
)

// IRQHandlerFn is invoked, with interrupts disabled, for a hardware
// interrupt line. Handlers must do bounded work: typically reading the
// device status and posting a wake-up to the scheduler's pending ring.
type IRQHandlerFn func(irq uint8)

var (
	handleInterruptFn = gate.HandleInterrupt

	// irqHandlers holds the in-kernel handler for each PIC line.
	irqHandlers [IRQCount]IRQHandlerFn

	// irqNotifierFn, when set, is invoked for any IRQ line a user driver
	// process has bound via BindUserIRQ; the notification travels to the
	// process as an IPC message published on kernel/irq/<line>.
	irqNotifierFn func(irq uint8)

	// irqUserBound marks lines claimed by user driver processes.
	irqUserBound [IRQCount]bool

	// syscallFn handles VecSyscall entries; installed by the syscall
	// package.
	syscallFn func(*gate.Registers)

	// timerFn handles VecLapicTimer entries; installed by the scheduler.
	timerFn func(*gate.Registers)

	// lapicEOIFn signals end-of-interrupt to the local APIC; installed by
	// the time package once the LAPIC is mapped.
	lapicEOIFn func()
)

// Init claims the vectors this package owns. The exception vectors the mm
// layer handles (page fault, GPF) are installed by vmm.Init; everything
// else that can legally fire ends up here, and any vector with no handler
// at all panics inside kernel/gate.
func Init() {
	for _, exc := range []gate.InterruptNumber{
		gate.DivideByZero, gate.NMI, gate.Breakpoint, gate.Overflow,
		gate.BoundRangeExceeded, gate.InvalidOpcode, gate.DeviceNotAvailable,
		gate.InvalidTSS, gate.SegmentNotPresent, gate.StackSegmentFault,
		gate.FloatingPointException, gate.AlignmentCheck, gate.MachineCheck,
		gate.SIMDFloatingPointException,
	} {
		handleInterruptFn(exc, 0, exceptionHandler)
	}
	handleInterruptFn(gate.DoubleFault, 1, doubleFaultHandler)

	for line := gate.InterruptNumber(0); line < IRQCount; line++ {
		handleInterruptFn(IRQBase+line, 0, picIRQHandler)
	}

	handleInterruptFn(VecPanicIPI, 0, panicIPIHandler)
	handleInterruptFn(VecSpurious, 0, spuriousHandler)
	handleInterruptFn(VecSyscall, 0, syscallEntry)
	gate.EnableUserGate(VecSyscall)
	handleInterruptFn(VecLapicTimer, 0, lapicTimerEntry)

	remapPIC()
}

// SetSyscallHandler installs the function invoked for VecSyscall entries.
func SetSyscallHandler(fn func(*gate.Registers)) { syscallFn = fn }

// SetTimerHandler installs the function invoked for VecLapicTimer entries.
func SetTimerHandler(fn func(*gate.Registers)) { timerFn = fn }

// SetLapicEOI installs the end-of-interrupt acknowledgement function.
func SetLapicEOI(fn func()) { lapicEOIFn = fn }

// SetIRQNotifier installs the callback that forwards a user-bound IRQ line
// into the IPC bus.
func SetIRQNotifier(fn func(irq uint8)) { irqNotifierFn = fn }

// HandleIRQ registers an in-kernel handler for a PIC line and unmasks it.
func HandleIRQ(irq uint8, handler IRQHandlerFn) {
	irqHandlers[irq] = handler
	unmaskIRQ(irq)
}

// BindUserIRQ marks a PIC line as forwarded to user space and unmasks it.
// Subsequent interrupts on the line reach the owning driver process
// through the notifier installed with SetIRQNotifier.
func BindUserIRQ(irq uint8) {
	if irq >= IRQCount {
		return
	}
	irqUserBound[irq] = true
	unmaskIRQ(irq)
}

// exceptionHandler covers the CPU exceptions with no dedicated handler. A
// fault taken from user mode terminates the offending process via the
// callback installed by kernel/syscall; a fault in kernel mode is not
// recoverable.
func exceptionHandler(regs *gate.Registers) {
	if regs.CS&3 != 0 && userFaultFn != nil {
		userFaultFn(regs)
		return
	}
	kfmt.Printf("\nunhandled CPU exception (code 0x%x)\nRegisters:\n", regs.Info)
	regs.DumpTo(kfmt.OutputSink())
	kfmt.Panic("trap: unhandled kernel-mode exception")
}

func doubleFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\ndouble fault\nRegisters:\n")
	regs.DumpTo(kfmt.OutputSink())
	kfmt.Panic("trap: double fault")
}

func panicIPIHandler(regs *gate.Registers) {
	cpu.DisableInterrupts()
	for {
		cpu.Halt()
	}
}

func spuriousHandler(regs *gate.Registers) {}

// userFaultFn terminates the current process after a user-mode exception;
// installed by syscall.Init.
var userFaultFn func(*gate.Registers)

// SetUserFaultHandler installs the callback invoked when a CPU exception
// is taken from user mode.
func SetUserFaultHandler(fn func(*gate.Registers)) { userFaultFn = fn }

// picIRQHandler fans a remapped PIC vector out to its registered kernel
// handler and, if a user driver bound the line, to the IPC notifier. The
// PIC is acknowledged before the handlers run so a slow handler cannot
// hold off lower-priority lines once interrupts are re-enabled by the
// eventual iretq.
func picIRQHandler(regs *gate.Registers) {
	irq := uint8(regs.Info) - uint8(IRQBase)
	ackPIC(irq)

	if handler := irqHandlers[irq]; handler != nil {
		handler(irq)
	}
	if irqUserBound[irq] && irqNotifierFn != nil {
		irqNotifierFn(irq)
	}
}

func syscallEntry(regs *gate.Registers) {
	if syscallFn == nil {
		kfmt.Panic("trap: syscall vector fired before syscall.Init")
	}
	syscallFn(regs)
}

func lapicTimerEntry(regs *gate.Registers) {
	if lapicEOIFn != nil {
		lapicEOIFn()
	}
	if timerFn != nil {
		timerFn(regs)
	}
}
