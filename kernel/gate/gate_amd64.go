package gate

import (
	"io"
	"unsafe"

	"kyanos/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint occurs when the INT3 instruction executes.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	// gateStubSize is the byte stride between the per-vector entry stubs
	// synthesized by buildGateStubs.
	gateStubSize = 32

	// idtGateInterrupt is the type bits for a 64-bit interrupt gate
	// (interrupts auto-disabled on entry).
	idtGateInterrupt = uint8(0x8e)

	// kernelCodeSelector is the flat ring-0 CS installed by the
	// bootloader's GDT.
	kernelCodeSelector = uint16(0x08)
)

// idtEntry is one 16-byte descriptor in the interrupt descriptor table.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	istOffset  uint8
	typeFlags  uint8
	offsetMid  uint16
	offsetHigh uint32
	_          uint32
}

// idtDescriptor is the 10-byte operand consumed by LIDT.
type idtDescriptor struct {
	limit uint16
	base  uint64
}

var (
	idt     [256]idtEntry
	idtDesc idtDescriptor

	// handlers routes dispatched vectors to their registered Go handler.
	handlers [256]func(*Registers)

	// gateStubs holds the synthesized per-vector entry code: each stub
	// pushes a dummy error code (for vectors where the CPU does not push
	// one) and CALLs gateEntry. The stubs are generated at Init time
	// rather than written out by hand since they only differ in their
	// position; the return address the CALL leaves behind identifies the
	// stub, and therefore the vector, to the dispatcher.
	gateStubs [256 * gateStubSize]byte
)

// errCodeVector returns true for the exception vectors where the CPU
// itself pushes an error code onto the interrupt frame.
func errCodeVector(vec int) bool {
	switch InterruptNumber(vec) {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck:
		return true
	}
	return false
}

// buildGateStubs fills gateStubs with one entry stub per vector. Layout per
// stub (offsets relative to the stub start):
//
//	push $0           ; 68 00 00 00 00     (skipped for errCode vectors)
//	call gateEntry    ; e8 rel32
//
// Both instruction sequences are shorter than gateStubSize, so the return
// address pushed by the CALL divides cleanly back into the stub index.
func buildGateStubs() {
	entry := gateEntryAddr()
	for vec := 0; vec < 256; vec++ {
		p := vec * gateStubSize
		if !errCodeVector(vec) {
			gateStubs[p] = 0x68
			p += 5
		}
		gateStubs[p] = 0xe8
		rel := int64(entry) - (int64(uintptr(unsafe.Pointer(&gateStubs[0]))) + int64(p) + 5)
		gateStubs[p+1] = byte(rel)
		gateStubs[p+2] = byte(rel >> 8)
		gateStubs[p+3] = byte(rel >> 16)
		gateStubs[p+4] = byte(rel >> 24)
	}
}

// Init builds the gate entry stubs, populates the IDT with descriptors
// pointing at them and loads it into the CPU. Individual gates remain
// non-present until enabled via HandleInterrupt.
func Init() {
	buildGateStubs()
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	handlers[intNumber] = handler
	idt[intNumber].istOffset = istOffset
	idt[intNumber].typeFlags = idtGateInterrupt
}

// EnableUserGate marks the gate for intNumber as invocable from ring 3 by
// raising its DPL; used for the syscall vector only.
func EnableUserGate(intNumber InterruptNumber) {
	idt[intNumber].typeFlags |= 3 << 5
}

// installIDT populates idtDesc with the address of the IDT and loads it to
// the CPU. All gate entries are initially marked as non-present and must be
// explicitly enabled via a call to HandleInterrupt.
func installIDT() {
	stubBase := uintptr(unsafe.Pointer(&gateStubs[0]))
	for vec := 0; vec < 256; vec++ {
		target := uint64(stubBase + uintptr(vec*gateStubSize))
		idt[vec].offsetLow = uint16(target)
		idt[vec].offsetMid = uint16(target >> 16)
		idt[vec].offsetHigh = uint32(target >> 32)
		idt[vec].selector = kernelCodeSelector
	}

	idtDesc.limit = uint16(unsafe.Sizeof(idt) - 1)
	idtDesc.base = uint64(uintptr(unsafe.Pointer(&idt[0])))
	loadIDT(&idtDesc)
}

// Reload re-loads the kernel IDT; invoked on the kernel-entry path after a
// user process trampoline may have had a different IDT active.
func Reload() {
	loadIDT(&idtDesc)
}

// dispatchInterrupt is invoked by the gateEntry assembly to route an
// incoming interrupt to the selected handler. The stub that took the
// interrupt is recovered from the return address its CALL pushed; unknown
// vectors are fatal.
func dispatchInterrupt(stubRetAddr uintptr, regs *Registers) {
	vector := (stubRetAddr - uintptr(unsafe.Pointer(&gateStubs[0]))) / gateStubSize
	if !errCodeVector(int(vector & 0xff)) {
		// No CPU error code was pushed for this vector, so the Info
		// slot holds the stub's dummy; overwrite it with the vector
		// number so IRQ and trap handlers can identify their line.
		regs.Info = uint64(vector)
	}
	handler := handlers[vector&0xff]
	if handler == nil {
		kfmt.Printf("\nunknown interrupt vector: 0x%x\nRegisters:\n", vector)
		regs.DumpTo(kfmt.OutputSink())
		kfmt.Panic("gate: no handler for interrupt vector")
		return
	}
	handler(regs)
}

// loadIDT executes LIDT with the supplied descriptor.
func loadIDT(desc *idtDescriptor)

// gateEntryAddr returns the address of the common assembly entry point the
// synthesized stubs jump to.
func gateEntryAddr() uintptr
