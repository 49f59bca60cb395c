package trap

import (
	"kyanos/kernel"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
)

const (
	// TrampolineBase is the virtual (and physical) address of the shared
	// trampoline page. It is mapped, with identical content, into every
	// address space so the handful of instructions that must survive a
	// CR3 switch always execute from the same location.
	TrampolineBase = uintptr(0x20_0000)

	// IdleLoopOffset locates the idle loop within the trampoline: an
	// sti;hlt;jmp sequence the scheduler points the interrupt return
	// frame at when the runnable queue is empty. The next interrupt
	// wakes the CPU and re-enters the scheduler.
	IdleLoopOffset = uintptr(0)

	// ReturnOffset locates the return-to-user sequence: load CR3 from
	// RDI (the target address space root) and IRETQ through the frame
	// the kernel-side dispatcher prepared. Executing it from the
	// trampoline rather than from the kernel image means the sequence
	// remains mapped at the same address on both sides of the CR3
	// write.
	ReturnOffset = uintptr(16)
)

// IdleLoopAddr returns the address the scheduler targets when idling.
func IdleLoopAddr() uintptr { return TrampolineBase + IdleLoopOffset }

// ReturnToUserAddr returns the address of the CR3-switching iretq
// sequence.
func ReturnToUserAddr() uintptr { return TrampolineBase + ReturnOffset }

// BuildTrampoline allocates the trampoline's backing frame (the fixed
// frame at TrampolineBase; the physical allocator keeps the low region
// reserved so the address is always ours), emits the trampoline code into
// it and maps it into the kernel address space template as a fixed region,
// which NewAddressSpace then replicates into every process.
//
//	+0x00  sti; hlt; jmp -3          idle loop, entered with CS=ring0
//	+0x10  mov %rdi, %cr3; iretq     return-to-process sequence
func BuildTrampoline(kernelAS *vmm.AddressSpace) *kernel.Error {
	frame := mm.FrameFromAddress(TrampolineBase)
	code := (*[32]byte)(trampolinePtr(vmm.PhysicalMapAddr(TrampolineBase)))

	// sti; hlt; jmp .-1 (loops back to the hlt, leaving interrupts on)
	code[0] = 0xfb
	code[1] = 0xf4
	code[2] = 0xeb
	code[3] = 0xfd

	// mov %rdi, %cr3 ; iretq
	code[16] = 0x0f
	code[17] = 0x22
	code[18] = 0xdf
	code[19] = 0x48
	code[20] = 0xcf

	return kernelAS.MapFixedRange(
		TrampolineBase,
		TrampolineBase+mm.PageSize,
		vmm.FlagPresent,
		frame,
	)
}
