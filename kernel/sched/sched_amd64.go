package sched

import (
	"unsafe"

	"kyanos/kernel/gate"
)

// addrOfIdleStack returns the base address of the static idle stack.
func addrOfIdleStack() unsafe.Pointer { return unsafe.Pointer(&idleStack[0]) }

// enterFrame loads the register state from frame and iretqs into it; used
// once at boot to leave kernel initialization and start the first
// process (or the idle loop). It never returns.
func enterFrame(frame *gate.Registers)
