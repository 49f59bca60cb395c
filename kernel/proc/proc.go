// Package proc implements the process model: per-process address space,
// saved register frame, kernel stack, life-cycle state and the security
// context capability tokens attach to. Scheduling decisions live in
// kernel/sched; this package only owns the registry and the state
// machine each process moves through.
package proc

import (
	"unsafe"

	"kyanos/kernel"
	"kyanos/kernel/cap"
	"kyanos/kernel/elf"
	"kyanos/kernel/gate"
	"kyanos/kernel/mm"
	"kyanos/kernel/mm/vmm"
)

// Pid identifies a process. Pids increase monotonically and are never
// reused within a boot; pid 0 is the kernel itself and never appears in
// the registry.
type Pid uint64

// RunState enumerates the life-cycle states a process moves through.
type RunState uint8

const (
	// StateRunnable means the process is on the run queue or currently
	// executing.
	StateRunnable RunState = iota

	// StateSleeping means the process parked itself until WakeAt.
	StateSleeping

	// StateWaitingOnIPC means the process is parked until one of the
	// subscriptions in WaitSubs has a deliverable message, or until a
	// reliable delivery it initiated completes.
	StateWaitingOnIPC

	// StateWaitingOnExit means the process is parked until one of the
	// pids in WaitPids terminates.
	StateWaitingOnExit

	// StateTerminated means the process has exited; the registry entry
	// survives until every waiter has collected the exit status.
	StateTerminated
)

const (
	// StackBottom and StackTop bound the fixed per-process user stack
	// region.
	StackBottom = uintptr(0x40_0000)
	StackTop    = uintptr(0x80_0000)

	// FaultExitStatus is the distinguished exit status reported for a
	// process killed by an uncaught CPU fault.
	FaultExitStatus = uint64(0xff)

	userCodeSelector = uint64(0x1b)
	userDataSelector = uint64(0x23)

	// rflagsUserDefault has IF set so a process cannot run with
	// interrupts disabled, plus the always-one reserved bit.
	rflagsUserDefault = uint64(0x202)
)

// FileHandle is an open file-like descriptor: either a window onto an
// initrd file or a stream backed by an IPC subscription (device drivers
// expose their sockets this way).
type FileHandle struct {
	// InitrdBody is non-nil for initrd-backed handles.
	InitrdBody []byte

	// SubID is non-zero for IPC-stream-backed handles; closing the
	// handle releases the subscription.
	SubID uint64

	// Offset is the read cursor for initrd-backed handles.
	Offset uintptr
}

// Process is one registry entry.
type Process struct {
	Pid Pid

	// AS is the process address space; nil once reaped.
	AS *vmm.AddressSpace

	// Regs is the saved register frame; only meaningful while the
	// process is not the one currently executing.
	Regs gate.Registers

	State      RunState
	WakeAt     uint64
	ExitStatus uint64

	// WaitSubs and WaitPids hold the parameters of the block the
	// process is parked on, depending on State.
	WaitSubs []uint64
	WaitPids []Pid

	// WaitAck is the reliable-delivery round this process is blocked
	// sending, if any. Blocked syscalls restart on wake-up, and a
	// non-zero WaitAck is how the restarted deliver call knows to
	// collect its round's result instead of delivering again.
	WaitAck uint64

	// Caps is the live capability set; ExecCaps is the alternate set a
	// child inherits on exec.
	Caps     cap.Set
	ExecCaps cap.Set

	// Subs tracks owned IPC subscription ids for cleanup.
	Subs map[uint64]bool

	// Handles tracks open file-like handles.
	Handles    map[uint64]*FileHandle
	nextHandle uint64

	// waiters are the pids blocked in wait() on this process.
	waiters []Pid

	// MmapNext is the next free virtual address for anonymous user
	// mappings (mem_alloc, mmap_physical, shared windows).
	MmapNext uintptr
}

var (
	newAddressSpaceFn = vmm.NewAddressSpace
	elfLoadFn         = elf.Load
	allocContiguousFn = mm.AllocContiguousFrames
	physMapFn         = vmm.PhysicalMapAddr
	mapStackFn        = mapStack

	// readyFn enqueues a pid on the run queue and wakeFn transitions a
	// blocked process back to runnable; both are wired by sched.Init.
	readyFn func(Pid)
	wakeFn  func(Pid)

	// ipcCleanupFn tears down a dead process's bus state; wired by
	// ipc.Init.
	ipcCleanupFn func(Pid)

	errArgsTooLarge = &kernel.Error{Module: "proc", Message: "argument bytes exceed the stack region"}

	// registry holds every live (and recently terminated, still awaited)
	// process. Mutated only with interrupts disabled.
	registry = make(map[Pid]*Process)

	// nextPid is the next pid to hand out.
	nextPid = Pid(1)

	// current is the pid owning the CPU, or 0 while the kernel idles.
	current Pid
)

// SetScheduler wires the run-queue callbacks; called once by sched.Init.
func SetScheduler(ready, wake func(Pid)) {
	readyFn = ready
	wakeFn = wake
}

// SetIPCCleanup wires the bus cleanup callback; called once by ipc.Init.
func SetIPCCleanup(fn func(Pid)) { ipcCleanupFn = fn }

// Lookup returns the registry entry for pid, or nil.
func Lookup(pid Pid) *Process { return registry[pid] }

// Current returns the pid owning the CPU (0 while idling).
func Current() Pid { return current }

// CurrentProcess returns the registry entry for the current pid, or nil.
func CurrentProcess() *Process { return registry[current] }

// SetCurrent records the pid the scheduler just switched to.
func SetCurrent(pid Pid) { current = pid }

// mmapBase is where per-process anonymous mappings start growing from.
const mmapBase = uintptr(0x1_0000_0000)

// Exec builds a process from an ELF image and argument bytes: a fresh
// address space, the image's PT_LOAD segments, the fixed stack region
// with args pushed on top, and a saved register frame that will iretq
// into the entry point. The new process lands on the run queue.
func Exec(image, args []byte, inherit *cap.Set) (Pid, *kernel.Error) {
	as, err := newAddressSpaceFn()
	if err != nil {
		return 0, err
	}

	entry, err := elfLoadFn(image, as)
	if err != nil {
		return 0, err
	}

	stackPages := uint32((StackTop - StackBottom) / mm.PageSize)
	frames, err := allocContiguousFn(stackPages)
	if err != nil {
		return 0, err
	}
	if err := mapStackFn(as, frames[0]); err != nil {
		return 0, err
	}

	argsAddr, stackPtr, err := pushArgs(frames[0], args)
	if err != nil {
		return 0, err
	}

	p := &Process{
		Pid:      nextPid,
		AS:       as,
		State:    StateRunnable,
		Subs:     make(map[uint64]bool),
		Handles:  make(map[uint64]*FileHandle),
		MmapNext: mmapBase,
	}
	nextPid++

	if inherit != nil {
		p.Caps.CopyFrom(inherit)
	}

	p.Regs = gate.Registers{
		RIP:    uint64(entry),
		CS:     userCodeSelector,
		RFlags: rflagsUserDefault,
		RSP:    uint64(stackPtr),
		SS:     userDataSelector,
		RDI:    uint64(argsAddr),
		RSI:    uint64(len(args)),
	}

	registry[p.Pid] = p
	if readyFn != nil {
		readyFn(p.Pid)
	}
	return p.Pid, nil
}

// mapStack installs the fixed user stack region into as.
func mapStack(as *vmm.AddressSpace, backing mm.Frame) *kernel.Error {
	return as.MapRange(StackBottom, StackTop, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute, backing)
}

// pushArgs copies the argument bytes to the top of the stack region and
// returns their user virtual address plus the 16-byte-aligned stack
// pointer below them. The stack frames are physically contiguous, so the
// copy goes through the kernel's physical-memory window in one shot.
func pushArgs(stackFrame mm.Frame, args []byte) (argsAddr, stackPtr uintptr, err *kernel.Error) {
	if uintptr(len(args)) > (StackTop-StackBottom)/2 {
		return 0, 0, errArgsTooLarge
	}
	argsAddr = StackTop - uintptr(len(args))
	if len(args) > 0 {
		physTop := physMapFn(stackFrame.Address()) + (StackTop - StackBottom)
		dst := physTop - uintptr(len(args))
		kernel.Memcopy(uintptr(unsafe.Pointer(&args[0])), dst, uintptr(len(args)))
	}
	stackPtr = (argsAddr - 8) &^ 15
	return argsAddr, stackPtr, nil
}

// Terminate moves pid to StateTerminated with the supplied status, tears
// down its bus state and handles, and wakes every waiter. Address-space
// teardown is deferred to Reap, which the scheduler calls once it has
// switched away from the dying process.
func Terminate(pid Pid, status uint64) kernel.Errno {
	p := registry[pid]
	if p == nil {
		return kernel.ErrNotFound
	}
	if p.State == StateTerminated {
		return kernel.ErrNone
	}

	p.State = StateTerminated
	p.ExitStatus = status

	if ipcCleanupFn != nil {
		ipcCleanupFn(pid)
	}
	for id := range p.Handles {
		delete(p.Handles, id)
	}

	for _, waiter := range p.waiters {
		if wakeFn != nil {
			wakeFn(waiter)
		}
	}

	return kernel.ErrNone
}

// AddWaiter records that waiter is blocked on pid's exit. If pid is
// already terminated the status is available immediately and the caller
// should not block; the second return value reports this.
func AddWaiter(pid, waiter Pid) (status uint64, done bool, errno kernel.Errno) {
	p := registry[pid]
	if p == nil {
		return 0, false, kernel.ErrNotFound
	}
	if p.State == StateTerminated {
		return p.ExitStatus, true, kernel.ErrNone
	}
	// A restarted wait syscall re-registers; keep one entry per waiter.
	for _, w := range p.waiters {
		if w == waiter {
			return 0, false, kernel.ErrNone
		}
	}
	p.waiters = append(p.waiters, waiter)
	return 0, false, kernel.ErrNone
}

// CollectExit removes waiter from pid's waiter list and returns the exit
// status. Once the last waiter has collected, the registry entry and the
// address space are reaped.
func CollectExit(pid, waiter Pid) (uint64, kernel.Errno) {
	p := registry[pid]
	if p == nil {
		return 0, kernel.ErrNotFound
	}
	status := p.ExitStatus
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	if len(p.waiters) == 0 && p.State == StateTerminated {
		Reap(pid)
	}
	return status, kernel.ErrNone
}

// Reap frees a terminated process's address space and backing frames and
// drops the registry entry. Only the scheduler (after switching away) and
// CollectExit (for the last waiter) call this.
func Reap(pid Pid) {
	p := registry[pid]
	if p == nil || p.State != StateTerminated {
		return
	}
	if len(p.waiters) > 0 {
		return
	}
	if p.AS != nil {
		freeRegionFrames(p.AS)
		p.AS.Destroy()
		p.AS = nil
	}
	delete(registry, pid)
}

// freeRegionFrames returns every private region's backing frames to the
// physical allocator. Fixed regions are shared kernel frames and stay.
func freeRegionFrames(as *vmm.AddressSpace) {
	for _, r := range as.Regions() {
		if r.Fixed {
			continue
		}
		frame := r.Backing
		for addr := r.Start; addr < r.End; addr, frame = addr+mm.PageSize, frame+1 {
			mm.FreeFrame(frame)
		}
	}
}

// OpenHandle allocates a handle slot for the process.
func (p *Process) OpenHandle(h *FileHandle) uint64 {
	p.nextHandle++
	p.Handles[p.nextHandle] = h
	return p.nextHandle
}

// CloseHandle drops a handle; the caller releases any owned subscription
// first (the syscall layer owns that ordering).
func (p *Process) CloseHandle(id uint64) kernel.Errno {
	if _, ok := p.Handles[id]; !ok {
		return kernel.ErrNotFound
	}
	delete(p.Handles, id)
	return kernel.ErrNone
}
