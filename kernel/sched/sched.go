// Package sched selects which process owns the CPU. The policy is strict
// round-robin over a FIFO runnable queue; blocking primitives park
// processes in a sleeper heap (keyed by wake-up time), an IPC wait state
// or an exit wait state, and the LAPIC one-shot timer drives preemption.
// The timer is armed for the earliest sleeper deadline or one slice
// quantum ahead, whichever is sooner, so even a fully idle system takes
// one timer interrupt per slice.
package sched

import (
	"kyanos/kernel/cpu"
	"kyanos/kernel/gate"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/proc"
	"kyanos/kernel/sync"
	"kyanos/kernel/time"
	"kyanos/kernel/trap"
)

const (
	// DefaultSliceNs is the preemption quantum used when the boot
	// command line does not override it.
	DefaultSliceNs = uint64(20_000_000)

	// minArmNs floors timer programming so a deadline that is already
	// due still produces an interrupt instead of a zero-count no-op.
	minArmNs = uint64(100_000)

	// wakeRingSize bounds the IRQ-to-scheduler wake ring. Must be a
	// power of two.
	wakeRingSize = 128

	kernelCodeSelector = uint64(0x08)
	kernelDataSelector = uint64(0x10)
	rflagsIdle         = uint64(0x202)
)

var (
	nowFn         = time.Now
	armTimerFn    = time.ArmTimer
	lookupFn      = proc.Lookup
	disableIntsFn = cpu.DisableInterrupts
	enableIntsFn  = cpu.EnableInterrupts

	// runnable is the round-robin queue, head first.
	runnable []proc.Pid

	// sleepers is a binary min-heap keyed by wake-up time.
	sleepers []sleeper

	// wakeRing is the single-producer ring IRQ handlers post wake-ups
	// to; the scheduler drains it with interrupts disabled before every
	// decision.
	wakeRing     [wakeRingSize]proc.Pid
	wakeRingHead uint32
	wakeRingTail uint32

	// sliceNs is the active preemption quantum.
	sliceNs = DefaultSliceNs

	// idleStack backs the trampoline idle loop's iretq frame.
	idleStack [8192]byte
)

type sleeper struct {
	pid    proc.Pid
	wakeAt uint64
}

// Init wires the scheduler into the process layer, the trap layer and the
// spinlock yield hook. quantumNs of zero keeps DefaultSliceNs.
func Init(quantumNs uint64) {
	if quantumNs != 0 {
		sliceNs = quantumNs
	}
	proc.SetScheduler(AddRunnable, Wake)
	trap.SetTimerHandler(timerInterrupt)
	trap.SetLapicEOI(time.AckTimer)
	// With one execution core a contended spinlock can only be held by
	// an interrupt the current context is racing, so the useful yield is
	// to sleep until the next interrupt retires.
	sync.SetYieldFunc(cpu.Halt)
}

// AddRunnable appends pid to the round-robin queue.
func AddRunnable(pid proc.Pid) {
	runnable = append(runnable, pid)
}

// Wake transitions a parked process back to the runnable queue. Waking a
// process that is already runnable (or terminated) is a no-op, so wake
// sources never need to deduplicate.
func Wake(pid proc.Pid) {
	p := lookupFn(pid)
	if p == nil {
		return
	}
	switch p.State {
	case proc.StateSleeping, proc.StateWaitingOnIPC, proc.StateWaitingOnExit:
		p.State = proc.StateRunnable
		p.WaitSubs = nil
		p.WaitPids = nil
		removeSleeper(pid)
		AddRunnable(pid)
	}
}

// WakeFromIRQ posts a wake-up from IRQ context. Only the ring is touched;
// the full state transition happens when the scheduler drains it. A full
// ring drops the wake-up; sleep timeouts make all kernel waits eventually
// re-checkable, so a dropped IRQ wake degrades to latency, not loss.
func WakeFromIRQ(pid proc.Pid) {
	next := (wakeRingTail + 1) & (wakeRingSize - 1)
	if next == wakeRingHead {
		return
	}
	wakeRing[wakeRingTail] = pid
	wakeRingTail = next
}

// drainWakes applies all pending IRQ wake-ups with interrupts disabled.
func drainWakes() {
	disableIntsFn()
	for wakeRingHead != wakeRingTail {
		pid := wakeRing[wakeRingHead]
		wakeRingHead = (wakeRingHead + 1) & (wakeRingSize - 1)
		Wake(pid)
	}
	enableIntsFn()
}

// Yield re-queues the current process at the tail and re-enters the
// selector; with no other runnable process it simply keeps running.
func Yield(regs *gate.Registers) {
	if cur := proc.Current(); cur != 0 {
		AddRunnable(cur)
	}
	Schedule(regs)
}

// SleepNs parks the current process until at least ns nanoseconds from
// now and hands the CPU away.
func SleepNs(regs *gate.Registers, ns uint64) {
	p := proc.CurrentProcess()
	if p == nil {
		return
	}
	p.State = proc.StateSleeping
	p.WakeAt = nowFn() + ns
	pushSleeper(sleeper{pid: p.Pid, wakeAt: p.WakeAt})
	Schedule(regs)
}

// BlockOnIPC parks the current process until one of subs has a
// deliverable message (the IPC bus calls Wake when that happens).
func BlockOnIPC(regs *gate.Registers, subs []uint64) {
	p := proc.CurrentProcess()
	if p == nil {
		return
	}
	p.State = proc.StateWaitingOnIPC
	p.WaitSubs = subs
	Schedule(regs)
}

// BlockOnWait parks the current process until one of pids terminates.
func BlockOnWait(regs *gate.Registers, pids []proc.Pid) {
	p := proc.CurrentProcess()
	if p == nil {
		return
	}
	p.State = proc.StateWaitingOnExit
	p.WaitPids = pids
	Schedule(regs)
}

// timerInterrupt is the LAPIC one-shot handler: wake due sleepers, then
// preempt. The current process, if still runnable, goes to the tail of
// the queue, which is all the fairness policy there is.
func timerInterrupt(regs *gate.Registers) {
	if cur := proc.CurrentProcess(); cur != nil && cur.State == proc.StateRunnable {
		AddRunnable(cur.Pid)
	}
	Schedule(regs)
}

// Schedule is the selector: it saves the outgoing context, picks the next
// runnable process (or the idle loop), loads its context into the frame
// the pending iretq will restore, switches address spaces and re-arms the
// timer. Every path into it runs in interrupt context, so mutating *regs
// is how the world changes.
func Schedule(regs *gate.Registers) {
	drainWakes()
	wakeDueSleepers()

	// Save the outgoing context. A terminated process keeps nothing;
	// its frame is dead and its address space is reaped below once the
	// switch is complete.
	outgoing := proc.Current()
	if p := lookupFn(outgoing); p != nil && p.State != proc.StateTerminated {
		p.Regs = *regs
	}

	next := popRunnable()
	if next == nil {
		switchToIdle(regs)
	} else {
		proc.SetCurrent(next.Pid)
		*regs = next.Regs
		next.AS.SwitchTo()
	}

	if p := lookupFn(outgoing); p != nil && p.State == proc.StateTerminated && outgoing != proc.Current() {
		proc.Reap(outgoing)
	}

	armNextEvent()
}

// popRunnable pops pids until one still names a live, runnable process.
func popRunnable() *proc.Process {
	for len(runnable) > 0 {
		pid := runnable[0]
		runnable = runnable[1:]
		if p := lookupFn(pid); p != nil && p.State == proc.StateRunnable {
			return p
		}
	}
	return nil
}

// switchToIdle points the return frame at the trampoline's sti;hlt loop
// on the kernel's own address space; the next interrupt re-enters the
// selector.
func switchToIdle(regs *gate.Registers) {
	proc.SetCurrent(0)
	stackTop := uintptr(idleStackTop())
	*regs = gate.Registers{
		RIP:    uint64(trap.IdleLoopAddr()),
		CS:     kernelCodeSelector,
		RFlags: rflagsIdle,
		RSP:    uint64(stackTop),
		SS:     kernelDataSelector,
	}
	vmm.KernelAddressSpace().SwitchTo()
}

// armNextEvent programs the one-shot for the earliest sleeper or a full
// slice, whichever is sooner.
func armNextEvent() {
	delta := sliceNs
	if len(sleepers) > 0 {
		now := nowFn()
		if sleepers[0].wakeAt <= now {
			delta = minArmNs
		} else if d := sleepers[0].wakeAt - now; d < delta {
			delta = d
		}
	}
	if delta < minArmNs {
		delta = minArmNs
	}
	armTimerFn(delta)
}

// wakeDueSleepers pops every sleeper whose deadline has passed.
func wakeDueSleepers() {
	now := nowFn()
	for len(sleepers) > 0 && sleepers[0].wakeAt <= now {
		pid := sleepers[0].pid
		popSleeper()
		Wake(pid)
	}
}

// Start hands the CPU to the first scheduled process and never returns:
// it fabricates an interrupt-style frame on the idle stack, runs the
// selector against it and iretqs through the trampoline into whatever it
// chose.
func Start() {
	var frame gate.Registers
	Schedule(&frame)
	enterFrame(&frame)
	kfmt.Panic("sched: enterFrame returned")
}

func idleStackTop() uintptr {
	return (uintptr(addrOfIdleStack()) + uintptr(len(idleStack))) &^ 15
}
