// Package syscall decodes, validates and dispatches the numbered system
// call table. Calls arrive as software interrupt 0xd7 with the call
// number in rax and up to four arguments in rdi/rsi/rdx/rcx; slice
// arguments are (length, pointer) pairs. On return rax carries a success
// boolean and rdi the result value or error code.
//
// Blocking calls follow the restart discipline: before parking, the
// handler rewinds the saved rip over the two-byte int instruction, so
// waking the process re-executes the call, which then observes the state
// it was waiting for (a queued message, a completed ack round, a
// terminated child, an expired deadline) and completes without blocking.
package syscall

import (
	"bytes"

	"kyanos/kernel"
	"kyanos/kernel/gate"
	"kyanos/kernel/ipc"
	"kyanos/kernel/kfmt"
	"kyanos/kernel/mm/vmm"
	"kyanos/kernel/proc"
	"kyanos/kernel/rand"
	"kyanos/kernel/sched"
	"kyanos/kernel/time"
	"kyanos/kernel/trap"
)

// intInsnLen is the encoded size of "int imm8", the instruction a restart
// rewinds over.
const intInsnLen = 2

var (
	nowFn = time.Now

	// strBuf assembles per-process log prefixes for debug_print.
	strBuf bytes.Buffer

	errNoCurrent = &kernel.Error{Module: "syscall", Message: "syscall with no current process"}
)

// Init installs the dispatcher on the syscall vector and wires both
// user-fault termination paths: the generic CPU exceptions routed through
// kernel/trap and the page/protection faults kernel/mm/vmm keeps for
// itself.
func Init() {
	trap.SetSyscallHandler(Dispatch)
	trap.SetUserFaultHandler(userFault)
	vmm.SetUserFaultHandler(userMemFault)
	trap.SetIRQNotifier(forwardIRQ)
}

// userFault terminates the offending process and reschedules; other
// processes are untouched.
func userFault(regs *gate.Registers) {
	pid := proc.Current()
	kfmt.Printf("[syscall] pid %d killed by CPU fault (code 0x%x, rip 0x%x)\n", uint64(pid), regs.Info, regs.RIP)
	proc.Terminate(pid, proc.FaultExitStatus)
	sched.Schedule(regs)
}

// userMemFault is the vmm-side twin of userFault, invoked for page and
// general-protection faults taken from ring 3.
func userMemFault(regs *gate.Registers, faultAddr uintptr, _ *kernel.Error) {
	pid := proc.Current()
	kfmt.Printf("[syscall] pid %d killed by memory fault at 0x%x (rip 0x%x)\n", uint64(pid), faultAddr, regs.RIP)
	proc.Terminate(pid, proc.FaultExitStatus)
	sched.Schedule(regs)
}

// forwardIRQ publishes a user-bound IRQ line onto the bus; driver
// processes subscribe to kernel/irq/<line> to receive them.
func forwardIRQ(irq uint8) {
	var topic [16]byte
	n := copy(topic[:], "kernel/irq/")
	if irq >= 10 {
		topic[n] = '0' + irq/10
		n++
	}
	topic[n] = '0' + irq%10
	n++
	ipc.Publish(0, string(topic[:n]), nil)
}

// succeed stores a success result.
func succeed(regs *gate.Registers, value uint64) {
	regs.RAX = 1
	regs.RDI = value
}

// fail stores an error result.
func fail(regs *gate.Registers, errno kernel.Errno) {
	regs.RAX = 0
	regs.RDI = uint64(errno)
}

// restart rewinds the saved rip so the call re-executes on wake-up.
func restart(regs *gate.Registers) {
	regs.RIP -= intInsnLen
}

// Dispatch routes one system call. regs is the live interrupt frame: the
// values written here are what the process observes after iretq, and a
// handler that blocks hands the frame to the scheduler, which loads the
// next process's context into it.
func Dispatch(regs *gate.Registers) {
	p := proc.CurrentProcess()
	if p == nil {
		kfmt.Panic(errNoCurrent)
		return
	}

	num := regs.RAX
	a1, a2, a3, a4 := regs.RDI, regs.RSI, regs.RDX, regs.RCX

	switch num {
	case sysExit:
		proc.Terminate(p.Pid, a1)
		sched.Schedule(regs)

	case sysGetPid:
		succeed(regs, uint64(p.Pid))

	case sysDebugPrint:
		doDebugPrint(regs, p, a1, a2)

	case sysExec:
		doExec(regs, p, a1, a2, a3, a4)

	case sysWait:
		doWait(regs, p, a1)

	case sysKill:
		doKill(regs, p, a1)

	case sysRandom:
		doRandom(regs, p, a1, a2)

	case sysSchedYield:
		succeed(regs, 0)
		sched.Yield(regs)

	case sysSchedSleepNs:
		doSleep(regs, p, a1)

	case sysCapVerify, sysCapSign, sysCapExport, sysCapImport,
		sysCapReduce, sysCapExecReduce, sysCapExecClone:
		dispatchCap(regs, p, num, a1, a2, a3)

	case sysIPCSubscribe:
		doSubscribe(regs, p, a1, a2, a3)

	case sysIPCUnsubscribe:
		fin(regs, ipc.Unsubscribe(p.Pid, ipc.SubID(a1)), 0)

	case sysIPCPublish:
		doPublish(regs, p, a1, a2, a3, a4)

	case sysIPCDeliver:
		doDeliver(regs, p, a1, a2, a3, a4, false)

	case sysIPCDeliverReply:
		doDeliver(regs, p, a1, a2, a3, a4, true)

	case sysIPCAcknowledge:
		doAcknowledge(regs, p, a1, a2, a3, a4)

	case sysIPCReceive:
		doReceive(regs, p, a1, a2, a3)

	case sysIPCSelect:
		doSelect(regs, p, a1, a2, a3)

	case sysKernelLogRead:
		doLogRead(regs, p, a1, a2)

	case sysIRQSetHandler:
		doIRQSetHandler(regs, p, a1, a2, a3)

	case sysMmapPhysical, sysDMAAllocate, sysDMAFree,
		sysMemAlloc, sysMemDealloc, sysMemShare, sysMemProtect:
		dispatchMem(regs, p, num, a1, a2, a3)

	default:
		fail(regs, kernel.ErrBadArgument)
	}
}

// fin folds the common "errno or value" completion into one call.
func fin(regs *gate.Registers, errno kernel.Errno, value uint64) {
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	succeed(regs, value)
}

func doDebugPrint(regs *gate.Registers, p *proc.Process, length, ptr uint64) {
	if length == 0 {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	buf, errno := copyFromUser(p, ptr, length)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	strBuf.Reset()
	kfmt.Fprintf(&strBuf, "[pid %d] ", uint64(p.Pid))
	w := kfmt.PrefixWriter{Sink: kfmt.OutputSink(), Prefix: strBuf.Bytes()}
	w.Write(buf)
	succeed(regs, length)
}

func doExec(regs *gate.Registers, p *proc.Process, imgLen, imgPtr, argLen, argPtr uint64) {
	image, errno := copyFromUser(p, imgPtr, imgLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if len(image) == 0 {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	args, errno := copyFromUser(p, argPtr, argLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}

	pid, err := proc.Exec(image, args, &p.ExecCaps)
	if err != nil {
		fail(regs, kernel.ErrOutOfMemory)
		return
	}
	succeed(regs, uint64(pid))
}

func doWait(regs *gate.Registers, p *proc.Process, target uint64) {
	status, done, errno := proc.AddWaiter(proc.Pid(target), p.Pid)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if done {
		status, errno = proc.CollectExit(proc.Pid(target), p.Pid)
		fin(regs, errno, status)
		return
	}
	restart(regs)
	sched.BlockOnWait(regs, []proc.Pid{proc.Pid(target)})
}

func doKill(regs *gate.Registers, p *proc.Process, target uint64) {
	if !p.Caps.Has(CapProcKill) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	errno := proc.Terminate(proc.Pid(target), proc.FaultExitStatus)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	succeed(regs, 0)
	if proc.Pid(target) == p.Pid {
		sched.Schedule(regs)
	}
}

func doRandom(regs *gate.Registers, p *proc.Process, seedLen, seedPtr uint64) {
	if seedLen > 0 {
		seed, errno := copyFromUser(p, seedPtr, seedLen)
		if errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
		rand.MixBytes(seed)
	}
	succeed(regs, rand.Uint64())
}

// doSleep parks the caller until the deadline. On restart (wake-up after
// the deadline, or a spurious early wake) the remaining time is
// re-computed from the deadline stamped on the first pass.
func doSleep(regs *gate.Registers, p *proc.Process, ns uint64) {
	now := nowFn()
	if p.WakeAt != 0 {
		if now >= p.WakeAt {
			p.WakeAt = 0
			succeed(regs, 0)
			return
		}
		remaining := p.WakeAt - now
		restart(regs)
		sched.SleepNs(regs, remaining)
		return
	}
	if ns == 0 {
		succeed(regs, 0)
		sched.Yield(regs)
		return
	}
	restart(regs)
	sched.SleepNs(regs, ns)
}

func doSubscribe(regs *gate.Registers, p *proc.Process, filterLen, filterPtr, flags uint64) {
	buf, errno := copyFromUser(p, filterPtr, filterLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	id, errno := ipc.Subscribe(p.Pid, string(buf), flags)
	fin(regs, errno, uint64(id))
}

func doPublish(regs *gate.Registers, p *proc.Process, topicLen, topicPtr, dataLen, dataPtr uint64) {
	topic, errno := copyFromUser(p, topicPtr, topicLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	data, errno := copyFromUser(p, dataPtr, dataLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	fin(regs, ipc.Publish(p.Pid, string(topic), data), 0)
}

// doDeliver starts (or, on restart, completes) a reliable round. For
// deliver_reply the data buffer doubles as the reply out-buffer: the
// reply overwrites it in place and rdi reports the reply length.
func doDeliver(regs *gate.Registers, p *proc.Process, topicLen, topicPtr, dataLen, dataPtr uint64, wantReply bool) {
	if p.WaitAck != 0 {
		reply, errno := ipc.FinishDeliver(p.Pid)
		if errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
		if wantReply && len(reply) > 0 {
			if uint64(len(reply)) > dataLen {
				reply = reply[:dataLen]
			}
			if errno := copyToUser(p, dataPtr, reply); errno != kernel.ErrNone {
				fail(regs, errno)
				return
			}
		}
		succeed(regs, uint64(len(reply)))
		return
	}

	topic, errno := copyFromUser(p, topicPtr, topicLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	data, errno := copyFromUser(p, dataPtr, dataLen)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if wantReply {
		// The reply lands in the data buffer, which must be writable.
		if errno := checkUserRange(p, dataPtr, dataLen, true); errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
	}

	restart(regs)
	if errno := ipc.Deliver(regs, p.Pid, string(topic), data, wantReply); errno != kernel.ErrNone {
		// Failed synchronously: undo the rewind and report.
		regs.RIP += intInsnLen
		fail(regs, errno)
	}
}

// doAcknowledge completes the caller's share of a reliable round. a3
// packs the ok flag in bit 0 and the reply length in the high 32 bits;
// a4 is the reply pointer.
func doAcknowledge(regs *gate.Registers, p *proc.Process, subID, ackID, okAndLen, replyPtr uint64) {
	ok := okAndLen&1 != 0
	replyLen := okAndLen >> 32

	var reply []byte
	if replyLen > 0 {
		var errno kernel.Errno
		reply, errno = copyFromUser(p, replyPtr, replyLen)
		if errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
	}
	fin(regs, ipc.Acknowledge(p.Pid, ipc.SubID(subID), ipc.AckID(ackID), ok, reply), 0)
}

// doReceive pops the oldest message from the subscription into the user
// buffer. An empty mailbox blocks; rdi reports the bytes copied and rsi
// carries the AckID for reliable messages (zero otherwise).
func doReceive(regs *gate.Registers, p *proc.Process, subID, bufLen, bufPtr uint64) {
	if errno := checkUserRange(p, bufPtr, bufLen, true); errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if ipc.Owner(ipc.SubID(subID)) != p.Pid {
		fail(regs, kernel.ErrNotFound)
		return
	}

	if !ipc.Ready(ipc.SubID(subID)) {
		restart(regs)
		sched.BlockOnIPC(regs, []uint64{subID})
		return
	}

	payload, ack, errno := ipc.Receive(p.Pid, ipc.SubID(subID))
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if uint64(len(payload)) > bufLen {
		payload = payload[:bufLen]
	}
	if errno := copyToUser(p, bufPtr, payload); errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	succeed(regs, uint64(len(payload)))
	regs.RSI = uint64(ack)
}

// doSelect returns the index of the first listed subscription with a
// deliverable message (lowest index wins). With the noblock flag it
// returns NotFound instead of parking.
func doSelect(regs *gate.Registers, p *proc.Process, subsLen, subsPtr, noblock uint64) {
	if subsLen == 0 || subsLen > 64 {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	raw, errno := copyFromUser(p, subsPtr, subsLen*8)
	if errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}

	ids := make([]uint64, subsLen)
	for i := range ids {
		var v uint64
		for j := 0; j < 8; j++ {
			v |= uint64(raw[i*8+j]) << (8 * j)
		}
		if ipc.Owner(ipc.SubID(v)) != p.Pid {
			fail(regs, kernel.ErrNotFound)
			return
		}
		ids[i] = v
	}

	for i, id := range ids {
		if ipc.Ready(ipc.SubID(id)) {
			succeed(regs, uint64(i))
			return
		}
	}

	if noblock != 0 {
		fail(regs, kernel.ErrNotFound)
		return
	}
	restart(regs)
	sched.BlockOnIPC(regs, ids)
}

func doLogRead(regs *gate.Registers, p *proc.Process, bufLen, bufPtr uint64) {
	if !p.Caps.Has(CapLogRead) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	if errno := checkUserRange(p, bufPtr, bufLen, true); errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	if bufLen > 4096 {
		bufLen = 4096
	}
	buf := make([]byte, bufLen)
	n := kfmt.ReadLog(buf)
	if errno := copyToUser(p, bufPtr, buf[:n]); errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	succeed(regs, uint64(n))
}

// doIRQSetHandler binds a hardware interrupt line to the calling driver
// process. Deliveries arrive as unreliable messages on kernel/irq/<line>;
// the code-slice argument is validated but the in-kernel stub is fixed.
func doIRQSetHandler(regs *gate.Registers, p *proc.Process, irq, codeLen, codePtr uint64) {
	if !p.Caps.Has(CapIRQ) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	if irq >= trap.IRQCount {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	if codeLen > 0 {
		if errno := checkUserRange(p, codePtr, codeLen, false); errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
	}
	trap.BindUserIRQ(uint8(irq))
	succeed(regs, 0)
}
