package syscall

import (
	"kyanos/kernel"
	"kyanos/kernel/cap"
	"kyanos/kernel/gate"
	"kyanos/kernel/proc"
)

// dispatchCap routes the 0x60-0x66 capability calls.
//
//	cap_verify(tokenLen, tokenPtr)      -> cap id on success
//	cap_sign(capID, outLen, outPtr)     -> token for a held live cap
//	cap_export(capID, outLen, outPtr)   -> token for a held exec cap
//	cap_import(tokenLen, tokenPtr)      -> adds the verified cap
//	cap_reduce(capID)                   -> drops from the live set
//	cap_exec_reduce(capID)              -> drops from the exec set
//	cap_exec_clone()                    -> exec set := live set
//
// Reductions are irreversible within a process: the only ways back into a
// set are a freshly verified token or exec inheritance, both of which
// require the capability to exist elsewhere already.
func dispatchCap(regs *gate.Registers, p *proc.Process, num, a1, a2, a3 uint64) {
	switch num {
	case sysCapVerify:
		token, errno := copyFromUser(p, a2, a1)
		if errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
		_, capID, err := cap.Verify(token)
		if err != nil {
			fail(regs, kernel.ErrNotPermitted)
			return
		}
		succeed(regs, capID)

	case sysCapSign:
		signFromSet(regs, p, &p.Caps, a1, a2, a3)

	case sysCapExport:
		signFromSet(regs, p, &p.ExecCaps, a1, a2, a3)

	case sysCapImport:
		token, errno := copyFromUser(p, a2, a1)
		if errno != kernel.ErrNone {
			fail(regs, errno)
			return
		}
		_, capID, err := cap.Verify(token)
		if err != nil {
			fail(regs, kernel.ErrNotPermitted)
			return
		}
		p.Caps.Add(capID)
		succeed(regs, capID)

	case sysCapReduce:
		if !p.Caps.Has(a1) {
			fail(regs, kernel.ErrNotFound)
			return
		}
		p.Caps.Drop(a1)
		succeed(regs, 0)

	case sysCapExecReduce:
		if !p.ExecCaps.Has(a1) {
			fail(regs, kernel.ErrNotFound)
			return
		}
		p.ExecCaps.Drop(a1)
		succeed(regs, 0)

	case sysCapExecClone:
		p.ExecCaps.CopyFrom(&p.Caps)
		succeed(regs, uint64(p.ExecCaps.Len()))
	}
}

// signFromSet mints a token for capID if set holds it and writes the
// token bytes to the user out-buffer.
func signFromSet(regs *gate.Registers, p *proc.Process, set *cap.Set, capID, outLen, outPtr uint64) {
	if !set.Has(capID) {
		fail(regs, kernel.ErrNotPermitted)
		return
	}
	if outLen < cap.TokenLen {
		fail(regs, kernel.ErrBadArgument)
		return
	}
	token := cap.Sign(uint64(p.Pid), capID)
	if errno := copyToUser(p, outPtr, token); errno != kernel.ErrNone {
		fail(regs, errno)
		return
	}
	succeed(regs, cap.TokenLen)
}
