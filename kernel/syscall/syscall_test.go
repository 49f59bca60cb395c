package syscall

import (
	"testing"

	"kyanos/kernel"
	"kyanos/kernel/gate"
	"kyanos/kernel/ipc"
)

func TestResultHelpers(t *testing.T) {
	var regs gate.Registers

	succeed(&regs, 0xabcd)
	if regs.RAX != 1 || regs.RDI != 0xabcd {
		t.Fatalf("bad success encoding: rax=%d rdi=0x%x", regs.RAX, regs.RDI)
	}

	fail(&regs, kernel.ErrBadPointer)
	if regs.RAX != 0 || regs.RDI != uint64(kernel.ErrBadPointer) {
		t.Fatalf("bad failure encoding: rax=%d rdi=%d", regs.RAX, regs.RDI)
	}
}

func TestRestartRewindsOverInt(t *testing.T) {
	regs := gate.Registers{RIP: 0x80_1002}
	restart(&regs)
	if regs.RIP != 0x80_1000 {
		t.Fatalf("expected rip rewound by the int instruction length; got 0x%x", regs.RIP)
	}
}

func TestForwardIRQTopics(t *testing.T) {
	specs := []struct {
		irq      uint8
		expTopic string
	}{
		{0, "kernel/irq/0"},
		{3, "kernel/irq/3"},
		{11, "kernel/irq/11"},
		{15, "kernel/irq/15"},
	}

	for _, spec := range specs {
		sub, errno := ipc.Subscribe(0, spec.expTopic, 0)
		if errno != kernel.ErrNone {
			t.Fatal(errno)
		}

		forwardIRQ(spec.irq)
		if !ipc.Ready(sub) {
			t.Errorf("irq %d: expected a message on %s", spec.irq, spec.expTopic)
		}
		ipc.Unsubscribe(0, sub)
	}
}
