package trap

import (
	"testing"

	"kyanos/kernel/gate"
)

// recordPorts captures PIC port traffic and returns the log.
func recordPorts(t *testing.T) (*[]portWrite, func()) {
	t.Helper()

	origIn, origOut := inByteFn, outByteFn
	var log []portWrite
	masks := map[uint16]uint8{pic1Data: 0xff, pic2Data: 0xff}

	outByteFn = func(port uint16, val uint8) {
		log = append(log, portWrite{port, val})
		if port == pic1Data || port == pic2Data {
			masks[port] = val
		}
	}
	inByteFn = func(port uint16) uint8 { return masks[port] }

	return &log, func() { inByteFn, outByteFn = origIn, origOut }
}

type portWrite struct {
	port uint16
	val  uint8
}

func TestRemapPICOffsets(t *testing.T) {
	log, restore := recordPorts(t)
	defer restore()

	remapPIC()

	sawMaster, sawSlave := false, false
	masterInit, slaveInit := false, false
	for _, w := range *log {
		// The offset is the first data-port write after each init
		// command.
		switch {
		case w.port == pic1Cmd && w.val == icw1Init:
			masterInit = true
		case w.port == pic2Cmd && w.val == icw1Init:
			slaveInit = true
		case w.port == pic1Data && masterInit:
			masterInit = false
			if w.val != uint8(IRQBase) {
				t.Fatalf("master offset 0x%x; expected 0x%x", w.val, uint8(IRQBase))
			}
			sawMaster = true
		case w.port == pic2Data && slaveInit:
			slaveInit = false
			if w.val != uint8(IRQBase)+8 {
				t.Fatalf("slave offset 0x%x; expected 0x%x", w.val, uint8(IRQBase)+8)
			}
			sawSlave = true
		}
	}
	if !sawMaster || !sawSlave {
		t.Fatal("expected both controllers reprogrammed")
	}
}

func TestUnmaskIRQ(t *testing.T) {
	_, restore := recordPorts(t)
	defer restore()

	var lastMask uint8
	orig := outByteFn
	outByteFn = func(port uint16, val uint8) {
		orig(port, val)
		if port == pic1Data {
			lastMask = val
		}
	}

	unmaskIRQ(3)
	if lastMask&(1<<3) != 0 {
		t.Fatalf("expected line 3 unmasked; mask 0x%x", lastMask)
	}

	unmaskIRQ(42) // out of range: ignored
}

func TestAckPICRoutesSlaveEOI(t *testing.T) {
	log, restore := recordPorts(t)
	defer restore()

	ackPIC(3)
	if len(*log) != 1 || (*log)[0].port != pic1Cmd {
		t.Fatalf("expected a single master EOI; got %v", *log)
	}

	*log = nil
	ackPIC(11)
	if len(*log) != 2 || (*log)[0].port != pic2Cmd || (*log)[1].port != pic1Cmd {
		t.Fatalf("expected slave EOI then master EOI; got %v", *log)
	}
}

func TestInitClaimsVectors(t *testing.T) {
	origHandle := handleInterruptFn
	_, restorePorts := recordPorts(t)
	defer func() {
		handleInterruptFn = origHandle
		restorePorts()
	}()

	claimed := make(map[gate.InterruptNumber]bool)
	handleInterruptFn = func(n gate.InterruptNumber, _ uint8, _ func(*gate.Registers)) {
		claimed[n] = true
	}

	Init()

	for _, vec := range []gate.InterruptNumber{
		gate.DivideByZero, gate.DoubleFault, gate.InvalidOpcode,
		VecSyscall, VecLapicTimer, VecPanicIPI, VecSpurious,
	} {
		if !claimed[vec] {
			t.Errorf("vector 0x%x not claimed", uint8(vec))
		}
	}
	for line := gate.InterruptNumber(0); line < IRQCount; line++ {
		if !claimed[IRQBase+line] {
			t.Errorf("PIC line %d not claimed", line)
		}
	}

	// Page fault and GPF belong to the mm layer.
	if claimed[gate.PageFaultException] || claimed[gate.GPFException] {
		t.Error("trap must not claim the mm layer's fault vectors")
	}
}

func TestPICIRQFanout(t *testing.T) {
	_, restorePorts := recordPorts(t)
	defer restorePorts()
	defer func(orig [IRQCount]IRQHandlerFn, origBound [IRQCount]bool, origNotify func(uint8)) {
		irqHandlers = orig
		irqUserBound = origBound
		irqNotifierFn = origNotify
	}(irqHandlers, irqUserBound, irqNotifierFn)

	var kernelSaw, userSaw []uint8
	HandleIRQ(4, func(irq uint8) { kernelSaw = append(kernelSaw, irq) })
	irqNotifierFn = func(irq uint8) { userSaw = append(userSaw, irq) }
	BindUserIRQ(4)
	BindUserIRQ(77) // out of range: ignored

	regs := &gate.Registers{Info: uint64(IRQBase) + 4}
	picIRQHandler(regs)

	if len(kernelSaw) != 1 || kernelSaw[0] != 4 {
		t.Fatalf("kernel handler saw %v", kernelSaw)
	}
	if len(userSaw) != 1 || userSaw[0] != 4 {
		t.Fatalf("user notifier saw %v", userSaw)
	}

	// A line with neither handler nor binding is acknowledged silently.
	regs.Info = uint64(IRQBase) + 9
	picIRQHandler(regs)
}

func TestUserFaultRouting(t *testing.T) {
	defer func(orig func(*gate.Registers)) { userFaultFn = orig }(userFaultFn)

	var faulted *gate.Registers
	userFaultFn = func(regs *gate.Registers) { faulted = regs }

	regs := &gate.Registers{CS: 0x1b} // ring 3
	exceptionHandler(regs)
	if faulted != regs {
		t.Fatal("expected a user-mode exception routed to the fault handler")
	}
}
