package trap

import "kyanos/kernel/cpu"

const (
	pic1Cmd  = uint16(0x20)
	pic1Data = uint16(0x21)
	pic2Cmd  = uint16(0xa0)
	pic2Data = uint16(0xa1)

	picEOI = uint8(0x20)

	icw1Init = uint8(0x11) // edge-triggered, cascade, ICW4 follows
	icw48086 = uint8(0x01)
)

var (
	inByteFn  = cpu.InByte
	outByteFn = cpu.OutByte
)

// remapPIC reprograms both 8259 controllers so their 16 lines land on
// IRQBase..IRQBase+15 instead of the power-on 0x08..0x0f range that
// collides with the CPU exception vectors, then masks every line. Lines
// are unmasked individually as handlers get registered.
func remapPIC() {
	outByteFn(pic1Cmd, icw1Init)
	outByteFn(pic2Cmd, icw1Init)
	outByteFn(pic1Data, uint8(IRQBase))   // master offset
	outByteFn(pic2Data, uint8(IRQBase)+8) // slave offset
	outByteFn(pic1Data, 0x04)             // slave on line 2
	outByteFn(pic2Data, 0x02)             // cascade identity
	outByteFn(pic1Data, icw48086)
	outByteFn(pic2Data, icw48086)

	// Mask everything except the cascade line.
	outByteFn(pic1Data, 0xfb)
	outByteFn(pic2Data, 0xff)
}

// unmaskIRQ clears the mask bit for one line.
func unmaskIRQ(irq uint8) {
	if irq >= IRQCount {
		return
	}
	if irq < 8 {
		mask := inByteFn(pic1Data)
		outByteFn(pic1Data, mask&^(1<<irq))
		return
	}
	mask := inByteFn(pic2Data)
	outByteFn(pic2Data, mask&^(1<<(irq-8)))
}

// ackPIC sends end-of-interrupt for the line; the slave controller needs
// an additional EOI to the master it cascades through.
func ackPIC(irq uint8) {
	if irq >= 8 {
		outByteFn(pic2Cmd, picEOI)
	}
	outByteFn(pic1Cmd, picEOI)
}
