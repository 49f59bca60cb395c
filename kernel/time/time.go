// Package time provides the kernel's monotonic nanosecond clock and the
// tickless timer the scheduler programs its wake-ups with. The clock is
// the TSC, calibrated once at boot against the PIT; timer events are LAPIC
// one-shots, calibrated against the same PIT window.
package time

import (
	"kyanos/kernel"
	"kyanos/kernel/cpu"
	"kyanos/kernel/kfmt/early"
)

const (
	// pitHz is the fixed input frequency of the 8254 PIT.
	pitHz = 1193182

	// calibrationMs is the length of the PIT window both the TSC and the
	// LAPIC timer are measured against at boot.
	calibrationMs = 50

	pitCh2      = uint16(0x42)
	pitCommand  = uint16(0x43)
	pitGatePort = uint16(0x61)
)

var (
	rdtscFn       = cpu.Rdtsc
	inByteFn      = cpu.InByte
	outByteFn     = cpu.OutByte
	earlyPrintfFn = early.Printf

	errCalibration = &kernel.Error{Module: "time", Message: "TSC calibration produced a zero frequency"}

	// bootTSC is the TSC value captured at Init; Now is relative to it.
	bootTSC uint64

	// tscKhz is the calibrated TSC increment rate.
	tscKhz uint64
)

// Init calibrates the TSC against a PIT-timed window and records the boot
// reference point. Interrupts must still be disabled.
func Init() *kernel.Error {
	start, end := pitWindow(func() {})
	ticks := end - start
	tscKhz = ticks / calibrationMs
	if tscKhz == 0 {
		return errCalibration
	}
	bootTSC = rdtscFn()

	earlyPrintfFn("[time] TSC calibrated at %d kHz\n", tscKhz)
	return initLapic()
}

// pitWindow runs fn while PIT channel 2 counts down a calibrationMs
// window, returning the TSC values captured at the window's start and end.
func pitWindow(fn func()) (startTSC, endTSC uint64) {
	reload := uint16(pitHz * calibrationMs / 1000)

	// Gate channel 2 via the keyboard controller port, speaker off.
	outByteFn(pitGatePort, (inByteFn(pitGatePort)&^0x02)|0x01)

	// Channel 2, lobyte/hibyte, mode 0 (interrupt on terminal count).
	outByteFn(pitCommand, 0xb0)
	outByteFn(pitCh2, uint8(reload))
	outByteFn(pitCh2, uint8(reload>>8))

	startTSC = rdtscFn()
	fn()
	// OUT2 of the 8254 goes high when the count reaches zero.
	for inByteFn(pitGatePort)&0x20 == 0 {
	}
	endTSC = rdtscFn()
	return startTSC, endTSC
}

// Now returns the monotonic time in nanoseconds since boot. tscKhz counts
// cycles per millisecond, so the remainder term recovers the sub-ms
// nanoseconds without ever forming delta*1e6 (which overflows a u64 after
// a couple of hours of uptime on a GHz-class TSC).
func Now() uint64 {
	if tscKhz == 0 {
		return 0
	}
	delta := rdtscFn() - bootTSC
	return (delta/tscKhz)*1_000_000 + (delta%tscKhz)*1_000_000/tscKhz
}
