package time

import (
	"unsafe"

	"kyanos/kernel"
)

const (
	// lapicBase is the default local APIC MMIO window, identity-mapped
	// (uncached) by the boot path before Init runs.
	lapicBase = uintptr(0xfee0_0000)

	lapicRegEOI          = uintptr(0x0b0)
	lapicRegSpurious     = uintptr(0x0f0)
	lapicRegLVTTimer     = uintptr(0x320)
	lapicRegTimerInitial = uintptr(0x380)
	lapicRegTimerCurrent = uintptr(0x390)
	lapicRegTimerDivide  = uintptr(0x3e0)

	// lvtMasked gates timer delivery off while reprogramming.
	lvtMasked = uint32(1 << 16)

	// timerVector mirrors trap.VecLapicTimer; kept as a local constant
	// so this package does not import the trap routing layer it feeds.
	timerVector = uint32(0xd8)

	// spuriousVector mirrors trap.VecSpurious.
	spuriousVector = uint32(0xff)
)

var (
	lapicReadFn = func(reg uintptr) uint32 {
		return *(*uint32)(unsafe.Pointer(lapicBase + reg))
	}
	lapicWriteFn = func(reg uintptr, val uint32) {
		*(*uint32)(unsafe.Pointer(lapicBase + reg)) = val
	}

	errLapicCalibration = &kernel.Error{Module: "time", Message: "LAPIC timer calibration produced a zero frequency"}

	// lapicTicksPerMs is the one-shot countdown rate measured at boot.
	lapicTicksPerMs uint64
)

// initLapic enables the local APIC (spurious register software-enable
// bit), measures the timer countdown rate against the PIT and leaves the
// timer masked until the scheduler arms it.
func initLapic() *kernel.Error {
	lapicWriteFn(lapicRegSpurious, spuriousVector|0x100)
	lapicWriteFn(lapicRegTimerDivide, 0x3) // divide by 16
	lapicWriteFn(lapicRegLVTTimer, lvtMasked)

	// Free-run the timer from its max count across the PIT window.
	lapicWriteFn(lapicRegTimerInitial, 0xffff_ffff)
	pitWindow(func() {})
	elapsed := uint64(0xffff_ffff - lapicReadFn(lapicRegTimerCurrent))
	lapicWriteFn(lapicRegTimerInitial, 0)

	lapicTicksPerMs = elapsed / calibrationMs
	if lapicTicksPerMs == 0 {
		return errLapicCalibration
	}

	earlyPrintfFn("[time] LAPIC timer at %d ticks/ms\n", lapicTicksPerMs)
	return nil
}

// ArmTimer programs a one-shot expiry deltaNs from now on the LAPIC timer
// vector. A zero or tiny delta is clamped to one tick so the interrupt
// still fires. Re-arming before expiry replaces the previous deadline.
func ArmTimer(deltaNs uint64) {
	ticks := deltaNs / 1_000_000 * lapicTicksPerMs
	ticks += deltaNs % 1_000_000 * lapicTicksPerMs / 1_000_000
	if ticks == 0 {
		ticks = 1
	}
	if ticks > 0xffff_ffff {
		ticks = 0xffff_ffff
	}
	lapicWriteFn(lapicRegLVTTimer, timerVector)
	lapicWriteFn(lapicRegTimerInitial, uint32(ticks))
}

// StopTimer masks the timer without disturbing the clock.
func StopTimer() {
	lapicWriteFn(lapicRegLVTTimer, lvtMasked)
	lapicWriteFn(lapicRegTimerInitial, 0)
}

// AckTimer signals end-of-interrupt for a delivered timer one-shot.
func AckTimer() {
	lapicWriteFn(lapicRegEOI, 0)
}
