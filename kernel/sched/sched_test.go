package sched

import (
	"testing"

	"kyanos/kernel/proc"
)

// resetSched swaps the scheduler's process and hardware hooks for fakes
// and clears every queue.
func resetSched(registry map[proc.Pid]*proc.Process) func() {
	origLookup, origNow, origArm := lookupFn, nowFn, armTimerFn
	origDisable, origEnable := disableIntsFn, enableIntsFn
	origRunnable, origSleepers := runnable, sleepers
	origHead, origTail := wakeRingHead, wakeRingTail

	lookupFn = func(pid proc.Pid) *proc.Process { return registry[pid] }
	nowFn = func() uint64 { return 0 }
	armTimerFn = func(uint64) {}
	disableIntsFn = func() {}
	enableIntsFn = func() {}
	runnable = nil
	sleepers = nil
	wakeRingHead, wakeRingTail = 0, 0

	return func() {
		lookupFn, nowFn, armTimerFn = origLookup, origNow, origArm
		disableIntsFn, enableIntsFn = origDisable, origEnable
		runnable, sleepers = origRunnable, origSleepers
		wakeRingHead, wakeRingTail = origHead, origTail
	}
}

func TestWakeTransitions(t *testing.T) {
	registry := map[proc.Pid]*proc.Process{
		1: {Pid: 1, State: proc.StateSleeping},
		2: {Pid: 2, State: proc.StateWaitingOnIPC, WaitSubs: []uint64{4}},
		3: {Pid: 3, State: proc.StateRunnable},
		4: {Pid: 4, State: proc.StateTerminated},
	}
	defer resetSched(registry)()

	Wake(1)
	Wake(2)
	Wake(3) // already runnable: must not enqueue a duplicate
	Wake(4) // terminated: no-op
	Wake(9) // unknown pid: no-op

	if len(runnable) != 2 || runnable[0] != 1 || runnable[1] != 2 {
		t.Fatalf("unexpected runnable queue %v", runnable)
	}
	if registry[1].State != proc.StateRunnable || registry[2].State != proc.StateRunnable {
		t.Fatal("expected woken processes runnable")
	}
	if registry[2].WaitSubs != nil {
		t.Fatal("expected the IPC wait set cleared on wake")
	}
	if registry[4].State != proc.StateTerminated {
		t.Fatal("terminated process must stay terminated")
	}
}

func TestSleeperHeapOrdering(t *testing.T) {
	defer resetSched(nil)()

	deadlines := []uint64{500, 100, 900, 300, 700, 200}
	for i, d := range deadlines {
		pushSleeper(sleeper{pid: proc.Pid(i + 1), wakeAt: d})
	}

	prev := uint64(0)
	for len(sleepers) > 0 {
		if sleepers[0].wakeAt < prev {
			t.Fatalf("heap order violated: %d after %d", sleepers[0].wakeAt, prev)
		}
		prev = sleepers[0].wakeAt
		popSleeper()
	}
}

func TestRemoveSleeper(t *testing.T) {
	defer resetSched(nil)()

	for i := 1; i <= 5; i++ {
		pushSleeper(sleeper{pid: proc.Pid(i), wakeAt: uint64(i * 100)})
	}
	removeSleeper(3)
	removeSleeper(1)

	if len(sleepers) != 3 {
		t.Fatalf("expected 3 sleepers left; got %d", len(sleepers))
	}
	for len(sleepers) > 0 {
		if sleepers[0].pid == 1 || sleepers[0].pid == 3 {
			t.Fatalf("removed sleeper %d still present", sleepers[0].pid)
		}
		popSleeper()
	}
}

func TestWakeDueSleepers(t *testing.T) {
	registry := map[proc.Pid]*proc.Process{
		1: {Pid: 1, State: proc.StateSleeping},
		2: {Pid: 2, State: proc.StateSleeping},
		3: {Pid: 3, State: proc.StateSleeping},
	}
	defer resetSched(registry)()

	pushSleeper(sleeper{pid: 1, wakeAt: 100})
	pushSleeper(sleeper{pid: 2, wakeAt: 200})
	pushSleeper(sleeper{pid: 3, wakeAt: 300})

	nowFn = func() uint64 { return 250 }
	wakeDueSleepers()

	if len(runnable) != 2 || runnable[0] != 1 || runnable[1] != 2 {
		t.Fatalf("expected sleepers 1 and 2 woken in deadline order; got %v", runnable)
	}
	if len(sleepers) != 1 || sleepers[0].pid != 3 {
		t.Fatalf("expected sleeper 3 still parked; got %v", sleepers)
	}
}

func TestWakeRing(t *testing.T) {
	registry := map[proc.Pid]*proc.Process{
		1: {Pid: 1, State: proc.StateWaitingOnIPC, WaitSubs: []uint64{1}},
		2: {Pid: 2, State: proc.StateWaitingOnIPC, WaitSubs: []uint64{2}},
	}
	defer resetSched(registry)()

	WakeFromIRQ(1)
	WakeFromIRQ(2)
	WakeFromIRQ(1) // second wake for pid 1 must be harmless

	drainWakes()

	if len(runnable) != 2 {
		t.Fatalf("expected 2 runnable after drain; got %v", runnable)
	}
	if wakeRingHead != wakeRingTail {
		t.Fatal("expected the ring fully drained")
	}
}

func TestWakeRingOverflowDrops(t *testing.T) {
	defer resetSched(nil)()

	for i := 0; i < wakeRingSize+32; i++ {
		WakeFromIRQ(proc.Pid(i + 1))
	}

	queued := (wakeRingTail - wakeRingHead) & (wakeRingSize - 1)
	if queued != wakeRingSize-1 {
		t.Fatalf("expected the ring capped at %d entries; got %d", wakeRingSize-1, queued)
	}
}

func TestPopRunnableSkipsStalePids(t *testing.T) {
	registry := map[proc.Pid]*proc.Process{
		2: {Pid: 2, State: proc.StateTerminated},
		3: {Pid: 3, State: proc.StateRunnable},
	}
	defer resetSched(registry)()

	runnable = []proc.Pid{1, 2, 3} // 1 is gone, 2 terminated

	p := popRunnable()
	if p == nil || p.Pid != 3 {
		t.Fatalf("expected pid 3 selected; got %v", p)
	}
	if len(runnable) != 0 {
		t.Fatalf("expected stale entries consumed; got %v", runnable)
	}
}

func TestArmNextEventPicksEarliestDeadline(t *testing.T) {
	defer resetSched(nil)()

	var armed uint64
	armTimerFn = func(d uint64) { armed = d }

	// No sleepers: a full slice.
	armNextEvent()
	if armed != sliceNs {
		t.Fatalf("expected slice quantum %d; got %d", sliceNs, armed)
	}

	// A sleeper due sooner than the slice wins.
	nowFn = func() uint64 { return 1_000_000 }
	pushSleeper(sleeper{pid: 1, wakeAt: 3_000_000})
	armNextEvent()
	if armed != 2_000_000 {
		t.Fatalf("expected 2ms arm; got %d", armed)
	}

	// An overdue sleeper clamps to the minimum, never zero.
	sleepers[0].wakeAt = 500
	armNextEvent()
	if armed != minArmNs {
		t.Fatalf("expected %d for overdue sleeper; got %d", minArmNs, armed)
	}
}
