package sched

import "kyanos/kernel/proc"

// The sleeper heap is a hand-rolled slice-backed binary min-heap keyed by
// wakeAt. It is small enough that the generic container/heap interface
// machinery (and its per-op interface allocations) is not worth carrying
// in interrupt-context code paths.

func pushSleeper(s sleeper) {
	sleepers = append(sleepers, s)
	i := len(sleepers) - 1
	for i > 0 {
		parent := (i - 1) / 2
		if sleepers[parent].wakeAt <= sleepers[i].wakeAt {
			break
		}
		sleepers[parent], sleepers[i] = sleepers[i], sleepers[parent]
		i = parent
	}
}

func popSleeper() {
	last := len(sleepers) - 1
	sleepers[0] = sleepers[last]
	sleepers = sleepers[:last]
	siftDown(0)
}

// removeSleeper drops pid's entry, if any; used when a sleeping process
// is woken early (kill, explicit wake) so a stale deadline cannot fire
// for it later. A stale pop would be harmless (Wake on a runnable
// process is a no-op) but would cut the next real sleeper's timer short.
func removeSleeper(pid proc.Pid) {
	for i := range sleepers {
		if sleepers[i].pid != pid {
			continue
		}
		last := len(sleepers) - 1
		sleepers[i] = sleepers[last]
		sleepers = sleepers[:last]
		if i < len(sleepers) {
			siftDown(i)
		}
		return
	}
}

func siftDown(i int) {
	n := len(sleepers)
	for {
		left, right := 2*i+1, 2*i+2
		smallest := i
		if left < n && sleepers[left].wakeAt < sleepers[smallest].wakeAt {
			smallest = left
		}
		if right < n && sleepers[right].wakeAt < sleepers[smallest].wakeAt {
			smallest = right
		}
		if smallest == i {
			return
		}
		sleepers[i], sleepers[smallest] = sleepers[smallest], sleepers[i]
		i = smallest
	}
}
