// Package sync provides a spinlock synchronization primitive.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked after a busy-wait burst fails to acquire a
	// contended lock; sched.Init installs cpu.Halt here. Until then
	// contended locks spin.
	yieldFn func()
)

// SetYieldFunc installs the function a contended Acquire calls to give up
// the CPU between busy-wait bursts.
func SetYieldFunc(fn func()) { yieldFn = fn }

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	const attemptsBeforeYielding = 1024
	for {
		for i := 0; i < attemptsBeforeYielding; i++ {
			if atomic.SwapUint32(&l.state, 1) == 0 {
				return
			}
		}
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
