// Package spinlock provides the busy-wait guard used for short kernel
// critical sections where blocking is not allowed.
//
// A spinlock never sleeps. Callers disable preemption on the current thread
// before acquiring one and restore it after the release.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spinsBeforeYield bounds the busy loop before the goroutine yields the
// processor to let the holder run.
const spinsBeforeYield = 64

// Spinlock is a test-and-set lock. The zero value is unlocked.
type Spinlock struct {
	state atomic.Uint32
}

// Reset forces the lock into the unlocked state.
func (l *Spinlock) Reset() {
	l.state.Store(0)
}

// Acquire busy-waits until the lock is taken by the caller. Re-acquiring a
// lock already held by the caller deadlocks.
func (l *Spinlock) Acquire() {
	spins := 0
	for !l.state.CompareAndSwap(0, 1) {
		spins++
		if spins == spinsBeforeYield {
			spins = 0
			runtime.Gosched()
		}
	}
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *Spinlock) TryAcquire() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Release frees the lock. Releasing an unlocked spinlock is a kernel bug.
func (l *Spinlock) Release() {
	if l.state.Swap(0) == 0 {
		panic("spinlock: release of unlocked spinlock")
	}
}

// Held reports whether somebody holds the lock.
func (l *Spinlock) Held() bool {
	return l.state.Load() == 1
}
