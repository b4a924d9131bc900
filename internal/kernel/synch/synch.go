// Package synch provides the blocking synchronization primitives of the
// kernel: a sleeping mutual-exclusion Lock and a Mesa-style condition
// variable. Both suspend through a shared sleep queue keyed by their own
// identity.
package synch

import (
	"errors"
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
)

// ErrLockHeld is returned by Reset on a closed lock.
var ErrLockHeld = errors.New("synch: lock is held")

// Lock is a blocking mutex. A thread that finds it closed sleeps on the
// queue until the holder releases it.
type Lock struct {
	guard  spinlock.Spinlock
	closed bool
	holder *thread.Thread
	q      *sleepq.Queue
}

// NewLock returns an open lock that sleeps on q.
func NewLock(q *sleepq.Queue) *Lock {
	return &Lock{q: q}
}

// Reset reopens the lock. It fails without side effect if the lock is closed.
func (l *Lock) Reset(t *thread.Thread) error {
	st := t.Intr.Disable()
	defer t.Intr.Restore(st)

	l.guard.Acquire()
	defer l.guard.Release()
	if l.closed {
		return ErrLockHeld
	}
	l.holder = nil
	return nil
}

// Acquire blocks t until it owns the lock.
func (l *Lock) Acquire(t *thread.Thread) {
	st := t.Intr.Disable()
	defer t.Intr.Restore(st)

	l.guard.Acquire()
	if l.closed && l.holder == t {
		l.guard.Release()
		panic(fmt.Sprintf("synch: thread %d acquires a lock it already holds", t.ID()))
	}
	for l.closed {
		l.q.Add(l, t)
		l.guard.Release()
		t.Switch()
		l.guard.Acquire()
	}
	l.closed = true
	l.holder = t
	l.guard.Release()
}

// Release opens the lock and wakes the oldest sleeper, if any.
func (l *Lock) Release(t *thread.Thread) {
	st := t.Intr.Disable()
	defer t.Intr.Restore(st)

	l.guard.Acquire()
	if !l.closed || l.holder != t {
		l.guard.Release()
		panic(fmt.Sprintf("synch: thread %d releases a lock it does not hold", t.ID()))
	}
	l.closed = false
	l.holder = nil
	l.q.Wake(l)
	l.guard.Release()
}

// HeldBy reports whether t owns the lock.
func (l *Lock) HeldBy(t *thread.Thread) bool {
	l.guard.Acquire()
	defer l.guard.Release()
	return l.closed && l.holder == t
}

// Cond is a condition variable. A wakeup does not mean the waiter's
// predicate holds, so Wait is always called in a loop:
//
//	mu.Acquire(t)
//	for !ready {
//		cv.Wait(t, mu)
//	}
//	mu.Release(t)
type Cond struct {
	q *sleepq.Queue
	// non-zero size so distinct conds never share a key
	_ byte
}

// NewCond returns a condition variable that sleeps on q.
func NewCond(q *sleepq.Queue) *Cond {
	return &Cond{q: q}
}

// Wait atomically releases l and suspends t until signalled, then
// reacquires l before returning.
func (c *Cond) Wait(t *thread.Thread, l *Lock) {
	c.mustHold(t, l, "wait")

	st := t.Intr.Disable()
	c.q.Add(c, t)
	l.Release(t)
	t.Switch()
	t.Intr.Restore(st)

	l.Acquire(t)
}

// Signal wakes one waiter. t must hold l.
func (c *Cond) Signal(t *thread.Thread, l *Lock) {
	c.mustHold(t, l, "signal")
	c.q.Wake(c)
}

// Broadcast wakes every waiter. t must hold l.
func (c *Cond) Broadcast(t *thread.Thread, l *Lock) {
	c.mustHold(t, l, "broadcast")
	c.q.WakeAll(c)
}

// Waiters returns how many threads are blocked on the condition.
func (c *Cond) Waiters() int {
	return c.q.Len(c)
}

func (c *Cond) mustHold(t *thread.Thread, l *Lock, op string) {
	if !l.HeldBy(t) {
		panic(fmt.Sprintf("synch: %s by thread %d without holding the lock", op, t.ID()))
	}
}
