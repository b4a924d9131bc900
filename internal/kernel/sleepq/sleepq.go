// Package sleepq associates resource keys with queues of suspended threads.
//
// A key is any comparable identity, normally a pointer to the object being
// waited for. The protocol is always: enqueue self with Add while holding the
// guard that protects the waited-for state, drop that guard, then Switch.
// Wakeups are FIFO per key; nothing is ordered across keys.
package sleepq

import (
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
)

// Queue is a set of per-key FIFO wait queues.
type Queue struct {
	guard   spinlock.Spinlock
	waiters map[any][]*thread.Thread
}

// New returns an empty sleep queue.
func New() *Queue {
	return &Queue{waiters: make(map[any][]*thread.Thread)}
}

// Add enqueues t on key. The caller must Switch afterwards.
func (q *Queue) Add(key any, t *thread.Thread) {
	q.guard.Acquire()
	q.waiters[key] = append(q.waiters[key], t)
	q.guard.Release()
}

// Wake resumes the oldest waiter on key and returns it, or nil if nobody waits.
func (q *Queue) Wake(key any) *thread.Thread {
	q.guard.Acquire()
	ws := q.waiters[key]
	if len(ws) == 0 {
		q.guard.Release()
		return nil
	}
	t := ws[0]
	ws[0] = nil
	if len(ws) == 1 {
		delete(q.waiters, key)
	} else {
		q.waiters[key] = ws[1:]
	}
	q.guard.Release()

	t.Wakeup()
	return t
}

// WakeAll resumes every waiter on key and returns how many there were.
func (q *Queue) WakeAll(key any) int {
	q.guard.Acquire()
	ws := q.waiters[key]
	delete(q.waiters, key)
	q.guard.Release()

	for _, t := range ws {
		t.Wakeup()
	}
	return len(ws)
}

// Len returns the number of threads waiting on key.
func (q *Queue) Len(key any) int {
	q.guard.Acquire()
	defer q.guard.Release()
	return len(q.waiters[key])
}

// Keys returns the number of keys with at least one waiter.
func (q *Queue) Keys() int {
	q.guard.Acquire()
	defer q.guard.Release()
	return len(q.waiters)
}
