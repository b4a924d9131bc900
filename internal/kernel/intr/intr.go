// Package intr implements preemption control for kernel threads.
//
// A goroutine cannot actually mask interrupts, so every thread carries a Mask
// that records whether it is inside a preemption-disabled section. Critical
// sections always pair the mask with a spinlock; the mask nests by restoring
// the status returned from Disable.
//
//	st := t.Intr.Disable()
//	defer t.Intr.Restore(st)
package intr

import "sync/atomic"

// Status is the interrupt state saved by Disable.
type Status uint32

const (
	Enabled Status = iota
	Disabled
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Mask is the per-thread interrupt state. The zero value is enabled.
type Mask struct {
	state  atomic.Uint32
	depth  atomic.Int32
	counts atomic.Uint64
}

// Disable masks preemption and returns the previous status.
func (m *Mask) Disable() Status {
	m.depth.Add(1)
	m.counts.Add(1)
	return Status(m.state.Swap(uint32(Disabled)))
}

// Restore reinstates a status returned by Disable.
func (m *Mask) Restore(s Status) {
	if m.depth.Add(-1) < 0 {
		panic("intr: restore without matching disable")
	}
	m.state.Store(uint32(s))
}

// Set forces the status without touching the nesting depth. It is used when a
// thread is handed to user mode.
func (m *Mask) Set(s Status) Status {
	return Status(m.state.Swap(uint32(s)))
}

// Status reports the current status.
func (m *Mask) Status() Status {
	return Status(m.state.Load())
}

// Depth reports how many Disable calls are still unmatched.
func (m *Mask) Depth() int {
	return int(m.depth.Load())
}

// Sections reports how many preemption-disabled sections were entered.
func (m *Mask) Sections() uint64 {
	return m.counts.Load()
}
