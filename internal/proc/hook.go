package proc

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
)

// EventKind names a lifecycle transition.
type EventKind string

const (
	EventCreated      EventKind = "created"
	EventStateChanged EventKind = "state_changed"
	EventFreed        EventKind = "freed"
	EventTableFull    EventKind = "table_full"
	EventIllegalJoin  EventKind = "illegal_join"
)

// Event describes one lifecycle transition.
type Event struct {
	ID       id.EventID      `json:"id"`
	Kind     EventKind       `json:"kind"`
	PID      ID              `json:"pid"`
	Parent   ID              `json:"parent"`
	Name     string          `json:"name,omitempty"`
	From     State           `json:"from"`
	To       State           `json:"to"`
	ExitCode int             `json:"exit_code"`
	Key      id.RendezvousID `json:"rendezvous,omitempty"`
	Waited   time.Duration   `json:"waited,omitempty"`
	Time     time.Time       `json:"time"`
}

// Hook observes lifecycle transitions. Hooks run on the thread that caused
// the transition, after the table guard is dropped. A hook must not call back
// into the table.
type Hook interface {
	OnProcessEvent(t *thread.Thread, ev Event)
}

// HookFunc adapts a function to Hook.
type HookFunc func(t *thread.Thread, ev Event)

// OnProcessEvent calls f.
func (f HookFunc) OnProcessEvent(t *thread.Thread, ev Event) { f(t, ev) }
