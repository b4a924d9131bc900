// Package proc is the process table and the process lifecycle: spawn, start,
// finish, join and join-children.
//
// The table is a fixed arena of records addressed by PID. Every read of a
// mutable field and every write happens under the table spinlock with
// preemption disabled on the calling thread. A finished process with a parent
// stays a zombie until that parent joins it; a process without a parent is
// freed as soon as it finishes.
//
// Joiners sleep on a rendezvous key that is shared by a whole process tree,
// so a wakeup may belong to a sibling. Join therefore re-checks its child's
// state after every wakeup and Finish wakes every sleeper on the key.
package proc

import (
	"errors"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
)

const (
	// MaxProcesses is the default capacity of the process table.
	MaxProcesses = 32
	// MaxNameSize bounds a process name, terminator included.
	MaxNameSize = 32
	// UserlandStackTop is the initial user stack pointer.
	UserlandStackTop uintptr = 0x7fffeffc
)

var (
	ErrTableFull    = errors.New("proc: process table full")
	ErrIllegalJoin  = errors.New("proc: illegal join")
	ErrInvalidImage = errors.New("proc: invalid executable image")
)

// ID is a process identifier: the index of its record in the table.
type ID int

// NoPID marks the absence of a process, such as the parent of a root process.
const NoPID ID = -1

// State is the lifecycle state of a process record.
type State int

const (
	StateFree State = iota
	StateRunning
	StateZombie
	// StateDead is reserved and never assigned.
	StateDead
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateRunning:
		return "running"
	case StateZombie:
		return "zombie"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// States lists every state in table order.
var States = []State{StateFree, StateRunning, StateZombie, StateDead}

// Rendezvous is the sleep-queue key a parent and all of its descendants share
// for join synchronization.
type Rendezvous struct {
	id    id.RendezvousID
	guard spinlock.Spinlock
}

func newRendezvous() *Rendezvous {
	return &Rendezvous{id: id.NewRendezvousID()}
}

// ID returns the rendezvous identity used in logs and events.
func (r *Rendezvous) ID() id.RendezvousID {
	return r.id
}

// Record is one slot of the process table.
type Record struct {
	PID      ID              `json:"pid"`
	Parent   ID              `json:"parent"`
	Name     string          `json:"name,omitempty"`
	State    State           `json:"state"`
	ExitCode int             `json:"exit_code"`
	Key      id.RendezvousID `json:"rendezvous,omitempty"`

	key *Rendezvous
}

func freeRecord(pid ID) Record {
	return Record{PID: pid, Parent: NoPID, State: StateFree}
}

// Config sizes the process table and user address spaces.
type Config struct {
	MaxProcesses int
	MaxNameSize  int
	// StrictSpawn reports a full table as ErrTableFull instead of panicking.
	StrictSpawn  bool
	StackPages   int
	MaxUserPages int
}

// DefaultConfig returns the reference sizing with strict spawn.
func DefaultConfig() Config {
	return Config{
		MaxProcesses: MaxProcesses,
		MaxNameSize:  MaxNameSize,
		StrictSpawn:  true,
		StackPages:   4,
		MaxUserPages: 16,
	}
}
