// Package thread is the kernel scheduler: it creates execution units, makes
// them runnable, suspends them until they are woken and terminates them.
//
// Every thread runs on its own goroutine. Suspension is a receive on the
// thread's wake channel, which buffers one token so that a wakeup delivered
// between "enqueue self" and Switch is never lost. Goroutines that already
// exist, such as the one booting the kernel, join the thread table through
// Bootstrap and can then take locks and sleep like any other thread.
package thread

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/intr"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"go.uber.org/zap"
)

// ErrTooManyThreads is returned when the thread table is full.
var ErrTooManyThreads = errors.New("thread: thread table full")

// ID identifies a thread.
type ID int

// Entry is the function a created thread starts in.
type Entry func(t *Thread, arg int)

// State is the scheduling state of a thread.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateDead
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// noProcess is the process binding of a thread that does not run a process.
const noProcess = -1

// Thread is one execution unit.
type Thread struct {
	id        ID
	name      string
	sched     *Scheduler
	entry     Entry
	arg       int
	bootstrap bool

	pid      atomic.Int64
	state    atomic.Int32
	switches atomic.Uint64
	wake     chan struct{}
	done     chan struct{}

	// Intr is the thread's preemption mask.
	Intr intr.Mask

	// Pagetable is the user address space; nil for pure kernel threads.
	// Only the thread itself touches it.
	Pagetable *vm.Pagetable
}

func newThread(id ID, name string, entry Entry, arg int, s *Scheduler) *Thread {
	t := &Thread{
		id:    id,
		name:  name,
		sched: s,
		entry: entry,
		arg:   arg,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	t.pid.Store(noProcess)
	return t
}

// ID returns the thread identifier.
func (t *Thread) ID() ID { return t.id }

// Name returns the name given at creation.
func (t *Thread) Name() string { return t.name }

// State returns the current scheduling state.
func (t *Thread) State() State { return State(t.state.Load()) }

// PID returns the process the thread runs, or -1.
func (t *Thread) PID() int { return int(t.pid.Load()) }

// SetPID binds the thread to a process.
func (t *Thread) SetPID(pid int) { t.pid.Store(int64(pid)) }

// Switches returns how many times the thread has suspended itself.
func (t *Thread) Switches() uint64 { return t.switches.Load() }

// Done is closed once a created thread has terminated.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Switch suspends the calling thread until somebody calls Wakeup. It must be
// called by t itself, normally right after enqueuing t on a sleep queue.
func (t *Thread) Switch() {
	t.switches.Add(1)
	t.state.Store(int32(StateSleeping))
	<-t.wake
	t.state.Store(int32(StateRunning))
}

// Wakeup makes a suspended thread runnable again. A wakeup that arrives
// before the thread suspends is remembered.
func (t *Thread) Wakeup() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Finish terminates the calling thread. It never returns.
func (t *Thread) Finish() {
	if t.bootstrap {
		panic(fmt.Sprintf("thread: finish called on bootstrap thread %d", t.id))
	}
	runtime.Goexit()
}

// PanicHandler receives a panic raised on a created thread.
type PanicHandler func(t *Thread, v any)

// Info is a point-in-time view of a thread.
type Info struct {
	ID    ID     `json:"id"`
	Name  string `json:"name"`
	PID   int    `json:"pid"`
	State string `json:"state"`
}

// Scheduler owns the thread table.
type Scheduler struct {
	guard   spinlock.Spinlock
	threads map[ID]*Thread
	nextID  ID
	max     int
	onPanic PanicHandler
	logger  *zap.Logger
}

// NewScheduler creates a scheduler that admits at most max live threads.
func NewScheduler(max int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		threads: make(map[ID]*Thread),
		max:     max,
		logger:  logger,
	}
}

// SetPanicHandler installs the function called when a created thread panics.
// Without a handler the panic propagates and crashes the program.
func (s *Scheduler) SetPanicHandler(h PanicHandler) {
	s.guard.Acquire()
	s.onPanic = h
	s.guard.Release()
}

func (s *Scheduler) admit(name string, entry Entry, arg int) (*Thread, error) {
	s.guard.Acquire()
	defer s.guard.Release()

	if s.max > 0 && len(s.threads) >= s.max {
		return nil, fmt.Errorf("creating %q: %w", name, ErrTooManyThreads)
	}
	t := newThread(s.nextID, name, entry, arg, s)
	s.nextID++
	s.threads[t.id] = t
	return t, nil
}

// Create allocates a thread that will start in entry(t, arg). The thread does
// not run until Run is called.
func (s *Scheduler) Create(name string, entry Entry, arg int) (*Thread, error) {
	t, err := s.admit(name, entry, arg)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("thread created", zap.Int("tid", int(t.id)), zap.String("name", name))
	return t, nil
}

// Run makes a created thread runnable.
func (s *Scheduler) Run(t *Thread) {
	if t.bootstrap || !t.state.CompareAndSwap(int32(StateReady), int32(StateRunning)) {
		panic(fmt.Sprintf("thread: run of thread %d in state %s", t.id, t.State()))
	}
	go s.trampoline(t)
}

// Bootstrap adopts the calling goroutine as a kernel thread.
func (s *Scheduler) Bootstrap(name string) (*Thread, error) {
	t, err := s.admit(name, nil, 0)
	if err != nil {
		return nil, err
	}
	t.bootstrap = true
	t.state.Store(int32(StateRunning))
	return t, nil
}

// Release removes a bootstrap thread from the table once its goroutine no
// longer acts as a kernel thread.
func (s *Scheduler) Release(t *Thread) {
	if !t.bootstrap {
		panic(fmt.Sprintf("thread: release of created thread %d", t.id))
	}
	s.retire(t)
}

// Count returns the number of live threads.
func (s *Scheduler) Count() int {
	s.guard.Acquire()
	defer s.guard.Release()
	return len(s.threads)
}

// Snapshot lists the live threads.
func (s *Scheduler) Snapshot() []Info {
	s.guard.Acquire()
	defer s.guard.Release()

	infos := make([]Info, 0, len(s.threads))
	for _, t := range s.threads {
		infos = append(infos, Info{
			ID:    t.id,
			Name:  t.name,
			PID:   t.PID(),
			State: t.State().String(),
		})
	}
	return infos
}

func (s *Scheduler) trampoline(t *Thread) {
	defer s.retire(t)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.logger.Error("kernel panic",
			zap.Int("tid", int(t.id)),
			zap.String("name", t.name),
			zap.Int("pid", t.PID()),
			zap.Any("panic", r),
		)
		s.guard.Acquire()
		h := s.onPanic
		s.guard.Release()
		if h == nil {
			panic(r)
		}
		h(t, r)
	}()

	t.entry(t, t.arg)
}

func (s *Scheduler) retire(t *Thread) {
	t.state.Store(int32(StateDead))
	s.guard.Acquire()
	delete(s.threads, t.id)
	s.guard.Release()
	if !t.bootstrap {
		close(t.done)
	}
	s.logger.Debug("thread exited", zap.Int("tid", int(t.id)), zap.String("name", t.name))
}
