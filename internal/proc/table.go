package proc

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/intr"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/spinlock"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
	"go.uber.org/zap"
)

// Deps are the kernel subsystems the table drives.
type Deps struct {
	Scheduler *thread.Scheduler
	Sleep     *sleepq.Queue
	Memory    *vm.Pool
	Loader    Loader
	CPU       Userland
	Logger    *zap.Logger
}

// Table is the process table.
type Table struct {
	guard   spinlock.Spinlock
	records []Record

	cfg    Config
	sched  *thread.Scheduler
	sleep  *sleepq.Queue
	mem    *vm.Pool
	loader Loader
	cpu    Userland
	hooks  []Hook
	logger *zap.Logger
}

// NewTable creates a table sized by cfg. Init must be called before use.
func NewTable(cfg Config, deps Deps) *Table {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = MaxProcesses
	}
	if cfg.MaxNameSize <= 1 {
		cfg.MaxNameSize = MaxNameSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		records: make([]Record, cfg.MaxProcesses),
		cfg:     cfg,
		sched:   deps.Scheduler,
		sleep:   deps.Sleep,
		mem:     deps.Memory,
		loader:  deps.Loader,
		cpu:     deps.CPU,
		logger:  logger,
	}
}

// WithHook registers a lifecycle observer. Hooks are registered before the
// first spawn.
func (tb *Table) WithHook(h Hook) *Table {
	tb.hooks = append(tb.hooks, h)
	return tb
}

// Init marks every record free.
func (tb *Table) Init() {
	tb.guard.Acquire()
	for i := range tb.records {
		tb.records[i] = freeRecord(ID(i))
	}
	tb.guard.Release()
}

// Capacity returns the number of slots.
func (tb *Table) Capacity() int {
	return len(tb.records)
}

// Config returns the table sizing.
func (tb *Table) Config() Config {
	return tb.cfg
}

func (tb *Table) lock(t *thread.Thread) intr.Status {
	st := t.Intr.Disable()
	tb.guard.Acquire()
	return st
}

func (tb *Table) unlock(t *thread.Thread, st intr.Status) {
	tb.guard.Release()
	t.Intr.Restore(st)
}

// freeLocked returns the lowest free slot.
func (tb *Table) freeLocked() (ID, bool) {
	for i := range tb.records {
		if tb.records[i].State == StateFree {
			return ID(i), true
		}
	}
	return NoPID, false
}

// corrupt describes a record no transition can produce, or returns "".
// Callers drop every guard before panicking with it.
func corrupt(r *Record) string {
	if r.State == StateDead || r.State < StateFree || r.State > StateDead {
		return fmt.Sprintf("proc: corrupt record %d in state %s", r.PID, r.State)
	}
	return ""
}

// GetFree returns the lowest free PID without reserving it.
func (tb *Table) GetFree() (ID, error) {
	tb.guard.Acquire()
	defer tb.guard.Release()

	pid, ok := tb.freeLocked()
	if !ok {
		return NoPID, ErrTableFull
	}
	return pid, nil
}

// Current returns the PID bound to t, or NoPID for kernel threads.
func (tb *Table) Current(t *thread.Thread) ID {
	return ID(t.PID())
}

// Get returns a copy of the record for pid.
func (tb *Table) Get(pid ID) (Record, bool) {
	if pid < 0 || int(pid) >= len(tb.records) {
		return Record{}, false
	}
	tb.guard.Acquire()
	defer tb.guard.Release()
	return tb.records[pid], true
}

// Snapshot returns a copy of every record that is not free.
func (tb *Table) Snapshot() []Record {
	tb.guard.Acquire()
	defer tb.guard.Release()

	out := make([]Record, 0, len(tb.records))
	for _, r := range tb.records {
		if r.State != StateFree {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of records in each state.
func (tb *Table) Counts() map[State]int {
	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}

	tb.guard.Acquire()
	defer tb.guard.Release()
	for _, r := range tb.records {
		counts[r.State]++
	}
	return counts
}

// Live returns the number of running and zombie processes.
func (tb *Table) Live() int {
	tb.guard.Acquire()
	defer tb.guard.Release()

	n := 0
	for _, r := range tb.records {
		if r.State != StateFree {
			n++
		}
	}
	return n
}

func (tb *Table) emit(t *thread.Thread, ev Event) {
	if ev.ID == "" {
		ev.ID = id.NewEventID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, h := range tb.hooks {
		h.OnProcessEvent(t, ev)
	}
}

// truncateName keeps at most size-1 bytes of name without splitting a rune.
func truncateName(name string, size int) string {
	if len(name) <= size-1 {
		return name
	}
	end := size - 1
	for end > 0 && !utf8.RuneStart(name[end]) {
		end--
	}
	return name[:end]
}
