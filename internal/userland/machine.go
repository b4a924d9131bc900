package userland

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/intr"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/syscall"
	"go.uber.org/zap"
)

// Trap is the kernel entry for syscalls.
type Trap interface {
	Dispatch(t *thread.Thread, req syscall.Request) int
}

// Machine executes user programs on process threads.
type Machine struct {
	programs *Registry
	trap     Trap
	logger   *zap.Logger
}

// NewMachine creates a machine for the programs in reg. Bind must be called
// before the first process enters user mode.
func NewMachine(reg *Registry, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{programs: reg, logger: logger}
}

// Bind sets the syscall entry.
func (m *Machine) Bind(trap Trap) {
	m.trap = trap
}

// Enter runs the program at ctx.PC on t and exits with its return value.
func (m *Machine) Enter(t *thread.Thread, ctx proc.UserContext) {
	if t.Pagetable == nil {
		panic(fmt.Sprintf("userland: thread %d has no address space", t.ID()))
	}
	word, err := t.Pagetable.Uint64(ctx.PC)
	if err != nil {
		panic(fmt.Sprintf("userland: fetch at %#x: %v", ctx.PC, err))
	}
	prog, ok := m.programs.lookup(word)
	if !ok {
		panic(fmt.Sprintf("userland: illegal instruction %#x at %#x", word, ctx.PC))
	}

	t.Intr.Set(intr.Enabled)
	u := &User{t: t, m: m, ctx: ctx}
	m.logger.Debug("user mode", zap.Int("pid", t.PID()), zap.Uint64("slot", word))
	u.Exit(prog(u))
}
