// Package syscall is the trap surface user programs call into. Dispatch maps
// a request onto the process table or the console and returns the integer
// result handed back to user mode.
package syscall

import (
	"errors"
	"fmt"
	"io"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"go.uber.org/zap"
)

// Number identifies a syscall.
type Number int

const (
	SysHalt  Number = 0x001
	SysExec  Number = 0x101
	SysExit  Number = 0x102
	SysJoin  Number = 0x103
	SysRead  Number = 0x204
	SysWrite Number = 0x205
)

// String returns the string representation of the syscall
func (n Number) String() string {
	switch n {
	case SysHalt:
		return "halt"
	case SysExec:
		return "exec"
	case SysExit:
		return "exit"
	case SysJoin:
		return "join"
	case SysRead:
		return "read"
	case SysWrite:
		return "write"
	default:
		return fmt.Sprintf("sys_%#x", int(n))
	}
}

// Result codes returned to user mode. Exit codes are never negative, so they
// cannot collide with these.
const (
	ResultError       = -1
	ResultTableFull   = -1
	ResultIllegalJoin = -2
)

// Standard descriptors.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// Request carries the arguments of one trap. Only the fields of the named
// syscall are read.
type Request struct {
	Num  Number
	Name string
	PID  int
	Code int
	FD   int
	Buf  []byte
}

// Processes is the part of the process table reachable from user mode.
type Processes interface {
	Spawn(t *thread.Thread, name string) (proc.ID, error)
	Finish(t *thread.Thread, retval int)
	Join(t *thread.Thread, pid proc.ID) (int, error)
}

// Observer is told the outcome of every returning syscall.
type Observer func(num Number, result int)

// Dispatcher routes traps.
type Dispatcher struct {
	procs   Processes
	console io.ReadWriter
	halt    func(t *thread.Thread)
	observe Observer
	logger  *zap.Logger
}

// New creates a dispatcher. halt is called for SysHalt and may be nil.
func New(procs Processes, console io.ReadWriter, halt func(t *thread.Thread), logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		procs:   procs,
		console: console,
		halt:    halt,
		logger:  logger,
	}
}

// WithObserver installs fn as the outcome observer.
func (d *Dispatcher) WithObserver(fn Observer) *Dispatcher {
	d.observe = fn
	return d
}

// Dispatch runs the syscall described by req on behalf of t. SysExit does not
// return. An unknown number is an unhandled trap and panics.
func (d *Dispatcher) Dispatch(t *thread.Thread, req Request) int {
	var result int
	switch req.Num {
	case SysHalt:
		d.logger.Info("halt requested", zap.Int("pid", t.PID()))
		if d.halt != nil {
			d.halt(t)
		}
	case SysExec:
		result = d.exec(t, req.Name)
	case SysExit:
		d.procs.Finish(t, req.Code)
		panic(fmt.Sprintf("syscall: exit returned to process %d", t.PID()))
	case SysJoin:
		result = d.join(t, proc.ID(req.PID))
	case SysRead:
		result = d.read(req.FD, req.Buf)
	case SysWrite:
		result = d.write(req.FD, req.Buf)
	default:
		panic(fmt.Sprintf("syscall: unhandled trap %s from process %d", req.Num, t.PID()))
	}

	d.logger.Debug("syscall",
		zap.Stringer("num", req.Num),
		zap.Int("pid", t.PID()),
		zap.Int("result", result),
	)
	if d.observe != nil {
		d.observe(req.Num, result)
	}
	return result
}

func (d *Dispatcher) exec(t *thread.Thread, name string) int {
	pid, err := d.procs.Spawn(t, name)
	if errors.Is(err, proc.ErrTableFull) {
		d.logger.Warn("exec refused", zap.String("name", name), zap.Error(err))
		return ResultTableFull
	}
	if err != nil {
		d.logger.Error("exec failed", zap.String("name", name), zap.Error(err))
		return ResultError
	}
	return int(pid)
}

func (d *Dispatcher) join(t *thread.Thread, pid proc.ID) int {
	code, err := d.procs.Join(t, pid)
	if errors.Is(err, proc.ErrIllegalJoin) {
		return ResultIllegalJoin
	}
	if err != nil {
		return ResultError
	}
	return code
}

// read blocks until buf is full or the console reaches end of input.
func (d *Dispatcher) read(fd int, buf []byte) int {
	if fd != Stdin {
		return ResultError
	}
	n, err := io.ReadFull(d.console, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		d.logger.Warn("console read failed", zap.Error(err))
		return ResultError
	}
	return n
}

func (d *Dispatcher) write(fd int, buf []byte) int {
	if fd != Stdout && fd != Stderr {
		return ResultError
	}
	n, err := d.console.Write(buf)
	if err != nil {
		d.logger.Warn("console write failed", zap.Error(err))
		return ResultError
	}
	return n
}
