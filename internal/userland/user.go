package userland

import (
	"fmt"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/syscall"
)

// User is the handle a running program makes syscalls through.
type User struct {
	t   *thread.Thread
	m   *Machine
	ctx proc.UserContext
}

func (u *User) trap(req syscall.Request) int {
	return u.m.trap.Dispatch(u.t, req)
}

// PID returns the calling process.
func (u *User) PID() int { return u.t.PID() }

// Context returns the initial register state.
func (u *User) Context() proc.UserContext { return u.ctx }

// Exec starts the program name as a child and returns its PID, or a
// negative result code.
func (u *User) Exec(name string) int {
	return u.trap(syscall.Request{Num: syscall.SysExec, Name: name})
}

// Join waits for the child pid and returns its exit code, or a negative
// result code.
func (u *User) Join(pid int) int {
	return u.trap(syscall.Request{Num: syscall.SysJoin, PID: pid})
}

// Exit terminates the process. It does not return.
func (u *User) Exit(code int) {
	u.trap(syscall.Request{Num: syscall.SysExit, Code: code})
}

// Read fills buf from fd.
func (u *User) Read(fd int, buf []byte) int {
	return u.trap(syscall.Request{Num: syscall.SysRead, FD: fd, Buf: buf})
}

// Write writes buf to fd.
func (u *User) Write(fd int, buf []byte) int {
	return u.trap(syscall.Request{Num: syscall.SysWrite, FD: fd, Buf: buf})
}

// Printf formats to standard output.
func (u *User) Printf(format string, args ...any) int {
	return u.Write(syscall.Stdout, []byte(fmt.Sprintf(format, args...)))
}

// Halt stops the machine.
func (u *User) Halt() {
	u.trap(syscall.Request{Num: syscall.SysHalt})
}
