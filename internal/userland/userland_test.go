package userland

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/syscall"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type console struct {
	mu  sync.Mutex
	in  *strings.Reader
	out bytes.Buffer
}

func (c *console) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Read(p)
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

type rig struct {
	tb      *proc.Table
	sched   *thread.Scheduler
	pool    *vm.Pool
	reg     *Registry
	console *console
	kernel  *thread.Thread
	halts   atomic.Int32
}

func newRig(t *testing.T, input string) *rig {
	t.Helper()
	r := &rig{
		sched:   thread.NewScheduler(0, nil),
		pool:    vm.NewPool(512),
		reg:     NewRegistry(),
		console: &console{in: strings.NewReader(input)},
	}
	RegisterBuiltins(r.reg)
	m := NewMachine(r.reg, nil)
	r.tb = proc.NewTable(proc.DefaultConfig(), proc.Deps{
		Scheduler: r.sched,
		Sleep:     sleepq.New(),
		Memory:    r.pool,
		Loader:    r.reg,
		CPU:       m,
	})
	r.tb.Init()
	m.Bind(syscall.New(r.tb, r.console, func(*thread.Thread) { r.halts.Add(1) }, nil))

	k, err := r.sched.Bootstrap("test")
	require.NoError(t, err)
	r.kernel = k
	t.Cleanup(func() { r.sched.Release(k) })
	return r
}

func (r *rig) run(t *testing.T, name string) {
	t.Helper()
	_, err := r.tb.Spawn(r.kernel, name)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.tb.Live() == 0 }, 10*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return r.sched.Count() == 1 }, 10*time.Second, time.Millisecond)
	assert.Equal(t, r.pool.Total(), r.pool.Free())
}

func TestHelloWorld(t *testing.T) {
	r := newRig(t, "")
	r.run(t, "hw")
	assert.Equal(t, "Hello, World\n", r.console.String())
	assert.Zero(t, r.halts.Load())
}

func TestExecJoinsChildAndHalts(t *testing.T) {
	r := newRig(t, "")
	r.run(t, "exec")
	assert.Equal(t, "Hello, World\nchild 1 joined with status 0\n", r.console.String())
	assert.Equal(t, int32(1), r.halts.Load())
}

func TestTreeChildrenAreReaped(t *testing.T) {
	r := newRig(t, "")
	r.run(t, "tree")
	assert.Equal(t, strings.Repeat("Hello, World\n", 2), r.console.String())
}

func TestReadWrite(t *testing.T) {
	r := newRig(t, "0123456789abc")
	r.run(t, "readwrite")
	assert.Equal(t, "Please write 10 characters: \n0123456789\nTest complete.\n", r.console.String())
	assert.Equal(t, int32(1), r.halts.Load())
}

func TestCustomProgramExitCode(t *testing.T) {
	r := newRig(t, "")
	codes := make(chan int, 1)
	r.reg.Register("seven", func(*User) int { return 7 })
	r.reg.Register("parent", func(u *User) int {
		child := u.Exec("seven")
		codes <- u.Join(child)
		return 0
	})

	r.run(t, "parent")
	assert.Equal(t, 7, <-codes)
}

func TestJoinResultCodes(t *testing.T) {
	r := newRig(t, "")
	results := make(chan int, 2)
	r.reg.Register("prober", func(u *User) int {
		results <- u.Join(u.PID())
		results <- u.Join(proc.MaxProcesses + 5)
		return 0
	})

	r.run(t, "prober")
	assert.Equal(t, syscall.ResultIllegalJoin, <-results)
	assert.Equal(t, syscall.ResultIllegalJoin, <-results)
}

func TestRegistryLoad(t *testing.T) {
	reg := NewRegistry()
	reg.Register("hw", helloWorld)
	reg.Register("other", tree)
	reg.Register("hw", execHello)
	assert.Equal(t, []string{"hw", "other"}, reg.Names())

	img, err := reg.Load("hw")
	require.NoError(t, err)
	assert.Equal(t, TextBase, img.Entry)
	assert.Equal(t, 1, img.RO.Pages())

	_, err = reg.Load("nope")
	assert.ErrorIs(t, err, ErrNoSuchProgram)

	p, ok := reg.lookup(1)
	require.True(t, ok)
	assert.NotNil(t, p)
	_, ok = reg.lookup(0)
	assert.False(t, ok)
	_, ok = reg.lookup(9)
	assert.False(t, ok)
}

func TestEnterRejectsUnknownInstruction(t *testing.T) {
	pool := vm.NewPool(4)
	pt, err := pool.Create(0)
	require.NoError(t, err)
	phys, ok := pool.GetPage()
	require.True(t, ok)
	require.NoError(t, pt.Map(phys, TextBase, true))
	require.NoError(t, pt.Write(TextBase, []byte{0xff}))

	s := thread.NewScheduler(0, nil)
	th, err := s.Bootstrap("user")
	require.NoError(t, err)
	th.Pagetable = pt

	m := NewMachine(NewRegistry(), nil)
	assert.PanicsWithValue(t, "userland: illegal instruction 0xff at 0x400000", func() {
		m.Enter(th, proc.UserContext{PC: TextBase, SP: proc.UserlandStackTop})
	})
}
