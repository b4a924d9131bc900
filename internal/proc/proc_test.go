package proc

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const settle = 10 * time.Second

type program func(t *thread.Thread) int

// imageLoader hands out a two-page image whose bytes start with the name.
type imageLoader struct{}

func (imageLoader) Load(name string) (*Image, error) {
	data := make([]byte, 24)
	copy(data, name)
	return &Image{
		Entry: 0x1000,
		RO:    Segment{Vaddr: 0x1000, Location: 0, Size: 16},
		RW:    Segment{Vaddr: 0x2000, Location: 16, Size: 8},
		File:  bytes.NewReader(data),
	}, nil
}

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) Load(name string) (*Image, error) {
	args := m.Called(name)
	img, _ := args.Get(0).(*Image)
	return img, args.Error(1)
}

// cpu runs the program registered under the process name and exits with
// its result.
type cpu struct {
	tb       *Table
	programs map[string]program
}

func (c *cpu) Enter(t *thread.Thread, _ UserContext) {
	rec, _ := c.tb.Get(c.tb.Current(t))
	code := 0
	if p, ok := c.programs[rec.Name]; ok {
		code = p(t)
	}
	c.tb.Finish(t, code)
}

type harness struct {
	tb     *Table
	sched  *thread.Scheduler
	sleep  *sleepq.Queue
	pool   *vm.Pool
	cpu    *cpu
	kernel *thread.Thread
	panics chan any

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, cfg Config, loader Loader) *harness {
	t.Helper()
	h := &harness{
		sched:  thread.NewScheduler(0, nil),
		sleep:  sleepq.New(),
		pool:   vm.NewPool(1024),
		panics: make(chan any, 8),
	}
	if loader == nil {
		loader = imageLoader{}
	}
	h.cpu = &cpu{programs: map[string]program{}}
	h.tb = NewTable(cfg, Deps{
		Scheduler: h.sched,
		Sleep:     h.sleep,
		Memory:    h.pool,
		Loader:    loader,
		CPU:       h.cpu,
	})
	h.cpu.tb = h.tb
	h.tb.WithHook(HookFunc(func(_ *thread.Thread, ev Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}))
	h.tb.Init()
	h.sched.SetPanicHandler(func(_ *thread.Thread, v any) { h.panics <- v })

	k, err := h.sched.Bootstrap("test")
	require.NoError(t, err)
	h.kernel = k
	sched := h.sched
	t.Cleanup(func() { sched.Release(k) })
	return h
}

func (h *harness) drained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.tb.Live() == 0 }, settle, time.Millisecond)
	require.Eventually(t, func() bool { return h.sched.Count() == 1 }, settle, time.Millisecond)
	assert.Equal(t, h.pool.Total(), h.pool.Free(), "pages leaked")
	assert.Zero(t, h.pool.Tables())
}

func (h *harness) kinds(pid ID) []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []EventKind
	for _, ev := range h.events {
		if ev.PID == pid {
			out = append(out, ev.Kind)
		}
	}
	return out
}

func (h *harness) state(pid ID) State {
	r, _ := h.tb.Get(pid)
	return r.State
}

func TestExampleScenario(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)

	type result struct {
		child       ID
		childParent ID
		zombie      Record
		code        int
		err         error
		after       Record
	}
	results := make(chan result, 1)

	h.cpu.programs["Y"] = func(*thread.Thread) int { return 5 }
	h.cpu.programs["X"] = func(self *thread.Thread) int {
		var res result
		res.child, res.err = h.tb.Spawn(self, "Y")
		if res.err != nil {
			results <- res
			return 1
		}
		rec, _ := h.tb.Get(res.child)
		res.childParent = rec.Parent
		for h.state(res.child) != StateZombie {
			time.Sleep(time.Millisecond)
		}
		res.zombie, _ = h.tb.Get(res.child)
		res.code, res.err = h.tb.Join(self, res.child)
		res.after, _ = h.tb.Get(res.child)
		results <- res
		return 0
	}

	pid, err := h.tb.Spawn(h.kernel, "X")
	require.NoError(t, err)
	assert.Equal(t, ID(0), pid)
	rec, ok := h.tb.Get(pid)
	require.True(t, ok)
	assert.Equal(t, NoPID, rec.Parent)

	var res result
	select {
	case res = <-results:
	case <-time.After(settle):
		t.Fatal("X did not report")
	}
	require.NoError(t, res.err)
	assert.Equal(t, ID(1), res.child)
	assert.Equal(t, ID(0), res.childParent)
	assert.Equal(t, StateZombie, res.zombie.State)
	assert.Equal(t, 5, res.zombie.ExitCode)
	assert.Equal(t, 5, res.code)
	assert.Equal(t, StateFree, res.after.State)
	assert.Equal(t, NoPID, res.after.Parent)

	h.drained(t)
	assert.Equal(t, []EventKind{EventCreated, EventFreed}, h.kinds(0))
	// the zombie transition is reported by the child and may trail the join
	assert.ElementsMatch(t, []EventKind{EventCreated, EventStateChanged, EventFreed}, h.kinds(1))
}

func TestOrphanFastPath(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.cpu.programs["hw"] = func(*thread.Thread) int { return 3 }

	pid, err := h.tb.Spawn(h.kernel, "hw")
	require.NoError(t, err)
	h.drained(t)
	assert.Equal(t, []EventKind{EventCreated, EventFreed}, h.kinds(pid))

	again, err := h.tb.Spawn(h.kernel, "hw")
	require.NoError(t, err)
	assert.Equal(t, pid, again, "slot must be reusable without a join")
	h.drained(t)
}

func TestJoinLegality(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gate := make(chan struct{})
	type attempt struct {
		pid ID
		err error
	}
	attempts := make(chan attempt, 8)

	h.cpu.programs["sleeper"] = func(*thread.Thread) int { <-gate; return 0 }
	h.cpu.programs["a"] = func(self *thread.Thread) int {
		for _, pid := range []ID{-1, 0, 31, 32, 1000, ID(self.PID())} {
			_, err := h.tb.Join(self, pid)
			attempts <- attempt{pid, err}
		}
		<-gate
		return 0
	}

	_, err := h.tb.Spawn(h.kernel, "sleeper")
	require.NoError(t, err)
	_, err = h.tb.Spawn(h.kernel, "a")
	require.NoError(t, err)
	before := h.tb.Snapshot()

	for i := 0; i < 6; i++ {
		a := <-attempts
		assert.ErrorIs(t, a.err, ErrIllegalJoin, "join of %d", a.pid)
	}

	_, err = h.tb.Join(h.kernel, 0)
	assert.ErrorIs(t, err, ErrIllegalJoin)
	assert.Equal(t, before, h.tb.Snapshot())

	close(gate)
	h.drained(t)
}

func TestNoZombieLeak(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gate := make(chan struct{})

	h.cpu.programs["child"] = func(*thread.Thread) int { <-gate; return 7 }
	h.cpu.programs["a"] = func(self *thread.Thread) int {
		for i := 0; i < 2; i++ {
			_, err := h.tb.Spawn(self, "child")
			assert.NoError(t, err)
		}
		return 0
	}

	a, err := h.tb.Spawn(h.kernel, "a")
	require.NoError(t, err)

	// a is blocked in finish, joining its children
	require.Eventually(t, func() bool { return h.sleep.Keys() == 1 }, settle, time.Millisecond)
	assert.Equal(t, StateRunning, h.state(a))
	assert.Equal(t, StateRunning, h.state(1))
	assert.Equal(t, StateRunning, h.state(2))

	close(gate)
	h.drained(t)

	h.mu.Lock()
	var freed []ID
	for _, ev := range h.events {
		if ev.Kind == EventFreed {
			freed = append(freed, ev.PID)
			if ev.PID != a {
				assert.Equal(t, 7, ev.ExitCode)
			}
		}
	}
	h.mu.Unlock()
	assert.Equal(t, []ID{1, 2, a}, freed)
}

func TestCapacityBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcesses = 3
	h := newHarness(t, cfg, nil)
	gate := make(chan struct{})
	h.cpu.programs["sleeper"] = func(*thread.Thread) int { <-gate; return 0 }

	for i := 0; i < 3; i++ {
		_, err := h.tb.Spawn(h.kernel, "sleeper")
		require.NoError(t, err)
	}
	_, err := h.tb.GetFree()
	assert.ErrorIs(t, err, ErrTableFull)

	before := h.tb.Snapshot()
	pid, err := h.tb.Spawn(h.kernel, "sleeper")
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, NoPID, pid)
	assert.Equal(t, before, h.tb.Snapshot())
	assert.Equal(t, []EventKind{EventTableFull}, h.kinds(NoPID))

	close(gate)
	h.drained(t)
}

func TestReferenceSpawnPanicsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxProcesses = 1
	cfg.StrictSpawn = false
	h := newHarness(t, cfg, nil)
	gate := make(chan struct{})
	h.cpu.programs["sleeper"] = func(*thread.Thread) int { <-gate; return 0 }

	_, err := h.tb.Spawn(h.kernel, "sleeper")
	require.NoError(t, err)
	assert.PanicsWithValue(t, `proc: process table full spawning "sleeper"`, func() {
		_, _ = h.tb.Spawn(h.kernel, "sleeper")
	})
	assert.Zero(t, h.kernel.Intr.Depth())

	close(gate)
	h.drained(t)
}

func TestJoinNeverLosesWakeup(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	const roots, children = 4, 6

	h.cpu.programs["leaf"] = func(self *thread.Thread) int { return self.PID() }
	h.cpu.programs["root"] = func(self *thread.Thread) int {
		var pids []ID
		for i := 0; i < children; i++ {
			pid, err := h.tb.Spawn(self, "leaf")
			if !assert.NoError(t, err) {
				return 1
			}
			pids = append(pids, pid)
		}
		// reverse order, so most wakeups on the shared key belong to a sibling
		for i := len(pids) - 1; i >= 0; i-- {
			code, err := h.tb.Join(self, pids[i])
			assert.NoError(t, err)
			assert.Equal(t, int(pids[i]), code)
		}
		return 0
	}

	for round := 0; round < 5; round++ {
		for i := 0; i < roots; i++ {
			_, err := h.tb.Spawn(h.kernel, "root")
			require.NoError(t, err)
		}
		h.drained(t)
	}
}

func TestFinishRejectsNegativeExitCode(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.cpu.programs["bad"] = func(*thread.Thread) int { return -1 }

	_, err := h.tb.Spawn(h.kernel, "bad")
	require.NoError(t, err)

	select {
	case v := <-h.panics:
		assert.Equal(t, "proc: negative exit code -1", v)
	case <-time.After(settle):
		t.Fatal("no kernel panic")
	}
}

func TestStartPanicsWhenLoadFails(t *testing.T) {
	loader := new(mockLoader)
	loader.On("Load", "missing").Return(nil, errors.New("no such file")).Once()
	h := newHarness(t, DefaultConfig(), loader)

	_, err := h.tb.Spawn(h.kernel, "missing")
	require.NoError(t, err)

	select {
	case v := <-h.panics:
		assert.Contains(t, v, `loading "missing": no such file`)
	case <-time.After(settle):
		t.Fatal("no kernel panic")
	}
	loader.AssertExpectations(t)
}

func TestSpawnTruncatesName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxNameSize = 8
	h := newHarness(t, cfg, nil)
	gate := make(chan struct{})
	h.cpu.programs["abcdefg"] = func(*thread.Thread) int { <-gate; return 0 }

	pid, err := h.tb.Spawn(h.kernel, "abcdefghijkl")
	require.NoError(t, err)
	rec, _ := h.tb.Get(pid)
	assert.Equal(t, "abcdefg", rec.Name)
	assert.NotEmpty(t, rec.Key)

	close(gate)
	h.drained(t)
}

func TestSpawnRollsBackWhenThreadsExhausted(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	h.sched = thread.NewScheduler(1, nil)
	h.tb.sched = h.sched
	k, err := h.sched.Bootstrap("kernel")
	require.NoError(t, err)

	_, err = h.tb.Spawn(k, "hw")
	assert.ErrorIs(t, err, thread.ErrTooManyThreads)
	assert.Zero(t, h.tb.Live())
	assert.Equal(t, StateFree, h.state(0))
}

func TestCountsAndSnapshot(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gate := make(chan struct{})
	h.cpu.programs["sleeper"] = func(*thread.Thread) int { <-gate; return 0 }

	_, err := h.tb.Spawn(h.kernel, "sleeper")
	require.NoError(t, err)

	counts := h.tb.Counts()
	assert.Equal(t, 1, counts[StateRunning])
	assert.Equal(t, MaxProcesses-1, counts[StateFree])
	assert.Zero(t, counts[StateDead])

	snap := h.tb.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "sleeper", snap[0].Name)

	close(gate)
	h.drained(t)
}

func TestBuildAddressSpace(t *testing.T) {
	pool := vm.NewPool(64)
	tb := NewTable(DefaultConfig(), Deps{Memory: pool})

	pt, err := pool.Create(1)
	require.NoError(t, err)
	img, err := imageLoader{}.Load("hw")
	require.NoError(t, err)

	ctx, err := tb.buildAddressSpace(pt, img)
	require.NoError(t, err)
	assert.Equal(t, UserContext{SP: UserlandStackTop, PC: 0x1000}, ctx)
	assert.Equal(t, 4+1+1, pt.Pages())

	buf := make([]byte, 2)
	require.NoError(t, pt.Read(0x1000, buf))
	assert.Equal(t, "hw", string(buf))
	assert.False(t, pt.Writable(0x1000))
	assert.True(t, pt.Writable(0x2000))
	assert.True(t, pt.Writable(UserlandStackTop))
	assert.ErrorIs(t, pt.Write(0x1000, []byte{1}), vm.ErrReadOnly)
	pool.Destroy(pt)
}

func TestValidateImage(t *testing.T) {
	tb := NewTable(DefaultConfig(), Deps{})
	ro := Segment{Vaddr: 0x1000, Size: 16}

	tests := []struct {
		name string
		img  Image
	}{
		{"entry below first page", Image{Entry: 0x10, RO: ro}},
		{"entry outside text", Image{Entry: 0x5000, RO: ro}},
		{"segment in page zero", Image{Entry: 0x1000, RO: ro, RW: Segment{Vaddr: 0x100, Size: 8}}},
		{"too many pages", Image{Entry: 0x1000, RO: Segment{Vaddr: 0x1000, Size: 13 * vm.PageSize}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tb.validate(&tt.img), ErrInvalidImage)
		})
	}
	assert.NoError(t, tb.validate(&Image{Entry: 0x1000, RO: Segment{Vaddr: 0x1000, Size: 12 * vm.PageSize}}))
}

func TestSegmentPages(t *testing.T) {
	assert.Equal(t, 0, Segment{Vaddr: 0x1000}.Pages())
	assert.Equal(t, 1, Segment{Vaddr: 0x1000, Size: vm.PageSize}.Pages())
	assert.Equal(t, 2, Segment{Vaddr: 0x1ff0, Size: 32}.Pages())
}

func TestCorruptRecordPanicsAfterDroppingGuards(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	gate := make(chan struct{})
	entered := make(chan struct{})
	h.cpu.programs["leaf"] = func(*thread.Thread) int {
		close(entered)
		<-gate
		return 0
	}
	h.cpu.programs["parent"] = func(self *thread.Thread) int {
		child, err := h.tb.Spawn(self, "leaf")
		if err != nil {
			return 1
		}
		<-entered
		h.tb.guard.Acquire()
		h.tb.records[child].State = StateDead
		h.tb.guard.Release()
		h.tb.Join(self, child)
		return 0
	}

	_, err := h.tb.Spawn(h.kernel, "parent")
	require.NoError(t, err)

	select {
	case v := <-h.panics:
		assert.Equal(t, "proc: corrupt record 1 in state dead", v)
	case <-time.After(settle):
		t.Fatal("no kernel panic")
	}

	snapped := make(chan []Record, 1)
	go func() { snapped <- h.tb.Snapshot() }()
	select {
	case snap := <-snapped:
		assert.Len(t, snap, 2)
	case <-time.After(settle):
		t.Fatal("table guard still held after the panic")
	}

	// the corrupt child trips the same check when it finishes
	close(gate)
	select {
	case v := <-h.panics:
		assert.Equal(t, "proc: corrupt record 1 in state dead", v)
	case <-time.After(settle):
		t.Fatal("no kernel panic")
	}
	assert.Equal(t, 2, h.tb.Live())
}

func TestTruncateNameKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		size int
		want string
	}{
		{"short", 8, "short"},
		{"abcdefghij", 8, "abcdefg"},
		{"abcdeé", 8, "abcdeé"},
		{"abcdeé", 7, "abcde"},
		{"日本語", 5, "日"},
		{"日本語", 3, ""},
	}

	for _, tt := range tests {
		got := truncateName(tt.name, tt.size)
		assert.Equal(t, tt.want, got, "%q in %d", tt.name, tt.size)
		assert.True(t, utf8.ValidString(got))
		assert.Less(t, len(got), tt.size)
	}
}

func TestEventsCarryDistinctIDs(t *testing.T) {
	h := newHarness(t, DefaultConfig(), nil)
	_, err := h.tb.Spawn(h.kernel, "hw")
	require.NoError(t, err)
	h.drained(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.events, 2)
	seen := map[id.EventID]bool{}
	for _, ev := range h.events {
		assert.True(t, strings.HasPrefix(ev.ID.String(), "evt_"), ev.ID)
		assert.False(t, seen[ev.ID], "duplicate %s", ev.ID)
		seen[ev.ID] = true
	}
}
