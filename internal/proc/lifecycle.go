package proc

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"go.uber.org/zap"
)

// Spawn creates a process running the executable name. The caller becomes its
// parent if the caller is a process. The new process's thread starts in Start.
func (tb *Table) Spawn(t *thread.Thread, name string) (ID, error) {
	parent := tb.Current(t)
	var fresh *Rendezvous
	if parent == NoPID {
		fresh = newRendezvous()
	}

	st := tb.lock(t)
	pid, ok := tb.freeLocked()
	if !ok {
		tb.unlock(t, st)
		if !tb.cfg.StrictSpawn {
			panic(fmt.Sprintf("proc: process table full spawning %q", name))
		}
		tb.logger.Warn("process table full", zap.String("name", name), zap.Int("parent", int(parent)))
		tb.emit(t, Event{Kind: EventTableFull, PID: NoPID, Parent: parent, Name: name})
		return NoPID, fmt.Errorf("spawning %q: %w", name, ErrTableFull)
	}

	key := fresh
	if parent != NoPID {
		p := &tb.records[parent]
		if msg := corrupt(p); msg != "" {
			tb.unlock(t, st)
			panic(msg)
		}
		if p.State != StateRunning {
			tb.unlock(t, st)
			panic(fmt.Sprintf("proc: spawn from process %d in state %s", parent, p.State))
		}
		key = p.key
	}

	r := &tb.records[pid]
	r.Name = truncateName(name, tb.cfg.MaxNameSize)
	r.Parent = parent
	r.State = StateRunning
	r.ExitCode = 0
	r.key = key
	r.Key = r.key.ID()
	created := Event{Kind: EventCreated, PID: pid, Parent: parent, Name: r.Name, From: StateFree, To: StateRunning, Key: r.Key}
	tb.unlock(t, st)

	th, err := tb.sched.Create(fmt.Sprintf("proc-%d:%s", pid, created.Name), tb.start, int(pid))
	if err != nil {
		st = tb.lock(t)
		tb.records[pid] = freeRecord(pid)
		tb.unlock(t, st)
		return NoPID, fmt.Errorf("spawning %q: %w", name, err)
	}
	th.SetPID(int(pid))
	tb.emit(t, created)
	tb.sched.Run(th)
	return pid, nil
}

func (tb *Table) start(t *thread.Thread, pid int) {
	tb.Start(t, ID(pid))
}

// Start is the first code a process thread runs: it builds the address
// space, loads the executable and enters user mode. Any failure is a kernel
// panic. Start never returns.
func (tb *Table) Start(t *thread.Thread, pid ID) {
	t.SetPID(int(pid))
	rec, ok := tb.Get(pid)
	if !ok || rec.State != StateRunning {
		panic(fmt.Sprintf("proc: start of process %d in state %s", pid, rec.State))
	}

	pt, err := tb.mem.Create(int(t.ID()))
	if err != nil {
		panic(fmt.Sprintf("proc: process %d: %v", pid, err))
	}
	t.Pagetable = pt

	img, err := tb.loader.Load(rec.Name)
	if err != nil {
		panic(fmt.Sprintf("proc: process %d: loading %q: %v", pid, rec.Name, err))
	}
	ctx, err := tb.buildAddressSpace(pt, img)
	if err != nil {
		panic(fmt.Sprintf("proc: process %d: loading %q: %v", pid, rec.Name, err))
	}

	tb.logger.Debug("entering user mode",
		zap.Int("pid", int(pid)),
		zap.String("name", rec.Name),
		zap.Uint64("pc", uint64(ctx.PC)),
		zap.Uint64("sp", uint64(ctx.SP)),
	)
	tb.cpu.Enter(t, ctx)
	panic(fmt.Sprintf("proc: process %d returned from user mode", pid))
}

// Finish terminates the calling process with retval. Every child is joined
// first. A process with a parent becomes a zombie until the parent joins it;
// one without a parent is freed at once. Finish never returns.
func (tb *Table) Finish(t *thread.Thread, retval int) {
	if retval < 0 {
		panic(fmt.Sprintf("proc: negative exit code %d", retval))
	}
	pid := tb.Current(t)
	if pid == NoPID {
		panic(fmt.Sprintf("proc: finish on kernel thread %d", t.ID()))
	}

	tb.JoinChildren(t, pid)

	st := tb.lock(t)
	r := &tb.records[pid]
	if msg := corrupt(r); msg != "" {
		tb.unlock(t, st)
		panic(msg)
	}
	if r.State != StateRunning {
		tb.unlock(t, st)
		panic(fmt.Sprintf("proc: finish of process %d in state %s", pid, r.State))
	}
	ev := Event{PID: pid, Parent: r.Parent, Name: r.Name, From: StateRunning, ExitCode: retval, Key: r.Key}
	if r.Parent != NoPID {
		key := r.key
		key.guard.Acquire()
		r.State = StateZombie
		r.ExitCode = retval
		tb.sleep.WakeAll(key)
		key.guard.Release()
		ev.Kind, ev.To = EventStateChanged, StateZombie
	} else {
		*r = freeRecord(pid)
		ev.Kind, ev.To = EventFreed, StateFree
	}
	tb.unlock(t, st)

	tb.emit(t, ev)
	tb.mem.Destroy(t.Pagetable)
	t.Pagetable = nil
	t.Finish()
}

// Join waits for the child pid to finish, frees its record and returns its
// exit code. It fails with ErrIllegalJoin, changing nothing, unless pid is a
// live child of the calling process.
func (tb *Table) Join(t *thread.Thread, pid ID) (int, error) {
	caller := tb.Current(t)
	began := time.Now()

	st := tb.lock(t)
	if caller == NoPID || pid < 0 || int(pid) >= len(tb.records) ||
		tb.records[pid].State == StateFree || tb.records[pid].Parent != caller {
		tb.unlock(t, st)
		tb.emit(t, Event{Kind: EventIllegalJoin, PID: pid, Parent: caller})
		return -1, fmt.Errorf("process %d joining %d: %w", caller, pid, ErrIllegalJoin)
	}

	r := &tb.records[pid]
	key := r.key
	key.guard.Acquire()
	for r.State != StateZombie {
		if msg := corrupt(r); msg != "" {
			key.guard.Release()
			tb.unlock(t, st)
			panic(msg)
		}
		tb.sleep.Add(key, t)
		key.guard.Release()
		tb.guard.Release()
		t.Switch()
		tb.guard.Acquire()
		key.guard.Acquire()
	}
	ev := Event{
		Kind:     EventFreed,
		PID:      pid,
		Parent:   caller,
		Name:     r.Name,
		From:     StateZombie,
		To:       StateFree,
		ExitCode: r.ExitCode,
		Key:      r.Key,
	}
	*r = freeRecord(pid)
	key.guard.Release()
	tb.unlock(t, st)

	ev.Waited = time.Since(began)
	tb.emit(t, ev)
	return ev.ExitCode, nil
}

// JoinChildren joins every child of pid in PID order. The table guard is
// dropped around each join.
func (tb *Table) JoinChildren(t *thread.Thread, pid ID) {
	for i := range tb.records {
		st := tb.lock(t)
		child := tb.records[i].State != StateFree && tb.records[i].Parent == pid
		tb.unlock(t, st)
		if !child {
			continue
		}
		if _, err := tb.Join(t, ID(i)); err != nil {
			panic(fmt.Sprintf("proc: joining children of %d: %v", pid, err))
		}
	}
}
