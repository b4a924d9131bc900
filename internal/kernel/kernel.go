// Package kernel boots kcore: it builds every subsystem from configuration,
// starts the init program and waits until the machine halts or runs out of
// processes.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/config"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/synch"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/vm"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/logging"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/syscall"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/userland"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	ErrKernelPanic = errors.New("kernel: panic")
	ErrHalted      = errors.New("kernel: already halted")
)

type stdio struct {
	io.Reader
	io.Writer
}

type options struct {
	console  io.ReadWriter
	programs map[string]userland.Program
	hooks    []proc.Hook
	registry *prometheus.Registry
}

// Option customizes Boot.
type Option func(*options)

// WithConsole replaces the process console, stdin and stdout by default.
func WithConsole(rw io.ReadWriter) Option {
	return func(o *options) { o.console = rw }
}

// WithProgram registers a user program next to the builtins.
func WithProgram(name string, p userland.Program) Option {
	return func(o *options) { o.programs[name] = p }
}

// WithHook registers an extra lifecycle observer.
func WithHook(h proc.Hook) Option {
	return func(o *options) { o.hooks = append(o.hooks, h) }
}

// WithRegistry registers the kernel metrics on reg.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// Kernel is a booted machine.
type Kernel struct {
	cfg      *config.Config
	logger   *zap.Logger
	bootID   id.BootID
	bootedAt time.Time

	sched    *thread.Scheduler
	sleep    *sleepq.Queue
	mem      *vm.Pool
	programs *userland.Registry
	table    *proc.Table
	syscalls *syscall.Dispatcher
	metrics  *monitoring.Metrics
	registry *prometheus.Registry

	// guarded by mu
	mu       *synch.Lock
	cv       *synch.Cond
	live     int
	halted   bool
	panicked any

	stopped atomic.Bool
}

// Boot validates cfg and builds the kernel.
func Boot(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		console:  stdio{Reader: os.Stdin, Writer: os.Stdout},
		programs: make(map[string]userland.Program),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	k := &Kernel{
		cfg:      cfg,
		logger:   logger,
		bootID:   id.NewBootID(),
		bootedAt: time.Now(),
		sched:    thread.NewScheduler(cfg.Kernel.MaxThreads, logger.Named("sched")),
		sleep:    sleepq.New(),
		mem:      vm.NewPool(cfg.Memory.PhysPages),
		programs: userland.NewRegistry(),
		metrics:  monitoring.NewMetrics(o.registry),
		registry: o.registry,
	}
	k.mu = synch.NewLock(k.sleep)
	k.cv = synch.NewCond(k.sleep)

	userland.RegisterBuiltins(k.programs)
	for name, p := range o.programs {
		k.programs.Register(name, p)
	}
	machine := userland.NewMachine(k.programs, logger.Named("user"))

	k.table = proc.NewTable(proc.Config{
		MaxProcesses: cfg.Kernel.MaxProcesses,
		MaxNameSize:  cfg.Kernel.MaxNameSize,
		StrictSpawn:  cfg.Kernel.StrictSpawn,
		StackPages:   cfg.Memory.StackPages,
		MaxUserPages: cfg.Memory.MaxUserPages,
	}, proc.Deps{
		Scheduler: k.sched,
		Sleep:     k.sleep,
		Memory:    k.mem,
		Loader:    k.programs,
		CPU:       machine,
		Logger:    logger.Named("proc"),
	})
	k.table.WithHook(logging.NewProcessHook(logger.Named("proc"))).WithHook(k.metrics)
	for _, h := range o.hooks {
		k.table.WithHook(h)
	}
	k.table.WithHook(proc.HookFunc(k.track))

	k.syscalls = syscall.New(k.table, o.console, k.Halt, logger.Named("syscall")).
		WithObserver(func(num syscall.Number, result int) {
			k.metrics.RecordSyscall(num.String(), result)
		})
	machine.Bind(k.syscalls)

	k.sched.SetPanicHandler(k.onPanic)
	k.table.Init()

	logger.Info("kernel booted",
		zap.Stringer("boot_id", k.bootID),
		zap.Int("max_processes", cfg.Kernel.MaxProcesses),
		zap.Int("phys_pages", cfg.Memory.PhysPages),
		zap.Strings("programs", k.programs.Names()),
	)
	return k, nil
}

// track keeps the live process count for Run.
func (k *Kernel) track(t *thread.Thread, ev proc.Event) {
	delta := 0
	switch {
	case ev.Kind == proc.EventCreated:
		delta = 1
	case ev.To == proc.StateFree:
		delta = -1
	default:
		return
	}

	k.mu.Acquire(t)
	k.live += delta
	if k.live == 0 {
		k.cv.Broadcast(t, k.mu)
	}
	k.mu.Release(t)
	k.metrics.SetThreads(k.sched.Count())
}

func (k *Kernel) onPanic(t *thread.Thread, v any) {
	k.mu.Acquire(t)
	if k.panicked == nil {
		k.panicked = v
	}
	k.mu.Release(t)
	k.Halt(t)
}

// Halt stops the machine. Run returns once it observes the halt.
func (k *Kernel) Halt(t *thread.Thread) {
	k.mu.Acquire(t)
	k.halted = true
	k.cv.Broadcast(t, k.mu)
	k.mu.Release(t)
	k.stopped.Store(true)
}

// Run starts program, or the configured init program when program is empty,
// and blocks until the kernel halts, every process has been freed, or ctx is
// done. Processes still running when a halt is observed are abandoned.
func (k *Kernel) Run(ctx context.Context, program string) error {
	if program == "" {
		program = k.cfg.Kernel.Init
	}
	kmain, err := k.sched.Bootstrap("kmain")
	if err != nil {
		return fmt.Errorf("bootstrapping kernel thread: %w", err)
	}
	defer k.sched.Release(kmain)

	if k.stopped.Load() {
		return ErrHalted
	}

	stop := make(chan struct{})
	defer close(stop)
	watchdog, err := k.sched.Create("watchdog", func(t *thread.Thread, _ int) {
		select {
		case <-ctx.Done():
			k.logger.Info("halting on cancellation", zap.Error(ctx.Err()))
			k.Halt(t)
		case <-stop:
		}
	}, 0)
	if err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}
	k.sched.Run(watchdog)

	started := time.Now()
	pid, err := k.table.Spawn(kmain, program)
	if err != nil {
		return fmt.Errorf("starting %s: %w", program, err)
	}
	k.logger.Info("init started", zap.String("program", program), zap.Int("pid", int(pid)))

	k.mu.Acquire(kmain)
	for !k.halted && k.live > 0 {
		k.cv.Wait(kmain, k.mu)
	}
	halted, panicked, live := k.halted, k.panicked, k.live
	k.mu.Release(kmain)

	k.logger.Info("kernel stopped",
		zap.Bool("halted", halted),
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("live", live),
	)
	switch {
	case panicked != nil:
		return fmt.Errorf("%w: %v", ErrKernelPanic, panicked)
	case ctx.Err() != nil:
		return ctx.Err()
	}
	return nil
}

// Halted reports whether the machine has been halted.
func (k *Kernel) Halted() bool {
	return k.stopped.Load()
}

// BootID identifies this boot.
func (k *Kernel) BootID() id.BootID { return k.bootID }

// Uptime returns the time since boot.
func (k *Kernel) Uptime() time.Duration { return time.Since(k.bootedAt) }

// Config returns the configuration the kernel booted with.
func (k *Kernel) Config() *config.Config { return k.cfg }

// Table returns the process table.
func (k *Kernel) Table() *proc.Table { return k.table }

// Processes lists the records that are not free.
func (k *Kernel) Processes() []proc.Record { return k.table.Snapshot() }

// Threads lists the live kernel threads.
func (k *Kernel) Threads() []thread.Info { return k.sched.Snapshot() }

// Programs lists the registered program names.
func (k *Kernel) Programs() []string { return k.programs.Names() }

// Memory returns free and total physical pages.
func (k *Kernel) Memory() (free, total int) { return k.mem.Free(), k.mem.Total() }

// Metrics returns the kernel metrics.
func (k *Kernel) Metrics() *monitoring.Metrics { return k.metrics }

// Gatherer returns the registry the metrics are registered on.
func (k *Kernel) Gatherer() prometheus.Gatherer { return k.registry }
