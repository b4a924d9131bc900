package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/config"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/sleepq"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/synch"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/userland"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"
)

// leafExit is the status every fan-out child exits with.
const leafExit = 7

var errMismatch = errors.New("stress: invariant violated")

// Options sizes the workloads.
type Options struct {
	Workers     int
	Rounds      int
	Buffer      int
	Items       int
	Width       int
	Generations int
	SpawnRate   float64
}

// DefaultOptions returns a run that takes about a second.
func DefaultOptions() Options {
	return Options{
		Workers:     8,
		Rounds:      2000,
		Buffer:      4,
		Items:       2000,
		Width:       16,
		Generations: 20,
		SpawnRate:   0,
	}
}

// Result is one workload's outcome.
type Result struct {
	Name     string
	Ops      int64
	Elapsed  time.Duration
	Samples  []float64 // nanoseconds
	Failures int64
	Notes    map[string]int64
}

// Summary holds latency statistics over Samples.
type Summary struct {
	Mean, StdDev, P50, P99, Max time.Duration
}

// Summarize computes latency statistics.
func (r Result) Summarize() Summary {
	if len(r.Samples) == 0 {
		return Summary{}
	}
	sorted := append([]float64(nil), r.Samples...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	return Summary{
		Mean:   time.Duration(mean),
		StdDev: time.Duration(std),
		P50:    time.Duration(stat.Quantile(0.5, stat.Empirical, sorted, nil)),
		P99:    time.Duration(stat.Quantile(0.99, stat.Empirical, sorted, nil)),
		Max:    time.Duration(sorted[len(sorted)-1]),
	}
}

func await(ctx context.Context, ths []*thread.Thread) error {
	for _, th := range ths {
		select {
		case <-th.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// LockContention has Workers threads increment one counter Rounds times each
// under a synch.Lock, timing every acquire.
func LockContention(ctx context.Context, opts Options, logger *zap.Logger) (Result, error) {
	sched := thread.NewScheduler(0, logger)
	mu := synch.NewLock(sleepq.New())

	var (
		inside, violations atomic.Int32
		counter            int
		samples            = make([][]float64, opts.Workers)
	)

	start := time.Now()
	ths := make([]*thread.Thread, 0, opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		th, err := sched.Create(fmt.Sprintf("lock-%d", i), func(self *thread.Thread, w int) {
			lat := make([]float64, 0, opts.Rounds)
			for j := 0; j < opts.Rounds; j++ {
				t0 := time.Now()
				mu.Acquire(self)
				lat = append(lat, float64(time.Since(t0)))
				if inside.Add(1) != 1 {
					violations.Add(1)
				}
				counter++
				inside.Add(-1)
				mu.Release(self)
			}
			samples[w] = lat
		}, i)
		if err != nil {
			return Result{}, err
		}
		sched.Run(th)
		ths = append(ths, th)
	}
	if err := await(ctx, ths); err != nil {
		return Result{}, err
	}

	res := Result{
		Name:     "lock",
		Ops:      int64(opts.Workers * opts.Rounds),
		Elapsed:  time.Since(start),
		Failures: int64(violations.Load()),
	}
	for _, s := range samples {
		res.Samples = append(res.Samples, s...)
	}
	if counter != opts.Workers*opts.Rounds {
		res.Failures++
	}
	if res.Failures > 0 {
		return res, fmt.Errorf("%w: lock counter %d, %d overlapping holders", errMismatch, counter, violations.Load())
	}
	return res, nil
}

// BoundedBuffer runs Workers producers and Workers consumers over a ring of
// Buffer slots guarded by one Lock and two Conds, timing every Wait.
func BoundedBuffer(ctx context.Context, opts Options, logger *zap.Logger) (Result, error) {
	sched := thread.NewScheduler(0, logger)
	q := sleepq.New()
	mu := synch.NewLock(q)
	notFull := synch.NewCond(q)
	notEmpty := synch.NewCond(q)

	var (
		ring     = make([]int, 0, opts.Buffer)
		seen     = make([]int32, opts.Workers*opts.Items)
		waits    atomic.Int64
		sampleMu sync.Mutex
		samples  []float64
	)
	record := func(lat []float64) {
		sampleMu.Lock()
		samples = append(samples, lat...)
		sampleMu.Unlock()
	}

	producer := func(self *thread.Thread, w int) {
		var lat []float64
		for i := 0; i < opts.Items; i++ {
			mu.Acquire(self)
			for len(ring) == cap(ring) {
				t0 := time.Now()
				notFull.Wait(self, mu)
				lat = append(lat, float64(time.Since(t0)))
				waits.Add(1)
			}
			ring = append(ring, w*opts.Items+i)
			notEmpty.Signal(self, mu)
			mu.Release(self)
		}
		record(lat)
	}
	consumer := func(self *thread.Thread, _ int) {
		var lat []float64
		for i := 0; i < opts.Items; i++ {
			mu.Acquire(self)
			for len(ring) == 0 {
				t0 := time.Now()
				notEmpty.Wait(self, mu)
				lat = append(lat, float64(time.Since(t0)))
				waits.Add(1)
			}
			item := ring[0]
			ring = append(ring[:0], ring[1:]...)
			seen[item]++
			notFull.Signal(self, mu)
			mu.Release(self)
		}
		record(lat)
	}

	start := time.Now()
	var ths []*thread.Thread
	for i := 0; i < opts.Workers; i++ {
		for _, fn := range []thread.Entry{producer, consumer} {
			th, err := sched.Create(fmt.Sprintf("buffer-%d", i), fn, i)
			if err != nil {
				return Result{}, err
			}
			sched.Run(th)
			ths = append(ths, th)
		}
	}
	if err := await(ctx, ths); err != nil {
		return Result{}, err
	}

	res := Result{
		Name:    "cond",
		Ops:     int64(len(seen)),
		Elapsed: time.Since(start),
		Samples: samples,
		Notes:   map[string]int64{"waits": waits.Load()},
	}
	for _, n := range seen {
		if n != 1 {
			res.Failures++
		}
	}
	if res.Failures > 0 {
		return res, fmt.Errorf("%w: %d items not consumed exactly once", errMismatch, res.Failures)
	}
	return res, nil
}

// SpawnJoin boots a kernel whose init spawns Width children per generation
// and joins each of them, timing every join.
func SpawnJoin(ctx context.Context, opts Options, logger *zap.Logger) (Result, error) {
	limit := rate.Inf
	if opts.SpawnRate > 0 {
		limit = rate.Limit(opts.SpawnRate)
	}
	limiter := rate.NewLimiter(limit, 1)

	var (
		mu       sync.Mutex
		samples  []float64
		spawned  atomic.Int64
		refused  atomic.Int64
		failures atomic.Int64
	)

	leaf := func(u *userland.User) int { return leafExit }
	fanout := func(u *userland.User) int {
		for g := 0; g < opts.Generations; g++ {
			pids := make([]int, 0, opts.Width)
			for i := 0; i < opts.Width; i++ {
				if err := limiter.Wait(ctx); err != nil {
					break
				}
				pid := u.Exec("leaf")
				if pid < 0 {
					refused.Add(1)
					continue
				}
				spawned.Add(1)
				pids = append(pids, pid)
			}
			for _, pid := range pids {
				t0 := time.Now()
				code := u.Join(pid)
				lat := float64(time.Since(t0))
				if code != leafExit {
					failures.Add(1)
				}
				mu.Lock()
				samples = append(samples, lat)
				mu.Unlock()
			}
			// a second join of a reaped child is illegal
			if len(pids) > 0 && u.Join(pids[0]) >= 0 {
				failures.Add(1)
			}
		}
		return 0
	}

	cfg := config.Default()
	k, err := kernel.Boot(cfg, logger,
		kernel.WithConsole(discard{}),
		kernel.WithProgram("leaf", leaf),
		kernel.WithProgram("fanout", fanout),
	)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	if err := k.Run(ctx, "fanout"); err != nil {
		return Result{}, err
	}
	snap := k.Metrics().Snapshot()

	res := Result{
		Name:     "spawn",
		Ops:      spawned.Load(),
		Elapsed:  time.Since(start),
		Samples:  samples,
		Failures: failures.Load(),
		Notes: map[string]int64{
			"refused":       refused.Load(),
			"illegal_joins": snap.IllegalJoins,
			"table_full":    snap.TableFull,
		},
	}
	if res.Failures > 0 {
		return res, fmt.Errorf("%w: %d joins returned the wrong status", errMismatch, res.Failures)
	}
	// the last address space is torn down after Run observes the final free
	deadline := time.Now().Add(time.Second)
	for {
		free, total := k.Memory()
		if free == total {
			return res, nil
		}
		if time.Now().After(deadline) {
			return res, fmt.Errorf("%w: %d of %d pages leaked", errMismatch, total-free, total)
		}
		time.Sleep(time.Millisecond)
	}
}

type discard struct{}

func (discard) Read([]byte) (int, error)    { return 0, io.EOF }
func (discard) Write(p []byte) (int, error) { return len(p), nil }
