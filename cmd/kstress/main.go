package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/logging"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type workload func(context.Context, Options, *zap.Logger) (Result, error)

var workloads = map[string]workload{
	"lock":  LockContention,
	"cond":  BoundedBuffer,
	"spawn": SpawnJoin,
}

func main() {
	opts := DefaultOptions()
	flag.IntVar(&opts.Workers, "workers", opts.Workers, "threads per lock/cond workload")
	flag.IntVar(&opts.Rounds, "rounds", opts.Rounds, "lock acquisitions per worker")
	flag.IntVar(&opts.Buffer, "buffer", opts.Buffer, "bounded buffer slots")
	flag.IntVar(&opts.Items, "items", opts.Items, "items per producer")
	flag.IntVar(&opts.Width, "width", opts.Width, "children spawned per generation")
	flag.IntVar(&opts.Generations, "generations", opts.Generations, "spawn/join generations")
	flag.Float64Var(&opts.SpawnRate, "spawn-rate", opts.SpawnRate, "spawns per second, 0 for unlimited")
	only := flag.String("only", "", "run a single workload: lock, cond or spawn")
	timeout := flag.Duration("timeout", time.Minute, "give up after this long")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	cfg := logging.DefaultConfig()
	if *verbose {
		cfg = logging.DevelopmentConfig()
	}
	logger, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kstress: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	selected := workloads
	if *only != "" {
		w, ok := workloads[*only]
		if !ok {
			fmt.Fprintf(os.Stderr, "kstress: unknown workload %q\n", *only)
			os.Exit(2)
		}
		selected = map[string]workload{*only: w}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	results, err := runAll(ctx, selected, opts, logger.Logger)
	report(os.Stdout, results)
	if err != nil {
		logger.Error("stress run failed", zap.Error(err))
		os.Exit(1)
	}
}

// runAll runs the workloads concurrently. The first failure cancels the rest.
func runAll(ctx context.Context, selected map[string]workload, opts Options, logger *zap.Logger) ([]Result, error) {
	names := make([]string, 0, len(selected))
	for name := range selected {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		w := selected[name]
		g.Go(func() error {
			res, err := w(gctx, opts, logger.Named(name))
			res.Name = name
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func report(w io.Writer, results []Result) {
	for _, r := range results {
		if r.Elapsed == 0 {
			fmt.Fprintf(w, "%-6s did not finish\n", r.Name)
			continue
		}
		s := r.Summarize()
		rate := float64(r.Ops) / r.Elapsed.Seconds()
		fmt.Fprintf(w, "%-6s %s ops in %s (%s)  failures %d\n",
			r.Name, humanize.Comma(r.Ops), r.Elapsed.Round(time.Millisecond),
			humanize.SIWithDigits(rate, 1, "ops/s"), r.Failures)
		if len(r.Samples) > 0 {
			fmt.Fprintf(w, "       wait mean %s sd %s p50 %s p99 %s max %s over %s samples\n",
				s.Mean, s.StdDev, s.P50, s.P99, s.Max, humanize.Comma(int64(len(r.Samples))))
		}
		keys := make([]string, 0, len(r.Notes))
		for k := range r.Notes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "       %s %s\n", k, humanize.Comma(r.Notes[k]))
		}
	}
}
