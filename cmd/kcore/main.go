package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/GriffinCanCode/AgentOS/kcore/internal/config"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/logging"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/server"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/userland"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML or TOML config file (environment otherwise)")
	program := flag.String("program", "", "program to run as init (default from config)")
	debugAddr := flag.String("debug", "", "serve the debug API on this address")
	linger := flag.Bool("linger", false, "keep the debug server up after the kernel stops")
	list := flag.Bool("list", false, "list the builtin programs and exit")
	flag.Parse()

	if *list {
		reg := userland.NewRegistry()
		userland.RegisterBuiltins(reg)
		for _, name := range reg.Names() {
			fmt.Println(name)
		}
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		return 2
	}
	if *debugAddr != "" {
		cfg.Debug.Enabled = true
		cfg.Debug.Addr = *debugAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		return 2
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "kcore: %v\n", err)
		return 2
	}
	defer logger.Sync()

	var opts []kernel.Option
	var hub *server.Hub
	if cfg.Debug.Enabled {
		hub = server.NewHub(logger.Named("events"))
		opts = append(opts, kernel.WithHook(hub))
	}

	k, err := kernel.Boot(cfg, logger.Logger, opts...)
	if err != nil {
		logger.Error("boot failed", zap.Error(err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Debug.Enabled {
		srv := server.New(server.DefaultConfig(cfg.Debug.Addr), k, hub, logger.Named("debug"))
		g.Go(func() error { return srv.Run(serverCtx) })
	}

	var runErr error
	g.Go(func() error {
		runErr = k.Run(gctx, *program)
		if !*linger {
			stopServer()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("debug server failed", zap.Error(err))
		return 1
	}

	switch {
	case runErr == nil:
		logger.Info("kernel stopped", zap.Bool("halted", k.Halted()), zap.Duration("uptime", k.Uptime()))
		return 0
	case errors.Is(runErr, context.Canceled):
		logger.Info("kernel interrupted")
		return 130
	case errors.Is(runErr, kernel.ErrKernelPanic):
		logger.Error("kernel panic", zap.Error(runErr))
		return 3
	default:
		logger.Error("kernel failed", zap.Error(runErr))
		return 1
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(path)
}
