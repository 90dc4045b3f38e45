package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshgw/tracemapper/internal/bus"
	"github.com/meshgw/tracemapper/internal/clock"
	"github.com/meshgw/tracemapper/internal/config"
	"github.com/meshgw/tracemapper/internal/logging"
	"github.com/meshgw/tracemapper/internal/orchestrator"
	"github.com/meshgw/tracemapper/internal/router"
)

const defaultSelfID = "!local"

// daemonFlags holds the parsed command-line flags, split out from run so
// flag parsing is testable without touching the process's global FlagSet.
type daemonFlags struct {
	ConfigPath string
	SelfID     string
}

func parseFlags(args []string) (daemonFlags, error) {
	fs := flag.NewFlagSet("tracemapperd", flag.ContinueOnError)
	configPath := fs.String("config", "tracemapper_config.json", "path to the engine configuration file")
	selfID := fs.String("self-id", defaultSelfID, "node id this engine sends probes as")

	if err := fs.Parse(args); err != nil {
		return daemonFlags{}, err
	}
	if fs.NArg() > 0 {
		return daemonFlags{}, fmt.Errorf("unexpected positional arguments: %v", fs.Args())
	}

	return daemonFlags{ConfigPath: *configPath, SelfID: *selfID}, nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("run tracemapperd", "error", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, flags.ConfigPath+".log"); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("tracemapperd")
	logger.Info("starting tracemapperd", "config", flags.ConfigPath, "self_id", flags.SelfID)

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	busRouter := router.NewBusRouter(ctx, b, logMgr.Logger("router"))

	engine := orchestrator.New(flags.SelfID, busRouter, b, clock.SystemClock{}, logMgr.Logger("orchestrator"))
	if err := engine.Initialize(cfg); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	watcher := config.NewWatcher(flags.ConfigPath, logMgr.Logger("config"), func(reloaded config.Config) {
		if err := engine.Reload(reloaded); err != nil {
			logger.Error("failed to apply reloaded configuration", "error", err)
		}
	})
	go func() {
		if err := watcher.Run(ctx); err != nil {
			logger.Error("config watcher exited", "error", err)
		}
	}()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	logger.Info("tracemapperd running, waiting for interrupt")
	<-ctx.Done()

	logger.Info("shutting down")
	if err := engine.Stop(); err != nil {
		logger.Error("stop engine", "error", err)
	}

	return nil
}
