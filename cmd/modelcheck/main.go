package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cluster-modelcheck/internal/archive"
	"cluster-modelcheck/internal/cluster"
	"cluster-modelcheck/internal/config"
	"cluster-modelcheck/internal/engine"
	"cluster-modelcheck/internal/logging"
	"cluster-modelcheck/internal/registry"
	"cluster-modelcheck/internal/report"

	_ "cluster-modelcheck/internal/fault/crash"
	_ "cluster-modelcheck/internal/sut/kv"
)

func main() {
	var configPath string
	var listModels bool
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&listModels, "models", false, "List registered adapters and exit")
	flag.Parse()

	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		printUsage()
		return
	}
	if listModels {
		fmt.Println("system models:", registry.SystemModels())
		fmt.Println("fault models: ", registry.FaultModels())
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(&cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("property failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	mgr := cluster.NewManager(cfg.Cluster, logger)
	defer mgr.Shutdown()

	system, err := registry.ResolveSystem(cfg.Engine.SystemModel, mgr, cfg, logger)
	if err != nil {
		return err
	}
	fault, err := registry.ResolveFault(cfg.Engine.FaultModel, mgr, cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := engine.NewRunner(cfg, logger, system, fault, mgr, engine.NopTrace{})

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		arch, err = archive.Open(cfg.Archive, logger)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer arch.Close()
		runner.Sink = func(rep *engine.RunReport) {
			if err := arch.Put(rep); err != nil {
				logger.Warn("failed to archive run", "run_id", rep.ID, "error", err)
			}
		}
	}

	if cfg.Report.Enabled {
		if arch == nil {
			return fmt.Errorf("report server requires archive.enabled")
		}
		srv := report.NewServer(cfg.Report, arch, logger)
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("report server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Stop(shutdownCtx)
		}()
	}

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d runs failed (seed %d, ids %v)",
			summary.Failed, summary.Runs, summary.Seed, summary.FailedIDs)
	}
	return nil
}

func printUsage() {
	fmt.Printf(`Cluster Model Checker

Usage:
  %s [options]

Options:
  -config string
        Path to configuration file (default "config.yaml")
  -models
        List registered system and fault models and exit
  -h, --help
        Show this help message

Environment Variables:
  Configuration can be overridden using environment variables with MC_ prefix.

Examples:
  # Run with default config
  %s

  # Run with custom config file
  %s -config /path/to/config.yaml

  # Override the run count
  MC_RUNS=50 %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
