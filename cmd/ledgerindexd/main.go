package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"workchain/observability/logging"
	"workchain/sdk/rpcclient"
	"workchain/services/ledgerindex"
)

func main() {
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := ledgerindex.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("ledgerindexd", cfg.Environment, logging.Options{Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ledgerindexd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *ledgerindex.Config, logger *slog.Logger) error {
	client, err := rpcclient.New(cfg.NodeURL)
	if err != nil {
		return err
	}
	store, err := ledgerindex.OpenStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	follower := ledgerindex.NewFollower(client, store, logger)
	follower.SetPollInterval(cfg.PollInterval)
	follower.SetBatchSize(cfg.BatchSize)

	if cfg.Export.OutputDir != "" {
		scheduler := ledgerindex.NewScheduler(ledgerindex.SchedulerConfig{
			Store:     store,
			OutputDir: cfg.Export.OutputDir,
			RunHour:   cfg.Export.RunHour,
			RunMinute: cfg.Export.RunMinute,
			Location:  cfg.Location(),
			Logger:    logger,
		})
		go scheduler.Start(ctx)
	}

	logger.Info("indexer following node",
		slog.String("node", cfg.NodeURL),
		slog.String("database", cfg.DatabasePath))
	return follower.Run(ctx)
}
