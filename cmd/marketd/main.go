package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workchain/observability/logging"
	"workchain/sdk/escrow"
	"workchain/sdk/rpcclient"
	"workchain/services/marketplace/auth"
	"workchain/services/marketplace/config"
	"workchain/services/marketplace/models"
	"workchain/services/marketplace/server"
)

func main() {
	configFile := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.SetupWithOptions("marketd", cfg.Environment, logging.Options{Level: cfg.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("marketd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := models.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	secret, err := cfg.Secret()
	if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier(secret, cfg.JWT.Issuer, cfg.JWT.Leeway)
	if err != nil {
		return err
	}

	client, err := rpcclient.New(cfg.NodeURL)
	if err != nil {
		return err
	}
	srv := server.New(server.Config{
		Store:    models.NewStore(db),
		Reader:   escrow.NewReader(client, logger),
		Verifier: verifier,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("marketplace listening", slog.String("addr", cfg.Listen), slog.String("node", cfg.NodeURL))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
