package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"workchain/config"
	"workchain/core"
	"workchain/core/genesis"
	"workchain/observability/logging"
	telemetry "workchain/observability/otel"
	"workchain/rpc"
	"workchain/storage"
)

const (
	genesisPathEnv = "WORKCHAIN_GENESIS"
	rpcTokenEnv    = "WORKCHAIN_RPC_TOKEN"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis JSON file (overrides WORKCHAIN_GENESIS and config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	env := strings.TrimSpace(cfg.Log.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("WORKCHAIN_ENV"))
	}
	logger := logging.SetupWithOptions("workchaind", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *genesisFlag, env, logger); err != nil {
		logger.Error("workchaind stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, genesisFlag, env string, logger *slog.Logger) error {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "workchaind",
		Environment: env,
		ChainID:     cfg.ChainID,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	spec, err := resolveGenesis(cfg, genesisFlag, os.LookupEnv)
	if err != nil {
		return err
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	node, err := core.NewNode(db, core.Config{
		ChainID:           cfg.ChainID,
		MaxMempool:        cfg.Mempool.MaxTxs,
		MaxPerBlock:       cfg.Mempool.MaxPerBlock,
		FutureNonceMaxAge: cfg.FutureNonceMaxAgeDuration(),
		Escrow:            cfg.Escrow,
	}, spec, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	token := strings.TrimSpace(cfg.RPC.AuthToken)
	if fromEnv, ok := os.LookupEnv(rpcTokenEnv); ok && strings.TrimSpace(fromEnv) != "" {
		token = strings.TrimSpace(fromEnv)
	}
	if token != "" {
		logger.Info("rpc write methods require a bearer token", logging.MaskField("auth_token", token))
	}
	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:         token,
		RequestsPerMinute: cfg.RPC.RequestsPerMinute,
		Burst:             cfg.RPC.Burst,
		MaxBodyBytes:      cfg.RPC.MaxBodyBytes,
		TrustProxyHeaders: cfg.RPC.TrustProxyHeaders,
	}, logger)

	logger.Info("node starting",
		slog.Uint64("chain_id", cfg.ChainID),
		slog.Uint64("height", node.Height()),
		slog.String("data_dir", cfg.DataDir),
		slog.Int("reviewer_count", int(cfg.Escrow.ReviewerCount)),
		slog.Int("normal_fee_bps", int(cfg.Escrow.NormalFeeBps)),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() { errCh <- node.Run(runCtx, cfg.BlockIntervalDuration()) }()
	go func() { errCh <- server.Serve(runCtx, cfg.RPCAddress) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil && runCtx.Err() == nil {
			firstErr = err
		}
		cancel()
	}
	return firstErr
}

// resolveGenesis picks the genesis source: the -genesis flag, then
// WORKCHAIN_GENESIS, then the config GenesisFile, then the inline Genesis
// section.
func resolveGenesis(cfg *config.Config, flagPath string, lookup func(string) (string, bool)) (*genesis.GenesisSpec, error) {
	path := strings.TrimSpace(flagPath)
	if path == "" && lookup != nil {
		if value, ok := lookup(genesisPathEnv); ok {
			path = strings.TrimSpace(value)
		}
	}
	if path == "" {
		path = strings.TrimSpace(cfg.GenesisFile)
	}
	if path != "" {
		spec, err := genesis.LoadGenesisSpec(path)
		if err != nil {
			return nil, fmt.Errorf("load genesis %s: %w", path, err)
		}
		return spec, nil
	}
	spec, err := genesis.FromConfig(cfg.Genesis, cfg.ChainID)
	if err != nil {
		return nil, fmt.Errorf("genesis section: %w", err)
	}
	return spec, nil
}
