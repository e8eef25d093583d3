package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/piggyvault/piggy-hub/depositor/aggregator"
	"github.com/piggyvault/piggy-hub/depositor/chain"
	"github.com/piggyvault/piggy-hub/depositor/config"
	"github.com/piggyvault/piggy-hub/depositor/engine"
	"github.com/piggyvault/piggy-hub/depositor/orchestrator"
	"github.com/piggyvault/piggy-hub/depositor/rpc"
	"github.com/piggyvault/piggy-hub/depositor/store"
	"github.com/piggyvault/piggy-hub/depositor/tokens"
	"github.com/rs/zerolog"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Logger()

	// Share the logger with the RPC package
	rpc.SetLogger(log.With().Str("component", "rpc").Logger())
}

func main() {
	configPath := flag.String("config", "", "toml config file; empty reads DEPOSITOR_* environment variables")
	flag.Parse()

	var path *string
	if *configPath != "" {
		path = configPath
	}
	cfg, err := config.LoadDepositorConfig(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	feeRate, err := cfg.FeeRateDecimal()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid fee rate")
	}
	maxFee, maxPriority := cfg.GasFeeCaps()

	log.Info().
		Uint64("chain_id", cfg.ChainID).
		Str("vault", cfg.VaultAddress).
		Str("settlement_token", cfg.SettlementToken).
		Str("fee_rate", feeRate.String()).
		Msg("Starting depositor")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retry := aggregator.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff
	retry.MaxBackoff = cfg.RetryMaxBackoff
	aggregatorClient, err := aggregator.NewClient(aggregator.ClientConfig{
		BaseURL: cfg.AggregatorURL,
		APIKey:  cfg.AggregatorAPIKey,
		Timeout: cfg.RequestTimeout,
		Retry:   retry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create aggregator client")
	}

	reader, err := chain.DialReader(ctx, cfg.ChainRPCURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect chain reader")
	}
	defer reader.Close()

	submitter, err := chain.DialSubmitter(ctx, cfg.WalletRPCURL, cfg.ReceiptPollInterval, cfg.ReceiptTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect wallet service")
	}
	defer submitter.Close()

	var kv *store.PebbleStore
	if cfg.StorePath != "" {
		kv, err = store.Open(cfg.StorePath)
	} else {
		kv, err = store.OpenInMemory()
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open preview store")
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close preview store")
		}
	}()
	previews := store.NewPreviewStore(kv, cfg.PreviewTTL)
	if removed, err := previews.Sweep(); err != nil {
		log.Warn().Err(err).Msg("Initial preview sweep failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("Dropped previews left by a previous run")
	}

	registry := tokens.NewRegistry()
	if err := registry.Load(ctx, cfg.TokenListSource, aggregatorClient, cfg.ChainID); err != nil {
		log.Warn().Err(err).Msg("Token list unavailable, callers must supply decimals")
	}

	var notifier orchestrator.Notifier
	if cfg.WebhookURL != "" {
		notifier = orchestrator.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookTimeout)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ChainID:             cfg.ChainID,
		SettlementToken:     common.HexToAddress(cfg.SettlementToken),
		Vault:               common.HexToAddress(cfg.VaultAddress),
		FeeRate:             feeRate,
		FeePhaseDelay:       cfg.FeePhaseDelay,
		SubmitDelay:         cfg.SubmitDelay,
		Paymaster:           cfg.Paymaster,
		PaymasterURL:        cfg.PaymasterURL,
		MaxFeePerGas:        maxFee,
		MaxPriorityFee:      maxPriority,
		UseDepositAndInvest: cfg.UseDepositAndInvest,
		SessionTTL:          cfg.SessionTTL,
		NotifyTimeout:       cfg.WebhookTimeout,
	}, orchestrator.Dependencies{
		Aggregator: aggregatorClient,
		Prices:     aggregatorClient,
		Reader:     reader,
		Submitter:  submitter,
		Previews:   previews,
		Notifier:   notifier,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create orchestrator")
	}
	serverConfig := buildServerConfig(cfg)
	server, err := rpc.NewServer(ctx, serverConfig, orch, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	// providers are installed by NewServer
	if cfg.EnableLogs {
		aggregator.SetLogHook(rpc.NewOTelLogHook("aggregator", zerolog.WarnLevel))
		chain.SetLogHook(rpc.NewOTelLogHook("chain", zerolog.WarnLevel))
		engine.SetLogHook(rpc.NewOTelLogHook("engine", zerolog.WarnLevel))
		store.SetLogHook(rpc.NewOTelLogHook("store", zerolog.WarnLevel))
		tokens.SetLogHook(rpc.NewOTelLogHook("tokens", zerolog.WarnLevel))
		orchestrator.SetLogHook(rpc.NewOTelLogHook("orchestrator", zerolog.WarnLevel))
		rpc.SetLogger(rpc.Logger.Hook(rpc.NewOTelLogHook("rpc", zerolog.WarnLevel)))
	}

	go orch.SweepExpired(ctx, cfg.PreviewTTL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			sigCh <- syscall.SIGTERM
		}
	}()

	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	// a running execute gets the whole window to reach its receipt
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ReceiptTimeout+10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	cancel()
	orch.Wait()
}

// buildServerConfig converts the loaded DepositorConfig to rpc.ServerConfig
func buildServerConfig(cfg *config.DepositorConfig) *rpc.ServerConfig {
	serverConfig := &rpc.ServerConfig{
		Address:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		AllowedOrigins: cfg.AllowedOrigins,
		EnableMetrics:  cfg.UsePrometheus,
		// execute blocks until the receipt or its timeout
		RequestTimeout: cfg.ReceiptTimeout + cfg.FeePhaseDelay + cfg.SubmitDelay + 30*time.Second,
	}

	if cfg.RatePerMinute > 0 {
		serverConfig.RatePerMinute = &cfg.RatePerMinute
	}
	if cfg.MaxConcurrentRequests > 0 {
		serverConfig.MaxConcurrentRequests = &cfg.MaxConcurrentRequests
	}

	if cfg.EnableTracing || cfg.EnableMetrics || cfg.EnableLogs || cfg.UsePrometheus {
		serverConfig.OTelConfig = &rpc.OTelConfig{
			ServiceName:     defaultString(cfg.ServiceName, "piggy-depositor"),
			ServiceVersion:  defaultString(cfg.ServiceVersion, "1.0.0"),
			Environment:     defaultString(cfg.Environment, "development"),
			EnableTracing:   cfg.EnableTracing,
			UseOTLPTraces:   cfg.UseOTLPTraces,
			OTLPTracesURL:   cfg.OTLPTracesURL,
			EnableMetrics:   cfg.EnableMetrics || cfg.UsePrometheus,
			UsePrometheus:   cfg.UsePrometheus,
			UseOTLPMetrics:  cfg.UseOTLPMetrics,
			OTLPMetricsURL:  cfg.OTLPMetricsURL,
			EnableLogs:      cfg.EnableLogs,
			UseOTLPLogs:     cfg.UseOTLPLogs,
			OTLPLogsURL:     cfg.OTLPLogsURL,
			InsecureOTLP:    cfg.InsecureOTLP,
			DevelopmentMode: cfg.DevelopmentMode,
		}
	}

	return serverConfig
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
