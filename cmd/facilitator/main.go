package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"

	"github.com/x402kit/facilitator/audit"
	"github.com/x402kit/facilitator/chain"
	"github.com/x402kit/facilitator/config"
	"github.com/x402kit/facilitator/discovery"
	"github.com/x402kit/facilitator/evmrpc"
	"github.com/x402kit/facilitator/exact"
	"github.com/x402kit/facilitator/pricing"
	"github.com/x402kit/facilitator/replay"
	"github.com/x402kit/facilitator/server"
	"github.com/x402kit/facilitator/splitter"
	"github.com/x402kit/facilitator/token"
	"github.com/x402kit/facilitator/types"
	"github.com/x402kit/facilitator/webhook"
)

func main() {
	cmd := &cli.Command{
		Name:  "facilitator",
		Usage: "x402 payment facilitator",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging and gin debug mode"},
			&cli.IntFlag{Name: "rate-limit", Usage: "requests per source per minute", Value: 120},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("facilitator exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	network := types.Network(cfg.Network)
	chainCfg, err := chain.Resolve(network)
	if err != nil {
		return err
	}

	signer, err := evmrpc.NewSigner(cfg.PrivateKey, cfg.RPCURL, chainCfg.ChainID, cfg.MaxGasPrice)
	if err != nil {
		return err
	}
	logger.Info("facilitator signer ready", "network", network)

	nonces, records, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer nonces.Close()
	defer records.Close()

	if cfg.Production && !nonces.Durable() {
		return errors.New("refusing to start: production mode without a durable replay store")
	}

	registry := token.NewRegistry(token.DefaultSeed())

	mode := exact.ModeDirect
	var split *splitter.Client
	if cfg.Mode == "splitter" {
		mode = exact.ModeSplitter
		split = splitter.NewClient(signer, cfg.SplitterAddress, logger)
	}

	verifier := exact.NewVerifier(signer, registry, nonces, mode, cfg.SplitterAddress, logger)

	hooks := webhook.NewDispatcher(logger)
	if cfg.DatabaseURL != "" {
		hookStore, err := webhook.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer hookStore.Close()
		if err := hooks.WithStore(ctx, hookStore); err != nil {
			return err
		}
	}
	queue := exact.NewSettleQueue()
	defer queue.Close()

	orchestrator := exact.NewOrchestrator(exact.OrchestratorConfig{
		Verifier:      verifier,
		Ledger:        signer,
		Registry:      registry,
		Nonces:        nonces,
		Records:       records,
		Queue:         queue,
		Events:        hooks,
		Splitter:      split,
		Treasury:      cfg.Treasury,
		Confirmations: cfg.Confirmations,
		SettleTimeout: cfg.SettlementTimeout,
		MinUnit:       cfg.MinSettlementUnit,
		Logger:        logger,
	})

	var prices *pricing.Cache
	if cfg.PriceEndpoint != "" {
		symbols := make([]string, 0)
		for _, rec := range registry.All() {
			symbols = append(symbols, rec.Symbol)
		}
		prices = pricing.NewCache(&pricing.HTTPFetcher{URL: cfg.PriceEndpoint}, symbols, cfg.PriceRefresh, logger)
		prices.Start(ctx)
		defer prices.Stop()
	}

	srv := server.New(server.Options{
		Verifier:     verifier,
		Orchestrator: orchestrator,
		Records:      records,
		Nonces:       nonces,
		Hooks:        hooks,
		Catalog:      discovery.NewCatalog(),
		Registry:     registry,
		Prices:       prices,
		Network:      network,
		SplitterAddr: cfg.SplitterAddress,
		Logger:       logger,
	})
	srv.SetReady()

	router := srv.Router(int(cmd.Int("rate-limit")), time.Minute)
	httpSrv := &http.Server{Addr: cfg.ListenAddress, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("facilitator listening", "addr", cfg.ListenAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	// Drain HTTP first, then the deferred queue.Close finishes any
	// in-flight settlement before the stores close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStores selects the replay and audit backings: Postgres when a
// database URL is set, the embedded Badger store when a path is set,
// memory otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (replay.Store, audit.Store, error) {
	var nonces replay.Store
	var records audit.Store

	switch {
	case cfg.DatabaseURL != "":
		pgNonces, err := replay.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		pgRecords, err := audit.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			pgNonces.Close()
			return nil, nil, err
		}
		nonces, records = pgNonces, pgRecords

	case cfg.BadgerPath != "":
		// One shared database; the replay store owns the handle.
		bNonces, err := replay.NewBadgerStore(cfg.BadgerPath, logger)
		if err != nil {
			return nil, nil, err
		}
		nonces = bNonces
		records = audit.NewBadgerStoreWithDB(bNonces.DB())

	default:
		logger.Warn("using in-memory stores; settlements will not survive a restart")
		nonces = replay.NewMemoryStore()
		records = audit.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			nonces.Close()
			records.Close()
			return nil, nil, err
		}
		client := redis.NewClient(redisOpts)
		nonces = replay.NewCachedStore(nonces, client, 24*time.Hour, logger)
	}

	return nonces, records, nil
}
