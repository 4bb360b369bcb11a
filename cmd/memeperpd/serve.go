package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/memeperp/memeperp/params"
	"github.com/memeperp/memeperp/pkg/api"
	"github.com/memeperp/memeperp/pkg/bridge"
	"github.com/memeperp/memeperp/pkg/broadcast"
	"github.com/memeperp/memeperp/pkg/core"
	"github.com/memeperp/memeperp/pkg/crypto"
	"github.com/memeperp/memeperp/pkg/engine"
	"github.com/memeperp/memeperp/pkg/engine/validate"
	"github.com/memeperp/memeperp/pkg/fixed"
	"github.com/memeperp/memeperp/pkg/funding"
	"github.com/memeperp/memeperp/pkg/ledger"
	"github.com/memeperp/memeperp/pkg/marketdata"
	"github.com/memeperp/memeperp/pkg/metrics"
	"github.com/memeperp/memeperp/pkg/oracle"
	"github.com/memeperp/memeperp/pkg/position"
	"github.com/memeperp/memeperp/pkg/risk"
	"github.com/memeperp/memeperp/pkg/storage"
	"github.com/memeperp/memeperp/pkg/token"
	"github.com/memeperp/memeperp/pkg/util"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		logLevel   string
		logFile    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the trading daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.Load(configPath)
			if err != nil {
				return exitErr(exitBadConfig, "config: %v", err)
			}
			if listenAddr != "" {
				cfg.Server.ListenAddr = listenAddr
			}
			logger, err := buildLogger(logLevel, logFile)
			if err != nil {
				return exitErr(exitBadConfig, "logger: %v", err)
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (yaml/toml)")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "override server.listen_addr")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "tee logs to a file")
	return cmd
}

func buildLogger(level, file string) (*zap.Logger, error) {
	if file != "" {
		return util.NewLoggerWithFile(file)
	}
	return util.NewLoggerAt(level)
}

// newGateway picks the settlement transport. An empty URL runs the
// in-process dev gateway; batches confirm locally and marks are injected
// by hand.
func newGateway(cfg params.Config, logger *zap.Logger) (bridge.ChainGateway, error) {
	if cfg.Chain.GatewayURL == "" {
		logger.Sugar().Named("serve").Warn("no chain gateway configured, running dev gateway")
		return bridge.NewDevGateway(logger), nil
	}
	return nil, exitErr(exitGatewayDown, "chain gateway %q unreachable: no transport built in, leave chain.gateway_url empty for the dev gateway", cfg.Chain.GatewayURL)
}

func serve(parent context.Context, cfg params.Config, logger *zap.Logger) error {
	log := logger.Sugar().Named("serve")

	store, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return exitErr(exitRepoFailed, "open repository %s: %v", cfg.Storage.Path, err)
	}
	defer store.Close()

	gw, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	clk := util.RealClock{}
	registry := token.NewRegistry(logger)
	led := ledger.New(store, logger)
	positions := position.NewStore(led, store, cfg.FeeAddress(), cfg.InsuranceAddress(), logger)
	signer := crypto.NewTypedSigner(crypto.NewDomain(cfg.Chain.ChainID, cfg.VerifyingContractAddress()))
	validator := validate.NewValidator(signer, registry, validate.NewNonces(store))
	bus := broadcast.NewBus(broadcast.DefaultBufferSize, logger)
	market := marketdata.NewService(store, bus, registry, logger)
	bridgeSvc := bridge.New(bridge.Config{
		MaxBatchSize:  cfg.Bridge.MaxBatchSize,
		BatchInterval: cfg.Bridge.BatchInterval,
		MaxAttempts:   cfg.Bridge.MaxRetries,
		BackoffBase:   cfg.Bridge.RetryBackoff,
	}, gw, store, led, bus, logger)

	var eng *engine.Engine
	feed := oracle.NewFeed(gw, registry, func(tok common.Address) (fixed.Amount, bool) {
		return eng.LastTradePrice(tok)
	}, logger)
	fund := funding.NewEngine(registry, positions, feed, bus, logger)
	eng = engine.New(engine.Deps{
		Registry:          registry,
		Ledger:            led,
		Positions:         positions,
		Validator:         validator,
		Market:            market,
		Bus:               bus,
		Marks:             feed,
		Funding:           fund,
		Bridge:            bridgeSvc,
		Orders:            store,
		FeeAccount:        cfg.FeeAddress(),
		LiquidatorAccount: cfg.LiquidatorAddress(),
		Log:               logger,
	})
	eng.SetNowFunc(clk.Now)
	feed.OnUpdate(func(tok common.Address, _ fixed.Amount) {
		eng.KickStops(tok)
	})
	riskEng := risk.NewEngine(registry, positions, feed, eng, logger)
	collector := metrics.NewCollector()

	listingDefaults := token.DefaultParams()
	listingDefaults.FundingInterval = cfg.Funding.Interval
	listingDefaults.ImbalanceCoefficientBps = fixed.FromUint64(uint64(cfg.Funding.ImbalanceCoefficientBps))
	listingDefaults.MaxFundingRateBps = fixed.FromUint64(uint64(cfg.Funding.MaxRateBps))
	listingDefaults.RiskTickInterval = cfg.Risk.ScanInterval

	srv := api.NewServer(api.Deps{
		Engine:             eng,
		Registry:           registry,
		Ledger:             led,
		Positions:          positions,
		Market:             market,
		Bus:                bus,
		Feed:               feed,
		Funding:            fund,
		History:            store,
		Metrics:            collector,
		DefaultTokenParams: &listingDefaults,
		CORSOrigins:        cfg.Server.CORSOrigins,
		Log:                logger,
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return feed.Run(gctx) })
	g.Go(func() error { return fund.Run(gctx) })
	g.Go(func() error { return riskEng.Run(gctx) })
	g.Go(func() error { return market.Run(gctx) })
	g.Go(func() error { return bridgeSvc.Run(gctx) })
	g.Go(func() error {
		return collector.RunSampler(gctx, metrics.SystemState{
			Registry:         registry,
			Ledger:           led,
			Engine:           eng,
			InsuranceAccount: cfg.InsuranceAddress(),
		}, cfg.Server.SampleInterval)
	})
	g.Go(func() error { return srv.Run(gctx, cfg.Server.ListenAddr) })

	log.Infow("daemon_started", "listen", cfg.Server.ListenAddr, "storage", cfg.Storage.Path)
	err = g.Wait()
	// Drain after the loops stop: resting orders are cancelled and their
	// collateral released before the process exits.
	eng.Drain()
	log.Infow("daemon_stopped")

	switch {
	case err == nil || errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, core.ErrRepositoryUnavailable):
		return exitErr(exitRepoFailed, "repository: %v", err)
	case errors.Is(err, core.ErrChainGatewayUnavailable):
		return exitErr(exitGatewayDown, "chain gateway: %v", err)
	default:
		return err
	}
}
