package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/underscore-finance/underscore/internal/api"
	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/internal/chain"
	"github.com/underscore-finance/underscore/internal/config"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/factory"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/observability/alerting"
	"github.com/underscore-finance/underscore/internal/observability/metrics"
	"github.com/underscore-finance/underscore/internal/wallet"
	"github.com/underscore-finance/underscore/pkg/logger"
)

// main 是 underscore 钱包守护进程的入口。
func main() {
	configFlag := pflag.StringP("config", "c", "", "配置文件路径（默认读取 "+config.EnvConfigPath+"）")
	listenFlag := pflag.String("listen", "", "覆盖 server.address")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.ResolvePath(*configFlag), *listenFlag); err != nil {
		log.Fatalf("underscored 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath, listen string) error {
	if configPath == "" {
		configPath = filepath.Join("configs", "underscored.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Address = listen
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Component("underscored")

	catalog, err := config.LoadCatalog(cfg.Runtime.CatalogPath)
	if err != nil {
		return err
	}

	genesis := time.Now()
	if cfg.Chain.GenesisUnix > 0 {
		genesis = time.Unix(cfg.Chain.GenesisUnix, 0)
	}
	clock := chain.NewBlockClock(genesis, time.Duration(cfg.Chain.BlockIntervalSeconds)*time.Second)
	ledger := chain.NewLedger()

	mintCatalog(ledger, catalog)
	venues, err := buildVenues(ledger, catalog)
	if err != nil {
		return err
	}

	bus, err := openBus(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()

	store, err := openEventStore(ctx, cfg.Storage.EventStore)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("关闭事件存储失败", slog.Any("error", err))
		}
	}()

	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	indexer := events.NewIndexer(bus, store,
		events.WithWorkerCount(cfg.Events.Workers),
		events.WithAlertDispatcher(alerter),
	)
	indexerCtx, indexerCancel := context.WithCancel(ctx)
	defer indexerCancel()

	go func() {
		if err := indexer.Start(indexerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("事件索引器异常退出", slog.Any("error", err))
		}
	}()

	pricer, closePricer, err := buildOracle(ctx, cfg.Oracle, catalog)
	if err != nil {
		return err
	}
	defer closePricer()

	registry, err := buildRegistry(cfg.Registry, clock, ledger, venues,
		lego.WithPublisher(bus),
		lego.WithRegistryLogger(logger.Component("registry")),
	)
	if err != nil {
		return err
	}

	walletOpts := []wallet.Option{
		wallet.WithPricer(pricer),
		wallet.WithAlertDispatcher(alerter),
		wallet.WithConfigSettings(wallet.ConfigSettings{
			OwnershipChangeDelay: cfg.Wallet.OwnershipChangeDelay,
			MinChangeDelay:       cfg.Wallet.MinChangeDelay,
			MaxChangeDelay:       cfg.Wallet.MaxChangeDelay,
			ChangeExpiry:         cfg.Wallet.ChangeExpiry,
		}),
	}
	if cfg.Wallet.LeftoverTolerance != nil {
		walletOpts = append(walletOpts, wallet.WithLeftoverTolerance(*cfg.Wallet.LeftoverTolerance))
	}
	if cfg.Wallet.SignedAuth {
		guard, closeGuard, err := openReplayGuard(ctx, cfg.Auth.ReplayGuard)
		if err != nil {
			return err
		}
		defer closeGuard()
		verifier := auth.NewVerifier(auth.Domain{
			Name:    cfg.Wallet.DomainName,
			Version: wallet.APIVersion,
			ChainID: big.NewInt(cfg.Chain.ChainID),
		}, auth.WithReplayGuard(guard))
		walletOpts = append(walletOpts, wallet.WithVerifier(verifier))
	}

	template, err := agentTemplate(cfg.Factory)
	if err != nil {
		return err
	}
	trialAmount, err := cfg.Factory.TrialAmountInt()
	if err != nil {
		return err
	}

	f, err := factory.New(cfg.Factory.Address, cfg.Factory.Governor, wallet.Deps{
		Ledger:   ledger,
		Registry: registry,
		Clock:    clock,
		Weth:     cfg.Chain.Weth,
	},
		factory.WithPublisher(bus),
		factory.WithTrialFunds(cfg.Factory.TrialAsset, trialAmount),
		factory.WithAgentTemplate(template),
		factory.WithWalletOptions(walletOpts...),
	)
	if err != nil {
		return err
	}

	log.Info("守护进程已就绪",
		slog.String("address", cfg.Server.Address),
		slog.Uint64("legos", registry.NumLegos()),
		logger.Address("factory", f.Address()),
		logger.Amount("trial_amount", trialAmount),
		slog.String("bus", cfg.Events.Bus.Driver),
		slog.String("event_store", cfg.Storage.EventStore.Driver),
	)

	server := api.NewServer(cfg.Server.Address, f, registry,
		api.WithEventStore(store),
		api.WithMetrics(metrics.Default()),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("API 服务异常退出: %w", err)
	}
	return nil
}
