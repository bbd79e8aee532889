package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/internal/chain"
	"github.com/underscore-finance/underscore/internal/config"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/lego/amm"
	"github.com/underscore-finance/underscore/internal/lego/vault"
	"github.com/underscore-finance/underscore/internal/oracle"
	storagemysql "github.com/underscore-finance/underscore/internal/storage/mysql"
	"github.com/underscore-finance/underscore/internal/wallet"
	"github.com/underscore-finance/underscore/pkg/logger"
)

type venue struct {
	name    string
	adapter lego.Adapter
}

// mintCatalog 按目录为持有人预置余额。
func mintCatalog(ledger *chain.Ledger, catalog *config.Catalog) {
	for _, asset := range catalog.Assets {
		token := config.Address(asset.Address)
		for _, m := range asset.Mint {
			ledger.Mint(token, config.Address(m.Holder), config.Amount(m.Amount))
		}
	}
}

// buildVenues 将目录中的场所构造成创世 Lego，顺序即注册顺序。
func buildVenues(ledger *chain.Ledger, catalog *config.Catalog) ([]venue, error) {
	out := make([]venue, 0, len(catalog.Venues))
	for _, def := range catalog.Venues {
		addr := config.Address(def.Address)
		switch def.Kind {
		case "vault":
			l := vault.New(addr, ledger)
			for _, o := range def.Opportunities {
				if err := l.AddAssetOpportunity(config.Address(o.Asset), config.Address(o.Vault)); err != nil {
					return nil, fmt.Errorf("场所 %s: %w", def.Name, err)
				}
			}
			out = append(out, venue{name: def.Name, adapter: l})
		case "amm":
			l := amm.New(addr, ledger)
			for _, p := range def.Pools {
				pool, a, b := config.Address(p.Address), config.Address(p.TokenA), config.Address(p.TokenB)
				if err := l.AddPool(pool, a, b); err != nil {
					return nil, fmt.Errorf("场所 %s: %w", def.Name, err)
				}
				ledger.Mint(a, pool, config.Amount(p.ReserveA))
				ledger.Mint(b, pool, config.Amount(p.ReserveB))
			}
			out = append(out, venue{name: def.Name, adapter: l})
		default:
			return nil, fmt.Errorf("场所 %s 的类型 %q 不受支持", def.Name, def.Kind)
		}
	}
	return out, nil
}

// buildRegistry 创建 Lego 注册表并按顺序注册创世场所。
func buildRegistry(cfg config.RegistryConfig, clock chain.Clock, ledger *chain.Ledger, venues []venue, opts ...lego.RegistryOption) (*lego.Registry, error) {
	all := []lego.RegistryOption{
		lego.WithChangeDelay(cfg.ChangeDelay),
		lego.WithDelayBounds(cfg.MinDelay, cfg.MaxDelay),
		lego.WithChangeExpiry(cfg.ChangeExpiry),
	}
	for _, v := range venues {
		all = append(all, lego.WithGenesisLego(v.adapter, v.name))
	}
	return lego.NewRegistry(cfg.Governor, clock, ledger, append(all, opts...)...)
}

func openBus(ctx context.Context, cfg config.EventsConfig) (events.Bus, error) {
	switch cfg.Bus.Driver {
	case "", "memory":
		return events.NewMemoryBus(cfg.Bus.BufferSize), nil
	case "redis":
		bus, err := events.NewRedisBus(ctx, events.RedisBusConfig{
			Address:   cfg.Bus.Redis.Address,
			Password:  cfg.Bus.Redis.Password,
			DB:        cfg.Bus.Redis.DB,
			Queue:     cfg.Bus.Redis.Queue,
			BlockWait: time.Duration(cfg.Bus.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "rabbitmq":
		bus, err := events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:      cfg.Bus.RabbitMQ.URL,
			Queue:    cfg.Bus.RabbitMQ.Queue,
			Prefetch: cfg.Bus.RabbitMQ.Prefetch,
			Durable:  cfg.Bus.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Bus.Driver)
	}
}

func openEventStore(ctx context.Context, cfg config.EventStoreConfig) (events.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return events.NewMemoryStore(), nil
	case "mysql":
		store, err := events.NewMySQLStore(ctx, storagemysql.Config{
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("未知的事件存储驱动: %s", cfg.Driver)
	}
}

func openReplayGuard(ctx context.Context, cfg config.ReplayGuardConfig) (auth.ReplayGuard, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return auth.NewMemoryReplayGuard(), func() {}, nil
	case "redis":
		guard, err := auth.NewRedisReplayGuard(ctx, auth.RedisReplayGuardConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return guard, func() { _ = guard.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的防重放存储驱动: %s", cfg.Driver)
	}
}

// buildOracle 组合目录中的静态价格与可选的 Chainlink 聚合器，链上价格优先。
func buildOracle(ctx context.Context, cfg config.OracleConfig, catalog *config.Catalog) (*oracle.Oracle, func(), error) {
	feeds := make([]oracle.Feed, 0, 2)
	closer := func() {}
	if cfg.Chainlink.Enabled {
		feed, err := oracle.DialChainlink(ctx, oracle.ChainlinkConfig{
			RPCURL:     cfg.Chainlink.RPCURL,
			Feeds:      cfg.Chainlink.Feeds,
			StaleAfter: time.Duration(cfg.Chainlink.StaleAfterSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		feeds = append(feeds, feed)
		closer = feed.Close
	}
	feeds = append(feeds, oracle.NewStaticFeed(catalog.Prices()))
	o := oracle.New(feeds,
		oracle.WithDecimals(catalog.Decimals()),
		oracle.WithLogger(logger.Component("oracle")),
	)
	logger.Component("oracle").Info("价格预言机已初始化",
		slog.Int("feeds", len(feeds)),
		slog.Bool("chainlink", cfg.Chainlink.Enabled),
	)
	return o, closer, nil
}

// agentTemplate 构造工厂为新钱包 agent 授予的默认权限。
func agentTemplate(cfg config.FactoryConfig) (wallet.AgentPermission, error) {
	actions, err := wallet.ParseActions(cfg.AgentActions)
	if err != nil {
		return wallet.AgentPermission{}, err
	}
	return wallet.AgentPermission{
		Actions: actions,
		Assets:  append([]common.Address(nil), cfg.AgentAssets...),
		LegoIDs: append([]uint64(nil), cfg.AgentLegoIDs...),
	}, nil
}
