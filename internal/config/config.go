package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// EnvConfigPath 是未通过命令行指定配置文件时读取的环境变量。
const EnvConfigPath = "UNDERSCORE_CONFIG"

// Config 描述了守护进程在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Chain    ChainConfig    `json:"chain"`
	Registry RegistryConfig `json:"registry"`
	Wallet   WalletConfig   `json:"wallet"`
	Factory  FactoryConfig  `json:"factory"`
	Oracle   OracleConfig   `json:"oracle"`
	Events   EventsConfig   `json:"events"`
	Storage  StorageConfig  `json:"storage"`
	Auth     AuthConfig     `json:"auth"`
	Logging  logger.Config  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// ChainConfig 描述账本的时钟与包装资产。
type ChainConfig struct {
	ChainID int64          `json:"chain_id"`
	Weth    common.Address `json:"weth"`
	// GenesisUnix 为 0 时使用启动时间。
	GenesisUnix          int64 `json:"genesis_unix"`
	BlockIntervalSeconds int   `json:"block_interval_seconds"`
}

// RegistryConfig 描述 Lego 注册表的治理参数，单位为时钟刻度。
type RegistryConfig struct {
	Governor     common.Address `json:"governor"`
	ChangeDelay  uint64         `json:"change_delay"`
	MinDelay     uint64         `json:"min_delay"`
	MaxDelay     uint64         `json:"max_delay"`
	ChangeExpiry uint64         `json:"change_expiry"`
}

// WalletConfig 是每个新钱包共用的参数。
type WalletConfig struct {
	OwnershipChangeDelay uint64 `json:"ownership_change_delay"`
	MinChangeDelay       uint64 `json:"min_change_delay"`
	MaxChangeDelay       uint64 `json:"max_change_delay"`
	ChangeExpiry         uint64 `json:"change_expiry"`
	// LeftoverTolerance 为空时使用钱包默认值。
	LeftoverTolerance *uint64 `json:"leftover_tolerance"`
	SignedAuth        bool    `json:"signed_auth"`
	DomainName        string  `json:"domain_name"`
}

// FactoryConfig 描述工厂地址、试用资金与新钱包 agent 的默认授权。
type FactoryConfig struct {
	Address      common.Address   `json:"address"`
	Governor     common.Address   `json:"governor"`
	TrialAsset   common.Address   `json:"trial_asset"`
	TrialAmount  string           `json:"trial_amount"`
	AgentActions []string         `json:"agent_actions"`
	AgentAssets  []common.Address `json:"agent_assets"`
	AgentLegoIDs []uint64         `json:"agent_lego_ids"`
}

// OracleConfig 描述价格来源；静态价格来自资产目录。
type OracleConfig struct {
	Chainlink ChainlinkConfig `json:"chainlink"`
}

// ChainlinkConfig 描述链上聚合器。
type ChainlinkConfig struct {
	Enabled           bool                              `json:"enabled"`
	RPCURL            string                            `json:"rpc_url"`
	Feeds             map[common.Address]common.Address `json:"feeds"`
	StaleAfterSeconds int                               `json:"stale_after_seconds"`
}

// EventsConfig 描述事件总线与索引器。
type EventsConfig struct {
	Bus     BusConfig `json:"bus"`
	Workers int       `json:"workers"`
}

// BusConfig 选择事件总线实现：memory、redis 或 rabbitmq。
type BusConfig struct {
	Driver     string         `json:"driver"`
	BufferSize int            `json:"buffer_size"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	Prefix           string `json:"prefix"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// StorageConfig 统一描述事件存储后端。
type StorageConfig struct {
	EventStore EventStoreConfig `json:"event_store"`
}

// EventStoreConfig 目前支持 memory 与 mysql。
type EventStoreConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
}

// AuthConfig 描述签名授权的防重放存储。
type AuthConfig struct {
	ReplayGuard ReplayGuardConfig `json:"replay_guard"`
}

// ReplayGuardConfig 选择 memory 或 redis。
type ReplayGuardConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir     string `json:"data_dir"`
	CatalogPath string `json:"catalog_path"`
}

// ResolvePath 返回命令行参数或环境变量给出的配置文件路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	return os.Getenv(EnvConfigPath)
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Chain.ChainID == 0 {
		c.Chain.ChainID = 8453
	}
	if c.Chain.BlockIntervalSeconds <= 0 {
		c.Chain.BlockIntervalSeconds = 2
	}

	if c.Registry.ChangeDelay == 0 {
		c.Registry.ChangeDelay = 43_200
	}
	if c.Registry.MaxDelay == 0 {
		c.Registry.MaxDelay = 1_296_000
	}

	if c.Wallet.OwnershipChangeDelay == 0 {
		c.Wallet.OwnershipChangeDelay = 43_200
	}
	if c.Wallet.MaxChangeDelay == 0 {
		c.Wallet.MaxChangeDelay = 1_296_000
	}

	if c.Factory.Governor == (common.Address{}) {
		c.Factory.Governor = c.Registry.Governor
	}
	if len(c.Factory.AgentActions) == 0 {
		c.Factory.AgentActions = []string{"all"}
	}

	if c.Events.Bus.Driver == "" {
		c.Events.Bus.Driver = "memory"
	}
	if c.Events.Bus.BufferSize <= 0 {
		c.Events.Bus.BufferSize = 1024
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 4
	}
	if c.Events.Bus.Redis.Queue == "" {
		c.Events.Bus.Redis.Queue = "underscore:events"
	}
	if c.Events.Bus.RabbitMQ.Queue == "" {
		c.Events.Bus.RabbitMQ.Queue = "underscore.events"
	}

	if c.Storage.EventStore.Driver == "" {
		c.Storage.EventStore.Driver = "memory"
	}
	if c.Auth.ReplayGuard.Driver == "" {
		c.Auth.ReplayGuard.Driver = "memory"
	}
	if c.Auth.ReplayGuard.Redis.Prefix == "" {
		c.Auth.ReplayGuard.Redis.Prefix = "underscore:sig:"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Runtime.CatalogPath != "" && !filepath.IsAbs(c.Runtime.CatalogPath) {
		c.Runtime.CatalogPath = filepath.Join(baseDir, c.Runtime.CatalogPath)
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
		} else if !filepath.IsAbs(c.Logging.Audit.Path) {
			c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
		}
	}
}

// Validate 检查必须由用户提供的字段。
func (c *Config) Validate() error {
	if c.Registry.Governor == (common.Address{}) {
		return errors.New("registry.governor 不能为空")
	}
	if c.Factory.Address == (common.Address{}) {
		return errors.New("factory.address 不能为空")
	}
	if c.Chain.Weth == (common.Address{}) {
		return errors.New("chain.weth 不能为空")
	}
	if c.Registry.MinDelay > c.Registry.MaxDelay || c.Registry.ChangeDelay < c.Registry.MinDelay || c.Registry.ChangeDelay > c.Registry.MaxDelay {
		return fmt.Errorf("registry.change_delay %d 超出范围 [%d, %d]", c.Registry.ChangeDelay, c.Registry.MinDelay, c.Registry.MaxDelay)
	}
	if _, err := c.Factory.TrialAmountInt(); err != nil {
		return err
	}
	switch c.Events.Bus.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的事件总线驱动: %s", c.Events.Bus.Driver)
	}
	switch c.Storage.EventStore.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的事件存储驱动: %s", c.Storage.EventStore.Driver)
	}
	switch c.Auth.ReplayGuard.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("未知的防重放存储驱动: %s", c.Auth.ReplayGuard.Driver)
	}
	return nil
}

// TrialAmountInt 解析十进制的试用资金数量；为空时返回 0。
func (f FactoryConfig) TrialAmountInt() (*big.Int, error) {
	return parseAmount("factory.trial_amount", f.TrialAmount)
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s 不是合法的非负整数: %q", field, raw)
	}
	return v, nil
}
