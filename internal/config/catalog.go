package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Catalog 是启动时装载的资产与交易场所清单。
type Catalog struct {
	Assets []AssetDefinition `yaml:"assets"`
	Venues []VenueDefinition `yaml:"venues"`
}

// AssetDefinition 描述一个资产及其静态价格。
type AssetDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
	// Price 为空表示不提供静态价格。
	Price string           `yaml:"price"`
	Mint  []MintDefinition `yaml:"mint"`
}

// MintDefinition 为账本预置余额，例如工厂的试用资金储备。
type MintDefinition struct {
	Holder string `yaml:"holder"`
	Amount string `yaml:"amount"`
}

// VenueDefinition 描述一个作为创世 Lego 注册的场所。
type VenueDefinition struct {
	Name          string                  `yaml:"name"`
	Kind          string                  `yaml:"kind"`
	Address       string                  `yaml:"address"`
	Opportunities []OpportunityDefinition `yaml:"opportunities"`
	Pools         []PoolDefinition        `yaml:"pools"`
}

// OpportunityDefinition 是 vault 场所中的一个收益仓位。
type OpportunityDefinition struct {
	Asset string `yaml:"asset"`
	Vault string `yaml:"vault"`
}

// PoolDefinition 是 amm 场所中的一个交易池。
type PoolDefinition struct {
	Address  string `yaml:"address"`
	TokenA   string `yaml:"token_a"`
	TokenB   string `yaml:"token_b"`
	ReserveA string `yaml:"reserve_a"`
	ReserveB string `yaml:"reserve_b"`
}

// LoadCatalog 解析 YAML 目录文件；路径为空时返回空目录。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return &Catalog{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取资产目录失败: %w", err)
	}
	return ParseCatalog(content)
}

// ParseCatalog 解析并校验目录内容。
func ParseCatalog(content []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return nil, fmt.Errorf("解析资产目录失败: %w", err)
	}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

func (c *Catalog) validate() error {
	seen := make(map[common.Address]string)
	for i, a := range c.Assets {
		if !common.IsHexAddress(a.Address) {
			return fmt.Errorf("assets[%d] (%s) 地址格式错误", i, a.Symbol)
		}
		addr := common.HexToAddress(a.Address)
		if prev, dup := seen[addr]; dup {
			return fmt.Errorf("资产 %s 与 %s 地址重复", a.Symbol, prev)
		}
		seen[addr] = a.Symbol
		if a.Price != "" {
			if _, err := decimal.NewFromString(a.Price); err != nil {
				return fmt.Errorf("资产 %s 价格格式错误: %w", a.Symbol, err)
			}
		}
		for _, m := range a.Mint {
			if !common.IsHexAddress(m.Holder) {
				return fmt.Errorf("资产 %s 的预置持有人地址格式错误", a.Symbol)
			}
			if _, err := parseAmount(a.Symbol+".mint", m.Amount); err != nil {
				return err
			}
		}
	}
	for i, v := range c.Venues {
		if !common.IsHexAddress(v.Address) {
			return fmt.Errorf("venues[%d] (%s) 地址格式错误", i, v.Name)
		}
		switch v.Kind {
		case "vault":
			for _, o := range v.Opportunities {
				if !common.IsHexAddress(o.Asset) || !common.IsHexAddress(o.Vault) {
					return fmt.Errorf("场所 %s 的收益仓位地址格式错误", v.Name)
				}
			}
		case "amm":
			for _, p := range v.Pools {
				if !common.IsHexAddress(p.Address) || !common.IsHexAddress(p.TokenA) || !common.IsHexAddress(p.TokenB) {
					return fmt.Errorf("场所 %s 的交易池地址格式错误", v.Name)
				}
				if _, err := parseAmount(v.Name+".reserve_a", p.ReserveA); err != nil {
					return err
				}
				if _, err := parseAmount(v.Name+".reserve_b", p.ReserveB); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("场所 %s 的类型 %q 不受支持", v.Name, v.Kind)
		}
	}
	return nil
}

// Prices 返回配置了静态价格的资产。
func (c *Catalog) Prices() map[common.Address]decimal.Decimal {
	out := make(map[common.Address]decimal.Decimal)
	for _, a := range c.Assets {
		if a.Price == "" {
			continue
		}
		out[common.HexToAddress(a.Address)] = decimal.RequireFromString(a.Price)
	}
	return out
}

// Decimals 返回每个资产的精度。
func (c *Catalog) Decimals() map[common.Address]int32 {
	out := make(map[common.Address]int32, len(c.Assets))
	for _, a := range c.Assets {
		out[common.HexToAddress(a.Address)] = a.Decimals
	}
	return out
}

// Address 将已校验的十六进制字符串转为地址。
func Address(hex string) common.Address { return common.HexToAddress(hex) }

// Amount 将已校验的十进制字符串转为数量。
func Amount(raw string) *big.Int {
	v, err := parseAmount("", raw)
	if err != nil {
		return new(big.Int)
	}
	return v
}
