package oracle

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultDecimals is assumed for assets without a configured precision.
const DefaultDecimals int32 = 18

// Oracle asks each feed in order and uses the first that covers an asset.
type Oracle struct {
	feeds  []Feed
	logger *slog.Logger

	mu       sync.RWMutex
	decimals map[common.Address]int32
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithDecimals sets the base-unit precision of assets.
func WithDecimals(decimals map[common.Address]int32) Option {
	return func(o *Oracle) {
		for asset, d := range decimals {
			o.decimals[asset] = d
		}
	}
}

// WithLogger sets the logger used for feed errors.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// New composes feeds into an Oracle.
func New(feeds []Feed, opts ...Option) *Oracle {
	o := &Oracle{decimals: make(map[common.Address]int32)}
	for _, f := range feeds {
		if f != nil {
			o.feeds = append(o.feeds, f)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Component("oracle")
	}
	return o
}

// SetDecimals records the precision of asset.
func (o *Oracle) SetDecimals(asset common.Address, decimals int32) {
	o.mu.Lock()
	o.decimals[asset] = decimals
	o.mu.Unlock()
}

// Decimals returns the precision of asset.
func (o *Oracle) Decimals(asset common.Address) int32 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if d, ok := o.decimals[asset]; ok {
		return d
	}
	return DefaultDecimals
}

// Price returns the first price any feed reports for asset. Feed errors are
// logged and the next feed is tried.
func (o *Oracle) Price(ctx context.Context, asset common.Address) (decimal.Decimal, bool) {
	for _, f := range o.feeds {
		price, ok, err := f.Price(ctx, asset)
		if err != nil {
			o.logger.Warn("读取价格失败", logger.Address("asset", asset), slog.Any("error", err))
			continue
		}
		if ok {
			return price, true
		}
	}
	return decimal.Zero, false
}

// UsdValue values amount base units of asset. Unknown assets are worth zero.
func (o *Oracle) UsdValue(ctx context.Context, asset common.Address, amount *big.Int) decimal.Decimal {
	if o == nil || amount == nil || amount.Sign() == 0 {
		return decimal.Zero
	}
	price, ok := o.Price(ctx, asset)
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -o.Decimals(asset)).Mul(price)
}
