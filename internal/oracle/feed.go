// Package oracle supplies asset prices in USD for event valuation.
package oracle

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Feed reports the USD price of one whole unit of asset. ok is false when
// the feed does not cover the asset.
type Feed interface {
	Price(ctx context.Context, asset common.Address) (price decimal.Decimal, ok bool, err error)
}

// StaticFeed serves configured prices.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[common.Address]decimal.Decimal
}

// NewStaticFeed copies prices into a new feed.
func NewStaticFeed(prices map[common.Address]decimal.Decimal) *StaticFeed {
	f := &StaticFeed{prices: make(map[common.Address]decimal.Decimal, len(prices))}
	for asset, price := range prices {
		f.prices[asset] = price
	}
	return f
}

// Set overrides the price of asset.
func (f *StaticFeed) Set(asset common.Address, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[asset] = price
	f.mu.Unlock()
}

// Price implements Feed.
func (f *StaticFeed) Price(_ context.Context, asset common.Address) (decimal.Decimal, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[asset]
	return price, ok, nil
}
