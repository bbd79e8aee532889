// Package vault implements a share-based yield venue: each vault holds one
// underlying asset and mints its own address as the share token.
package vault

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/lego"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errUnknownVault = xerrors.New(xerrors.CodeAdapterFailure, "unknown vault")
	errZeroShares   = xerrors.New(xerrors.CodeAdapterFailure, "deposit too small")
	errZeroAssets   = xerrors.New(xerrors.CodeAdapterFailure, "redeem too small")
)

// Lego routes deposits into the vaults registered with AddAssetOpportunity.
type Lego struct {
	lego.Base
	lego.Unsupported

	ledger *chain.Ledger

	mu      sync.RWMutex
	assetOf map[common.Address]common.Address
	vaults  map[common.Address][]common.Address

	dust *big.Int
}

// Option configures a Lego.
type Option func(*Lego)

// Rebasing makes every deposit leave dust base units of the asset on the
// adapter, the way rebasing tokens round against the sender.
func Rebasing(dust int64) Option {
	return func(l *Lego) { l.dust = big.NewInt(dust) }
}

// New deploys a vault lego at addr.
func New(addr common.Address, ledger *chain.Ledger, opts ...Option) *Lego {
	l := &Lego{
		Base:    lego.NewBase(addr, lego.CategoryYieldOpportunity),
		ledger:  ledger,
		assetOf: make(map[common.Address]common.Address),
		vaults:  make(map[common.Address][]common.Address),
		dust:    new(big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AddAssetOpportunity registers vault as a destination for asset.
func (l *Lego) AddAssetOpportunity(asset, vault common.Address) error {
	if vault == (common.Address{}) || vault == asset {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid vault")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.assetOf[vault]; ok {
		if existing == asset {
			return nil
		}
		return xerrors.New(xerrors.CodeConflict, "vault already serves another asset")
	}
	l.assetOf[vault] = asset
	l.vaults[asset] = append(l.vaults[asset], vault)
	return nil
}

// Accrue credits yield to vault, raising the value of every share.
func (l *Lego) Accrue(vault common.Address, amount *big.Int) error {
	asset, ok := l.UnderlyingAsset(vault)
	if !ok {
		return errUnknownVault
	}
	l.ledger.Mint(asset, vault, amount)
	return nil
}

// TotalAssets returns the underlying held by vault.
func (l *Lego) TotalAssets(vault common.Address) *big.Int {
	asset, ok := l.UnderlyingAsset(vault)
	if !ok {
		return new(big.Int)
	}
	return l.ledger.BalanceOf(asset, vault)
}

// UnderlyingAsset implements lego.Adapter.
func (l *Lego) UnderlyingAsset(vaultToken common.Address) (common.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	asset, ok := l.assetOf[vaultToken]
	return asset, ok
}

// UnderlyingAmount implements lego.Adapter. It rounds down.
func (l *Lego) UnderlyingAmount(vaultToken common.Address, shares *big.Int) *big.Int {
	if shares == nil || shares.Sign() == 0 {
		return new(big.Int)
	}
	supply := l.ledger.TotalSupply(vaultToken)
	return chain.MulDiv(shares, l.TotalAssets(vaultToken), supply)
}

// VaultTokens implements lego.Adapter.
func (l *Lego) VaultTokens(asset common.Address) []common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := append([]common.Address(nil), l.vaults[asset]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Deposit implements lego.Adapter. A zero Vault picks the first vault
// registered for the asset.
func (l *Lego) Deposit(_ context.Context, req lego.DepositRequest) (lego.DepositResult, error) {
	vault, err := l.resolveVault(req.Asset, req.Vault)
	if err != nil {
		return lego.DepositResult{}, err
	}
	amount := chain.SubFloor(chain.Amount(req.Amount), l.dust)

	assets := l.TotalAssets(vault)
	supply := l.ledger.TotalSupply(vault)
	shares := new(big.Int).Set(amount)
	if supply.Sign() > 0 && assets.Sign() > 0 {
		shares = chain.MulDiv(amount, supply, assets)
	}
	if shares.Sign() == 0 {
		return lego.DepositResult{}, errZeroShares
	}

	if err := l.ledger.Transfer(req.Asset, l.Address(), vault, amount); err != nil {
		return lego.DepositResult{}, err
	}
	l.ledger.Mint(vault, req.Recipient, shares)

	return lego.DepositResult{
		AssetAmountDeposited:     amount,
		VaultToken:               vault,
		VaultTokenAmountReceived: shares,
		RefundAssetAmount:        new(big.Int),
	}, nil
}

// Withdraw implements lego.Adapter.
func (l *Lego) Withdraw(_ context.Context, req lego.WithdrawRequest) (lego.WithdrawResult, error) {
	asset, ok := l.UnderlyingAsset(req.VaultToken)
	if !ok || (req.Asset != (common.Address{}) && req.Asset != asset) {
		return lego.WithdrawResult{}, errUnknownVault
	}
	shares := chain.Amount(req.Amount)
	assets := l.UnderlyingAmount(req.VaultToken, shares)
	if assets.Sign() == 0 {
		return lego.WithdrawResult{}, errZeroAssets
	}

	if err := l.ledger.Burn(req.VaultToken, l.Address(), shares); err != nil {
		return lego.WithdrawResult{}, err
	}
	if err := l.ledger.Transfer(asset, req.VaultToken, req.Recipient, assets); err != nil {
		return lego.WithdrawResult{}, err
	}

	return lego.WithdrawResult{
		AssetAmountReceived:    assets,
		VaultTokenAmountBurned: shares,
		RefundVaultTokenAmount: new(big.Int),
	}, nil
}

// PriceUnsafe reports the underlying value of one whole share (1e18 units).
func (l *Lego) PriceUnsafe(_ context.Context, vault, _ common.Address) (*big.Int, error) {
	if _, ok := l.UnderlyingAsset(vault); !ok {
		return nil, errUnknownVault
	}
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if l.ledger.TotalSupply(vault).Sign() == 0 {
		return one, nil
	}
	return l.UnderlyingAmount(vault, one), nil
}

func (l *Lego) resolveVault(asset, vault common.Address) (common.Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if vault == (common.Address{}) {
		if list := l.vaults[asset]; len(list) > 0 {
			return list[0], nil
		}
		return common.Address{}, errUnknownVault
	}
	if got, ok := l.assetOf[vault]; !ok || got != asset {
		return common.Address{}, errUnknownVault
	}
	return vault, nil
}

var _ lego.Adapter = (*Lego)(nil)
