// Package lego defines the capability contract every venue integration
// ("Lego") implements, and the registry that catalogs them by numeric id.
package lego

import (
	"context"
	"math/big"
	"sync/atomic"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

// Category classifies a Lego. Values are bit flags.
type Category uint8

const (
	CategoryYieldOpportunity Category = 1
	CategoryExchange         Category = 2
)

func (c Category) String() string {
	switch c {
	case CategoryYieldOpportunity:
		return "yield"
	case CategoryExchange:
		return "dex"
	default:
		return "unknown"
	}
}

// ErrUnsupported is returned by venues for capabilities they do not offer.
var ErrUnsupported = xerrors.New(xerrors.CodeAdapterFailure, "action not supported by lego")

// DepositRequest asks a venue to deposit Amount of Asset, already transferred
// to the adapter address, into Vault on behalf of Recipient.
type DepositRequest struct {
	Asset     common.Address
	Vault     common.Address
	Amount    *big.Int
	Recipient common.Address
}

// DepositResult reports what the venue claims to have done.
type DepositResult struct {
	AssetAmountDeposited     *big.Int
	VaultToken               common.Address
	VaultTokenAmountReceived *big.Int
	RefundAssetAmount        *big.Int
}

// WithdrawRequest redeems Amount of VaultToken, already transferred to the
// adapter address, back into Asset for Recipient.
type WithdrawRequest struct {
	Asset      common.Address
	VaultToken common.Address
	Amount     *big.Int
	Recipient  common.Address
}

// WithdrawResult reports a redemption.
type WithdrawResult struct {
	AssetAmountReceived    *big.Int
	VaultTokenAmountBurned *big.Int
	RefundVaultTokenAmount *big.Int
}

// SwapRequest routes AmountIn of TokenPath[0] through PoolPath, delivering
// TokenPath[len-1] to Recipient.
type SwapRequest struct {
	TokenPath    []common.Address
	PoolPath     []common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Recipient    common.Address
}

// SwapResult reports a swap.
type SwapResult struct {
	AmountIn       *big.Int
	AmountOut      *big.Int
	RefundAmountIn *big.Int
}

// AddLiquidityRequest deposits a token pair into Pool.
type AddLiquidityRequest struct {
	Pool       common.Address
	TokenA     common.Address
	TokenB     common.Address
	AmountA    *big.Int
	AmountB    *big.Int
	MinAmountA *big.Int
	MinAmountB *big.Int
	Recipient  common.Address
}

// AddLiquidityResult reports a liquidity deposit. NftTokenID is zero for
// fungible positions.
type AddLiquidityResult struct {
	LpToken        common.Address
	LiquidityAdded *big.Int
	AmountA        *big.Int
	AmountB        *big.Int
	RefundA        *big.Int
	RefundB        *big.Int
	NftTokenID     *big.Int
}

// RemoveLiquidityRequest burns Liquidity of LpToken.
type RemoveLiquidityRequest struct {
	Pool       common.Address
	TokenA     common.Address
	TokenB     common.Address
	LpToken    common.Address
	Liquidity  *big.Int
	MinAmountA *big.Int
	MinAmountB *big.Int
	Recipient  common.Address
}

// RemoveLiquidityResult reports a liquidity withdrawal.
type RemoveLiquidityResult struct {
	AmountA          *big.Int
	AmountB          *big.Int
	LiquidityRemoved *big.Int
	Depleted         bool
}

// SwapInstruction is one hop of a wallet swap: the Lego to route through and
// the path it takes. AmountIn is only honored on the first instruction; later
// instructions consume the previous output.
type SwapInstruction struct {
	LegoID       uint64
	AmountIn     *big.Int
	MinAmountOut *big.Int
	TokenPath    []common.Address
	PoolPath     []common.Address
}

// Adapter is the capability contract of a venue integration. The registry
// stores only Adapter values; venue types never leak past it.
type Adapter interface {
	Address() common.Address
	Category() Category
	LegoID() uint64
	SetLegoID(id uint64)

	// UnderlyingAsset maps a vault token to the asset it redeems into.
	UnderlyingAsset(vaultToken common.Address) (common.Address, bool)
	// UnderlyingAmount converts a vault token amount into underlying units.
	UnderlyingAmount(vaultToken common.Address, vaultTokenAmount *big.Int) *big.Int
	// VaultTokens lists the vault tokens whose underlying is asset.
	VaultTokens(asset common.Address) []common.Address

	Deposit(ctx context.Context, req DepositRequest) (DepositResult, error)
	Withdraw(ctx context.Context, req WithdrawRequest) (WithdrawResult, error)
	Swap(ctx context.Context, req SwapRequest) (SwapResult, error)
	AddLiquidity(ctx context.Context, req AddLiquidityRequest) (AddLiquidityResult, error)
	RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (RemoveLiquidityResult, error)

	// PriceUnsafe returns the spot price of targetToken in pool, scaled to
	// the other token's base units per whole target token.
	PriceUnsafe(ctx context.Context, pool, targetToken common.Address) (*big.Int, error)
	Quote(ctx context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error)
}

// Base carries the identity every venue shares. Embed it by value.
type Base struct {
	addr     common.Address
	category Category
	id       *atomic.Uint64
}

// NewBase returns the identity for a venue deployed at addr.
func NewBase(addr common.Address, category Category) Base {
	return Base{addr: addr, category: category, id: new(atomic.Uint64)}
}

func (b *Base) Address() common.Address { return b.addr }
func (b *Base) Category() Category      { return b.category }
func (b *Base) LegoID() uint64          { return b.id.Load() }
func (b *Base) SetLegoID(id uint64)     { b.id.Store(id) }

// Unsupported implements every optional capability by failing with
// ErrUnsupported. Venues embed it and override what they offer.
type Unsupported struct{}

func (Unsupported) UnderlyingAsset(common.Address) (common.Address, bool) {
	return common.Address{}, false
}

func (Unsupported) UnderlyingAmount(common.Address, *big.Int) *big.Int { return new(big.Int) }

func (Unsupported) VaultTokens(common.Address) []common.Address { return nil }

func (Unsupported) Deposit(context.Context, DepositRequest) (DepositResult, error) {
	return DepositResult{}, ErrUnsupported
}

func (Unsupported) Withdraw(context.Context, WithdrawRequest) (WithdrawResult, error) {
	return WithdrawResult{}, ErrUnsupported
}

func (Unsupported) Swap(context.Context, SwapRequest) (SwapResult, error) {
	return SwapResult{}, ErrUnsupported
}

func (Unsupported) AddLiquidity(context.Context, AddLiquidityRequest) (AddLiquidityResult, error) {
	return AddLiquidityResult{}, ErrUnsupported
}

func (Unsupported) RemoveLiquidity(context.Context, RemoveLiquidityRequest) (RemoveLiquidityResult, error) {
	return RemoveLiquidityResult{}, ErrUnsupported
}

func (Unsupported) PriceUnsafe(context.Context, common.Address, common.Address) (*big.Int, error) {
	return nil, ErrUnsupported
}

func (Unsupported) Quote(context.Context, common.Address, common.Address, *big.Int) (*big.Int, error) {
	return nil, ErrUnsupported
}
