// Package amm implements a constant-product exchange venue. Every pool holds
// two tokens at its own address and uses that address as its LP token.
package amm

import (
	"context"
	"math/big"
	"sync"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/lego"

	"github.com/ethereum/go-ethereum/common"
)

// FeeBps is the swap fee in basis points.
const FeeBps = 30

var (
	errUnknownPool        = xerrors.New(xerrors.CodeAdapterFailure, "unknown pool")
	errInvalidPath        = xerrors.New(xerrors.CodeAdapterFailure, "invalid swap path")
	errInsufficientOutput = xerrors.New(xerrors.CodeAdapterFailure, "insufficient output amount")
	errInsufficientAmount = xerrors.New(xerrors.CodeAdapterFailure, "insufficient liquidity amount")
	errEmptyPool          = xerrors.New(xerrors.CodeAdapterFailure, "pool has no liquidity")

	oneToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// Pool is a token pair deployed at Addr.
type Pool struct {
	Addr   common.Address
	TokenA common.Address
	TokenB common.Address
}

func (p Pool) has(token common.Address) bool { return token == p.TokenA || token == p.TokenB }

func (p Pool) other(token common.Address) common.Address {
	if token == p.TokenA {
		return p.TokenB
	}
	return p.TokenA
}

// Lego routes swaps and liquidity through its pools.
type Lego struct {
	lego.Base
	lego.Unsupported

	ledger *chain.Ledger

	mu    sync.RWMutex
	pools map[common.Address]Pool
	order []common.Address
}

// New deploys an exchange lego at addr.
func New(addr common.Address, ledger *chain.Ledger) *Lego {
	return &Lego{
		Base:   lego.NewBase(addr, lego.CategoryExchange),
		ledger: ledger,
		pools:  make(map[common.Address]Pool),
	}
}

// AddPool registers a pool for tokenA/tokenB at addr.
func (l *Lego) AddPool(addr, tokenA, tokenB common.Address) error {
	if addr == (common.Address{}) || tokenA == tokenB {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid pool")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pools[addr]; ok {
		return xerrors.New(xerrors.CodeConflict, "pool already exists")
	}
	l.pools[addr] = Pool{Addr: addr, TokenA: tokenA, TokenB: tokenB}
	l.order = append(l.order, addr)
	return nil
}

// Pool returns the pool at addr.
func (l *Lego) Pool(addr common.Address) (Pool, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[addr]
	return p, ok
}

// Reserves returns the pool's balances of tokenA and tokenB.
func (l *Lego) Reserves(p Pool) (*big.Int, *big.Int) {
	return l.ledger.BalanceOf(p.TokenA, p.Addr), l.ledger.BalanceOf(p.TokenB, p.Addr)
}

// AmountOut applies the constant-product formula net of FeeBps.
func AmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	if amountIn.Sign() <= 0 || reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return new(big.Int)
	}
	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(10_000-FeeBps))
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Mul(reserveIn, big.NewInt(10_000))
	den.Add(den, inWithFee)
	return num.Quo(num, den)
}

// Swap implements lego.Adapter. Each hop i trades TokenPath[i] for
// TokenPath[i+1] in PoolPath[i]; only the last hop pays Recipient.
func (l *Lego) Swap(_ context.Context, req lego.SwapRequest) (lego.SwapResult, error) {
	if len(req.TokenPath) < 2 || len(req.PoolPath) != len(req.TokenPath)-1 {
		return lego.SwapResult{}, errInvalidPath
	}
	amountIn := chain.Amount(req.AmountIn)
	amount := new(big.Int).Set(amountIn)
	for i, poolAddr := range req.PoolPath {
		pool, ok := l.Pool(poolAddr)
		tokenIn, tokenOut := req.TokenPath[i], req.TokenPath[i+1]
		if !ok || !pool.has(tokenIn) || pool.other(tokenIn) != tokenOut {
			return lego.SwapResult{}, errUnknownPool
		}
		out := AmountOut(amount, l.ledger.BalanceOf(tokenIn, pool.Addr), l.ledger.BalanceOf(tokenOut, pool.Addr))
		if out.Sign() == 0 {
			return lego.SwapResult{}, errInsufficientOutput
		}
		to := l.Address()
		if i == len(req.PoolPath)-1 {
			to = req.Recipient
		}
		if err := l.ledger.Transfer(tokenIn, l.Address(), pool.Addr, amount); err != nil {
			return lego.SwapResult{}, err
		}
		if err := l.ledger.Transfer(tokenOut, pool.Addr, to, out); err != nil {
			return lego.SwapResult{}, err
		}
		amount = out
	}
	if req.MinAmountOut != nil && amount.Cmp(req.MinAmountOut) < 0 {
		return lego.SwapResult{}, errInsufficientOutput
	}
	return lego.SwapResult{AmountIn: amountIn, AmountOut: amount, RefundAmountIn: new(big.Int)}, nil
}

// AddLiquidity implements lego.Adapter. Amounts are matched to the pool
// ratio; the unused side is refunded to Recipient.
func (l *Lego) AddLiquidity(_ context.Context, req lego.AddLiquidityRequest) (lego.AddLiquidityResult, error) {
	pool, ok := l.Pool(req.Pool)
	if !ok || !pool.has(req.TokenA) || pool.other(req.TokenA) != req.TokenB {
		return lego.AddLiquidityResult{}, errUnknownPool
	}
	desiredA, desiredB := chain.Amount(req.AmountA), chain.Amount(req.AmountB)
	reserveA := l.ledger.BalanceOf(req.TokenA, pool.Addr)
	reserveB := l.ledger.BalanceOf(req.TokenB, pool.Addr)
	supply := l.ledger.TotalSupply(pool.Addr)

	usedA, usedB := desiredA, desiredB
	liquidity := new(big.Int)
	if supply.Sign() == 0 || reserveA.Sign() == 0 || reserveB.Sign() == 0 {
		liquidity.Sqrt(new(big.Int).Mul(desiredA, desiredB))
	} else {
		if optB := chain.MulDiv(desiredA, reserveB, reserveA); optB.Cmp(desiredB) <= 0 {
			usedB = optB
		} else {
			usedA = chain.MulDiv(desiredB, reserveA, reserveB)
		}
		liquidity = chain.Min(chain.MulDiv(usedA, supply, reserveA), chain.MulDiv(usedB, supply, reserveB))
	}
	if (req.MinAmountA != nil && usedA.Cmp(req.MinAmountA) < 0) || (req.MinAmountB != nil && usedB.Cmp(req.MinAmountB) < 0) {
		return lego.AddLiquidityResult{}, errInsufficientAmount
	}
	if liquidity.Sign() == 0 {
		return lego.AddLiquidityResult{}, errInsufficientAmount
	}

	if err := l.ledger.Transfer(req.TokenA, l.Address(), pool.Addr, usedA); err != nil {
		return lego.AddLiquidityResult{}, err
	}
	if err := l.ledger.Transfer(req.TokenB, l.Address(), pool.Addr, usedB); err != nil {
		return lego.AddLiquidityResult{}, err
	}
	l.ledger.Mint(pool.Addr, req.Recipient, liquidity)

	refundA := new(big.Int).Sub(desiredA, usedA)
	refundB := new(big.Int).Sub(desiredB, usedB)
	if err := l.ledger.Transfer(req.TokenA, l.Address(), req.Recipient, refundA); err != nil {
		return lego.AddLiquidityResult{}, err
	}
	if err := l.ledger.Transfer(req.TokenB, l.Address(), req.Recipient, refundB); err != nil {
		return lego.AddLiquidityResult{}, err
	}

	return lego.AddLiquidityResult{
		LpToken:        pool.Addr,
		LiquidityAdded: liquidity,
		AmountA:        usedA,
		AmountB:        usedB,
		RefundA:        refundA,
		RefundB:        refundB,
		NftTokenID:     new(big.Int),
	}, nil
}

// RemoveLiquidity implements lego.Adapter. Depleted reports that Recipient
// holds no more of the LP token.
func (l *Lego) RemoveLiquidity(_ context.Context, req lego.RemoveLiquidityRequest) (lego.RemoveLiquidityResult, error) {
	pool, ok := l.Pool(req.Pool)
	if !ok || !pool.has(req.TokenA) || pool.other(req.TokenA) != req.TokenB {
		return lego.RemoveLiquidityResult{}, errUnknownPool
	}
	if req.LpToken != (common.Address{}) && req.LpToken != pool.Addr {
		return lego.RemoveLiquidityResult{}, errUnknownPool
	}
	liquidity := chain.Amount(req.Liquidity)
	supply := l.ledger.TotalSupply(pool.Addr)
	if supply.Sign() == 0 {
		return lego.RemoveLiquidityResult{}, errEmptyPool
	}
	amountA := chain.MulDiv(liquidity, l.ledger.BalanceOf(req.TokenA, pool.Addr), supply)
	amountB := chain.MulDiv(liquidity, l.ledger.BalanceOf(req.TokenB, pool.Addr), supply)
	if amountA.Sign() == 0 && amountB.Sign() == 0 {
		return lego.RemoveLiquidityResult{}, errInsufficientAmount
	}
	if (req.MinAmountA != nil && amountA.Cmp(req.MinAmountA) < 0) || (req.MinAmountB != nil && amountB.Cmp(req.MinAmountB) < 0) {
		return lego.RemoveLiquidityResult{}, errInsufficientAmount
	}

	if err := l.ledger.Burn(pool.Addr, l.Address(), liquidity); err != nil {
		return lego.RemoveLiquidityResult{}, err
	}
	if err := l.ledger.Transfer(req.TokenA, pool.Addr, req.Recipient, amountA); err != nil {
		return lego.RemoveLiquidityResult{}, err
	}
	if err := l.ledger.Transfer(req.TokenB, pool.Addr, req.Recipient, amountB); err != nil {
		return lego.RemoveLiquidityResult{}, err
	}

	return lego.RemoveLiquidityResult{
		AmountA:          amountA,
		AmountB:          amountB,
		LiquidityRemoved: liquidity,
		Depleted:         l.ledger.BalanceOf(pool.Addr, req.Recipient).Sign() == 0,
	}, nil
}

// PriceUnsafe returns the spot price of one whole targetToken (1e18 units)
// in the pool's other token. It reads reserves directly and is trivially
// manipulable within a call.
func (l *Lego) PriceUnsafe(_ context.Context, poolAddr, targetToken common.Address) (*big.Int, error) {
	pool, ok := l.Pool(poolAddr)
	if !ok || !pool.has(targetToken) {
		return nil, errUnknownPool
	}
	reserveTarget := l.ledger.BalanceOf(targetToken, pool.Addr)
	reserveOther := l.ledger.BalanceOf(pool.other(targetToken), pool.Addr)
	if reserveTarget.Sign() == 0 {
		return nil, errEmptyPool
	}
	return chain.MulDiv(reserveOther, oneToken, reserveTarget), nil
}

// Quote returns the output of swapping amountIn through the first pool
// holding the pair.
func (l *Lego) Quote(_ context.Context, tokenIn, tokenOut common.Address, amountIn *big.Int) (*big.Int, error) {
	l.mu.RLock()
	var (
		pool  Pool
		found bool
	)
	for _, addr := range l.order {
		if p := l.pools[addr]; p.has(tokenIn) && p.other(tokenIn) == tokenOut {
			pool, found = p, true
			break
		}
	}
	l.mu.RUnlock()
	if !found {
		return nil, errUnknownPool
	}
	return AmountOut(chain.Amount(amountIn), l.ledger.BalanceOf(tokenIn, pool.Addr), l.ledger.BalanceOf(tokenOut, pool.Addr)), nil
}

var _ lego.Adapter = (*Lego)(nil)
