package amm

import (
	"context"
	"math/big"
	"testing"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/lego"

	"github.com/ethereum/go-ethereum/common"
)

var (
	legoAddr = common.HexToAddress("0x2001")
	tokenA   = common.HexToAddress("0xa0")
	tokenB   = common.HexToAddress("0xb0")
	tokenC   = common.HexToAddress("0xc0")
	poolAB   = common.HexToAddress("0xab")
	poolBC   = common.HexToAddress("0xbc")
	wallet   = common.HexToAddress("0xee")
)

func setup(t *testing.T) (*Lego, *chain.Ledger) {
	t.Helper()
	ledger := chain.NewLedger()
	l := New(legoAddr, ledger)
	for _, p := range []struct{ addr, a, b common.Address }{{poolAB, tokenA, tokenB}, {poolBC, tokenB, tokenC}} {
		if err := l.AddPool(p.addr, p.a, p.b); err != nil {
			t.Fatalf("add pool: %v", err)
		}
		ledger.Mint(p.a, p.addr, big.NewInt(1_000_000))
		ledger.Mint(p.b, p.addr, big.NewInt(1_000_000))
		ledger.Mint(p.addr, common.HexToAddress("0x01"), big.NewInt(1_000_000))
	}
	return l, ledger
}

func TestAmountOutAppliesFee(t *testing.T) {
	out := AmountOut(big.NewInt(1_000), big.NewInt(1_000_000), big.NewInt(1_000_000))
	// 1000*9970*1e6 / (1e6*1e4 + 9970*1000) = 996
	if out.Int64() != 996 {
		t.Fatalf("expected 996, got %s", out)
	}
	if AmountOut(big.NewInt(1), big.NewInt(0), big.NewInt(10)).Sign() != 0 {
		t.Fatalf("empty reserve must quote zero")
	}
}

func TestMultiHopSwap(t *testing.T) {
	l, ledger := setup(t)
	ctx := context.Background()

	quoteAB, err := l.Quote(ctx, tokenA, tokenB, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	wantC := AmountOut(quoteAB, big.NewInt(1_000_000), big.NewInt(1_000_000))

	ledger.Mint(tokenA, legoAddr, big.NewInt(1_000))
	res, err := l.Swap(ctx, lego.SwapRequest{
		TokenPath: []common.Address{tokenA, tokenB, tokenC},
		PoolPath:  []common.Address{poolAB, poolBC},
		AmountIn:  big.NewInt(1_000),
		Recipient: wallet,
	})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if res.AmountOut.Cmp(wantC) != 0 || ledger.BalanceOf(tokenC, wallet).Cmp(wantC) != 0 {
		t.Fatalf("expected %s of C, got %s", wantC, res.AmountOut)
	}
	for _, token := range []common.Address{tokenA, tokenB, tokenC} {
		if ledger.BalanceOf(token, legoAddr).Sign() != 0 {
			t.Fatalf("adapter kept %s", token.Hex())
		}
	}
}

func TestSwapRespectsMinAmountOut(t *testing.T) {
	l, ledger := setup(t)
	ledger.Mint(tokenA, legoAddr, big.NewInt(1_000))
	_, err := l.Swap(context.Background(), lego.SwapRequest{
		TokenPath:    []common.Address{tokenA, tokenB},
		PoolPath:     []common.Address{poolAB},
		AmountIn:     big.NewInt(1_000),
		MinAmountOut: big.NewInt(1_000),
		Recipient:    wallet,
	})
	if !xerrors.HasCode(err, xerrors.CodeAdapterFailure) {
		t.Fatalf("expected adapter failure, got %v", err)
	}

	_, err = l.Swap(context.Background(), lego.SwapRequest{
		TokenPath: []common.Address{tokenA, tokenC},
		PoolPath:  []common.Address{poolAB},
		AmountIn:  big.NewInt(1),
		Recipient: wallet,
	})
	if err == nil {
		t.Fatalf("expected mismatched pool to fail")
	}
}

func TestLiquidityRoundTrip(t *testing.T) {
	l, ledger := setup(t)
	ctx := context.Background()

	ledger.Mint(tokenA, legoAddr, big.NewInt(1_000))
	ledger.Mint(tokenB, legoAddr, big.NewInt(3_000))
	added, err := l.AddLiquidity(ctx, lego.AddLiquidityRequest{
		Pool: poolAB, TokenA: tokenA, TokenB: tokenB,
		AmountA: big.NewInt(1_000), AmountB: big.NewInt(3_000),
		Recipient: wallet,
	})
	if err != nil {
		t.Fatalf("add liquidity: %v", err)
	}
	if added.AmountA.Int64() != 1_000 || added.AmountB.Int64() != 1_000 || added.RefundB.Int64() != 2_000 {
		t.Fatalf("unexpected add result %+v", added)
	}
	if ledger.BalanceOf(tokenB, wallet).Int64() != 2_000 || added.LiquidityAdded.Int64() != 1_000 {
		t.Fatalf("refund or liquidity mismatch")
	}

	if err := ledger.Transfer(poolAB, wallet, legoAddr, added.LiquidityAdded); err != nil {
		t.Fatalf("push lp: %v", err)
	}
	removed, err := l.RemoveLiquidity(ctx, lego.RemoveLiquidityRequest{
		Pool: poolAB, TokenA: tokenA, TokenB: tokenB, LpToken: poolAB,
		Liquidity: added.LiquidityAdded, Recipient: wallet,
	})
	if err != nil {
		t.Fatalf("remove liquidity: %v", err)
	}
	if removed.AmountA.Int64() != 1_000 || removed.AmountB.Int64() != 1_000 || !removed.Depleted {
		t.Fatalf("unexpected remove result %+v", removed)
	}
}

func TestPriceUnsafe(t *testing.T) {
	l, ledger := setup(t)
	ledger.Mint(tokenB, poolAB, big.NewInt(1_000_000))

	price, err := l.PriceUnsafe(context.Background(), poolAB, tokenA)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(2), oneToken)
	if price.Cmp(want) != 0 {
		t.Fatalf("expected %s, got %s", want, price)
	}
	if _, err := l.PriceUnsafe(context.Background(), poolAB, tokenC); err == nil {
		t.Fatalf("expected foreign token to fail")
	}
}
