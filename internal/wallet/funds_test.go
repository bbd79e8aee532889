package wallet

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/lego/vault"
	"github.com/underscore-finance/underscore/internal/observability/alerting"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestDepositInvariantsAndRoundTrip(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(1_000))

	dep, err := h.wallet.Deposit(h.ctx, agent, idA, usdc, vtA, amt(1_000))
	mustNoErr(t, err)
	if dep.AssetAmountDeposited.Sign() <= 0 || dep.VaultTokenAmountReceived.Sign() <= 0 {
		t.Fatalf("deposit must move positive amounts: %+v", dep)
	}
	if dep.VaultToken != vtA {
		t.Fatalf("expected vault token %s, got %s", vtA.Hex(), dep.VaultToken.Hex())
	}
	for _, token := range []common.Address{usdc, vtA} {
		if got := h.balance(token, legoAddrA); got != 0 {
			t.Fatalf("adapter retained %d of %s", got, token.Hex())
		}
	}

	wd, err := h.wallet.Withdraw(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	if wd.AssetAmountReceived.Int64() != 1_000 {
		t.Fatalf("round trip returned %s, want 1000", wd.AssetAmountReceived)
	}
	if got := h.balance(vtA, walletA); got != 0 {
		t.Fatalf("expected vault tokens burned, still hold %d", got)
	}

	evs := h.events.Events(events.KindDeposit, events.KindWithdrawal)
	if len(evs) != 2 {
		t.Fatalf("expected deposit and withdrawal events, got %d", len(evs))
	}
	for _, ev := range evs {
		if !ev.IsSignerAgent || ev.Signer != agent || ev.LegoID != idA || ev.LegoAddr != legoAddrA {
			t.Fatalf("unexpected event envelope: %+v", ev)
		}
	}
}

func TestDepositWithoutFunds(t *testing.T) {
	h := newHarness(t, setup{})
	_, err := h.wallet.Deposit(h.ctx, owner, idA, usdc, vtA, nil)
	if !stdErrors.Is(err, ErrNoFundsAvailable) {
		t.Fatalf("expected no funds available, got %v", err)
	}
}

func TestDepositRejectsUnknownLego(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(10))
	_, err := h.wallet.Deposit(h.ctx, owner, 99, usdc, vtA, nil)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidAdapter {
		t.Fatalf("expected invalid adapter, got %v", err)
	}
	if got := h.balance(usdc, walletA); got != 10 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestPermissionDeniedLeavesStateUnchanged(t *testing.T) {
	cases := []struct {
		name string
		perm AgentPermission
	}{
		{"missing action", AgentPermission{Actions: ActionWithdrawal, Assets: []common.Address{usdc}, LegoIDs: []uint64{idA}}},
		{"missing asset", AgentPermission{Actions: ActionDeposit, Assets: []common.Address{dai}, LegoIDs: []uint64{idA}}},
		{"missing lego", AgentPermission{Actions: ActionDeposit, Assets: []common.Address{usdc}, LegoIDs: []uint64{idB}}},
		{"empty grant", AgentPermission{Actions: ActionDeposit}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, setup{})
			h.ledger.Mint(usdc, walletA, amt(50))
			mustNoErr(t, h.wallet.Config().AddOrModifyAgent(h.ctx, owner, agent, tc.perm))
			h.events.Reset()

			_, err := h.wallet.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
			if !stdErrors.Is(err, ErrAgentNotAllowed) {
				t.Fatalf("expected agent not allowed, got %v", err)
			}
			if got := h.balance(usdc, walletA); got != 50 {
				t.Fatalf("wallet balance changed to %d", got)
			}
			if got := h.balance(vtA, walletA); got != 0 {
				t.Fatalf("vault tokens minted: %d", got)
			}
			if n := len(h.events.Events()); n != 0 {
				t.Fatalf("expected no events, got %d", n)
			}
		})
	}
}

func TestStrangerIsRejected(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(5))
	if _, err := h.wallet.TransferFunds(h.ctx, stranger, owner, nil, usdc); !stdErrors.Is(err, ErrAgentNotAllowed) {
		t.Fatalf("expected agent not allowed, got %v", err)
	}
}

func TestRebalanceEmitsWithdrawalAndDeposit(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(400))
	_, err := h.wallet.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	h.events.Reset()

	res, err := h.wallet.Rebalance(h.ctx, agent, idA, usdc, vtA, idB, vtB, nil)
	mustNoErr(t, err)
	if res.VaultToken != vtB || res.AssetAmountDeposited.Int64() != 400 {
		t.Fatalf("unexpected rebalance result: %+v", res)
	}
	if h.balance(vtA, walletA) != 0 || h.balance(vtB, walletA) != 400 {
		t.Fatalf("position not moved: vtA=%d vtB=%d", h.balance(vtA, walletA), h.balance(vtB, walletA))
	}
	evs := h.events.Events()
	if len(evs) != 2 || evs[0].Kind != events.KindWithdrawal || evs[1].Kind != events.KindDeposit {
		t.Fatalf("expected withdrawal then deposit, got %d events", len(evs))
	}
	if evs[0].LegoID != idA || evs[1].LegoID != idB {
		t.Fatalf("unexpected lego ids %d, %d", evs[0].LegoID, evs[1].LegoID)
	}
}

func TestRebalanceFailureRollsBackWithdrawal(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(400))
	_, err := h.wallet.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	// vtWeth belongs to weth, so the deposit leg fails.
	_, err = h.wallet.Rebalance(h.ctx, agent, idA, usdc, vtA, idA, vtWeth, nil)
	if xerrors.CodeOf(err) != xerrors.CodeAdapterFailure {
		t.Fatalf("expected adapter failure, got %v", err)
	}
	if h.balance(vtA, walletA) != 400 || h.balance(usdc, walletA) != 0 {
		t.Fatalf("withdraw leg not rolled back: vtA=%d usdc=%d", h.balance(vtA, walletA), h.balance(usdc, walletA))
	}
}

func TestSwapChainsInstructions(t *testing.T) {
	h := newHarness(t, setup{})
	h.seedPool(poolUD, usdc, dai, 1_000_000, 1_000_000)
	h.seedPool(poolDW, dai, weth, 1_000_000, 1_000_000)
	h.ledger.Mint(usdc, walletA, amt(10_000))

	res, err := h.wallet.Swap(h.ctx, agent, []lego.SwapInstruction{
		{LegoID: idDex, AmountIn: amt(4_000), TokenPath: []common.Address{usdc, dai}, PoolPath: []common.Address{poolUD}},
		{LegoID: idDex, AmountIn: amt(1), TokenPath: []common.Address{dai, weth}, PoolPath: []common.Address{poolDW}},
	})
	mustNoErr(t, err)
	if res.TokenIn != usdc || res.TokenOut != weth {
		t.Fatalf("unexpected route ends %s -> %s", res.TokenIn.Hex(), res.TokenOut.Hex())
	}
	if res.AmountIn.Int64() != 4_000 || res.AmountOut.Sign() <= 0 {
		t.Fatalf("unexpected amounts in=%s out=%s", res.AmountIn, res.AmountOut)
	}
	if h.balance(weth, walletA) != res.AmountOut.Int64() || h.balance(dai, walletA) != 0 {
		t.Fatalf("wallet balances do not match result")
	}
	for _, token := range []common.Address{usdc, dai, weth} {
		if got := h.balance(token, dexAddr); got != 0 {
			t.Fatalf("dex retained %d of %s", got, token.Hex())
		}
	}
	if n := len(h.events.Events(events.KindSwap)); n != 1 {
		t.Fatalf("expected one swap event, got %d", n)
	}
}

func TestSwapRejectsBrokenRoute(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(10))
	_, err := h.wallet.Swap(h.ctx, owner, []lego.SwapInstruction{
		{LegoID: idDex, TokenPath: []common.Address{usdc, dai}, PoolPath: []common.Address{poolUD}},
		{LegoID: idDex, TokenPath: []common.Address{usdc, weth}, PoolPath: []common.Address{poolDW}},
	})
	if !stdErrors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("expected invalid instruction, got %v", err)
	}
	if _, err := h.wallet.Swap(h.ctx, owner, nil); !stdErrors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("expected invalid instruction for empty route, got %v", err)
	}
}

func TestLiquidityRoundTrip(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(1_000))
	h.ledger.Mint(dai, walletA, amt(1_000))

	added, err := h.wallet.AddLiquidity(h.ctx, agent, idDex, poolUD, usdc, dai, amt(400), amt(400), nil, nil)
	mustNoErr(t, err)
	if added.LpToken != poolUD || added.LiquidityAdded.Int64() != 400 {
		t.Fatalf("unexpected add result: %+v", added)
	}
	if h.balance(usdc, dexAddr) != 0 || h.balance(dai, dexAddr) != 0 {
		t.Fatalf("dex retained tokens")
	}

	removed, err := h.wallet.RemoveLiquidity(h.ctx, agent, idDex, poolUD, usdc, dai, common.Address{}, nil, nil, nil)
	mustNoErr(t, err)
	if !removed.Depleted || removed.AmountA.Int64() != 400 || removed.AmountB.Int64() != 400 {
		t.Fatalf("unexpected remove result: %+v", removed)
	}
	if h.balance(usdc, walletA) != 1_000 || h.balance(dai, walletA) != 1_000 {
		t.Fatalf("liquidity round trip lost funds")
	}
	if len(h.events.Events(events.KindLiquidityAdded)) != 1 || len(h.events.Events(events.KindLiquidityRemoved)) != 1 {
		t.Fatalf("expected one liquidity event of each kind")
	}
}

func TestTransferRecipientRules(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(100))
	cfg := h.wallet.Config()

	if _, err := h.wallet.TransferFunds(h.ctx, owner, agent, amt(10), usdc); !stdErrors.Is(err, ErrRecipientNotAllowed) {
		t.Fatalf("expected recipient not allowed, got %v", err)
	}

	mustNoErr(t, cfg.AddWhitelistAddr(h.ctx, owner, stranger))
	if err := cfg.ConfirmWhitelistAddr(h.ctx, owner, stranger); !stdErrors.Is(err, ErrTimelockNotElapsed) {
		t.Fatalf("expected timelock, got %v", err)
	}
	h.clock.Advance(100)
	mustNoErr(t, cfg.ConfirmWhitelistAddr(h.ctx, owner, stranger))

	res, err := h.wallet.TransferFunds(h.ctx, agent, stranger, amt(30), usdc)
	mustNoErr(t, err)
	if res.Amount.Int64() != 30 || h.balance(usdc, stranger) != 30 {
		t.Fatalf("transfer did not land: %+v", res)
	}

	// explicit requests are capped at the balance
	res, err = h.wallet.TransferFunds(h.ctx, owner, owner, amt(1_000), usdc)
	mustNoErr(t, err)
	if res.Amount.Int64() != 70 {
		t.Fatalf("expected capped amount 70, got %s", res.Amount)
	}
}

func TestTransferNativeEth(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(native, walletA, amt(77))
	res, err := h.wallet.TransferFunds(h.ctx, owner, owner, nil, common.Address{})
	mustNoErr(t, err)
	if res.Amount.Int64() != 77 || h.balance(native, owner) != 77 {
		t.Fatalf("native transfer failed: %+v", res)
	}
}

func TestAgentSpendLimit(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(usdc, walletA, amt(1_000))
	mustNoErr(t, h.wallet.Config().SetSpendLimit(h.ctx, owner, agent, usdc, SpendLimit{Amount: amt(100), Period: 50}))

	// 1000 is the start of a window
	_, err := h.wallet.TransferFunds(h.ctx, agent, owner, amt(60), usdc)
	mustNoErr(t, err)
	if _, err := h.wallet.TransferFunds(h.ctx, agent, owner, amt(50), usdc); !stdErrors.Is(err, ErrSpendLimitExceeded) {
		t.Fatalf("expected spend limit, got %v", err)
	}
	// owner is not limited
	_, err = h.wallet.TransferFunds(h.ctx, owner, owner, amt(500), usdc)
	mustNoErr(t, err)

	h.clock.Advance(50)
	_, err = h.wallet.TransferFunds(h.ctx, agent, owner, amt(100), usdc)
	mustNoErr(t, err)
	if got := h.balance(usdc, owner); got != 660 {
		t.Fatalf("owner received %d, want 660", got)
	}
}

func TestConversions(t *testing.T) {
	h := newHarness(t, setup{})

	if _, err := h.wallet.ConvertEthToWeth(h.ctx, agent, nil, nil, 0, common.Address{}); !stdErrors.Is(err, ErrNothingToConvert) {
		t.Fatalf("expected nothing to convert, got %v", err)
	}

	h.ledger.Mint(native, walletA, amt(100))
	h.ledger.Mint(native, agent, amt(20))
	res, err := h.wallet.ConvertEthToWeth(h.ctx, agent, nil, amt(20), idA, vtWeth)
	mustNoErr(t, err)
	if res.Amount.Int64() != 120 || res.VaultToken != vtWeth || res.VaultTokens.Int64() != 120 {
		t.Fatalf("unexpected conversion result: %+v", res)
	}
	if h.balance(native, walletA) != 0 || h.balance(vtWeth, walletA) != 120 {
		t.Fatalf("unexpected balances after wrap and deposit")
	}

	if _, err := h.wallet.ConvertWethToEth(h.ctx, agent, nil, agent, idA, vtWeth); !stdErrors.Is(err, ErrRecipientNotAllowed) {
		t.Fatalf("expected recipient not allowed, got %v", err)
	}

	res, err = h.wallet.ConvertWethToEth(h.ctx, agent, amt(20), owner, idA, vtWeth)
	mustNoErr(t, err)
	if res.Amount.Int64() != 20 || h.balance(native, owner) != 20 {
		t.Fatalf("unexpected unwrap result: %+v", res)
	}
	if h.balance(vtWeth, walletA) != 100 {
		t.Fatalf("expected 100 vault tokens left, got %d", h.balance(vtWeth, walletA))
	}
	if len(h.events.Events(events.KindEthToWeth)) != 1 || len(h.events.Events(events.KindWethToEth)) != 1 {
		t.Fatalf("missing conversion events")
	}
}

func TestLeftoverBalanceIsDetected(t *testing.T) {
	alerts := &alerting.Recorder{}
	h := newHarness(t, setup{
		vaultA: []vault.Option{vault.Rebasing(5)},
		opts:   []Option{WithAlertDispatcher(alerts)},
	})
	h.ledger.Mint(usdc, walletA, amt(100))

	_, err := h.wallet.Deposit(h.ctx, owner, idA, usdc, vtA, nil)
	if !stdErrors.Is(err, ErrLeftoverBalance) {
		t.Fatalf("expected leftover balance, got %v", err)
	}
	if h.balance(usdc, walletA) != 100 || h.balance(usdc, legoAddrA) != 0 {
		t.Fatalf("failed deposit was not rolled back")
	}
	if len(alerts.Events) != 1 || alerts.Events[0].Code != xerrors.CodeLeftoverBalance || alerts.Events[0].LegoID != idA {
		t.Fatalf("expected one leftover alert, got %+v", alerts.Events)
	}
	if len(h.events.Events()) != 0 {
		t.Fatalf("events published for a failed call")
	}
}

func TestLeftoverWithinTolerance(t *testing.T) {
	h := newHarness(t, setup{vaultA: []vault.Option{vault.Rebasing(2)}})
	h.ledger.Mint(usdc, walletA, amt(100))

	res, err := h.wallet.Deposit(h.ctx, owner, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	if res.AssetAmountDeposited.Int64() != 100 || res.VaultTokenAmountReceived.Int64() != 98 {
		t.Fatalf("unexpected deposit: %+v", res)
	}
}

// reentrantLego calls back into the wallet from inside a deposit.
type reentrantLego struct {
	lego.Base
	lego.Unsupported
	wallet *Wallet
}

func (r *reentrantLego) Deposit(ctx context.Context, req lego.DepositRequest) (lego.DepositResult, error) {
	_, err := r.wallet.TransferFunds(ctx, owner, owner, amt(1), req.Asset)
	return lego.DepositResult{}, err
}

func TestReentrantCallIsRejected(t *testing.T) {
	evil := &reentrantLego{Base: lego.NewBase(common.HexToAddress("0x1004"), lego.CategoryYieldOpportunity)}
	h := newHarness(t, setup{extra: []lego.Adapter{evil}})
	evil.wallet = h.wallet
	h.ledger.Mint(usdc, walletA, amt(10))

	_, err := h.wallet.Deposit(h.ctx, owner, 4, usdc, common.Address{}, nil)
	if !stdErrors.Is(err, ErrReentrantCall) {
		t.Fatalf("expected reentrant call, got %v", err)
	}
	if h.balance(usdc, walletA) != 10 || h.balance(usdc, owner) != 0 {
		t.Fatalf("reentrant call leaked state")
	}

	// the guard is released afterwards
	_, err = h.wallet.TransferFunds(h.ctx, owner, owner, amt(1), usdc)
	mustNoErr(t, err)
}

type fixedPricer struct{ price decimal.Decimal }

func (p fixedPricer) UsdValue(_ context.Context, _ common.Address, amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Mul(p.price)
}

func TestEventsCarryUsdValue(t *testing.T) {
	h := newHarness(t, setup{opts: []Option{WithPricer(fixedPricer{price: decimal.RequireFromString("0.5")})}})
	h.ledger.Mint(usdc, walletA, amt(10))
	_, err := h.wallet.TransferFunds(h.ctx, owner, owner, nil, usdc)
	mustNoErr(t, err)
	ev, ok := h.events.Last(events.KindFundsTransferred)
	if !ok {
		t.Fatalf("missing transfer event")
	}
	if !ev.UsdValue.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected usd value 5, got %s", ev.UsdValue)
	}
	if ev.IsSignerAgent {
		t.Fatalf("owner transfer flagged as agent")
	}
}

func TestGetAvailableTxAmount(t *testing.T) {
	h := newHarness(t, setup{})
	h.ledger.Mint(dai, walletA, amt(40))
	cases := []struct {
		name   string
		amount *big.Int
		want   int64
	}{
		{"nil means max", nil, 40},
		{"max sentinel", chain.MaxAmount, 40},
		{"below balance", amt(15), 15},
		{"above balance", amt(90), 40},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := h.wallet.GetAvailableTxAmount(dai, tc.amount, true).Int64(); got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}
