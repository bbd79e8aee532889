package wallet

import (
	stdErrors "errors"
	"math/big"
	"strings"
	"testing"

	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/lego/vault"

	"github.com/ethereum/go-ethereum/common"
)

func TestTrialFundsScenario(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet

	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	if _, err := w.TransferFunds(h.ctx, owner, owner, amt(5), usdc); !stdErrors.Is(err, ErrNoFundsAvailable) {
		t.Fatalf("expected no funds available while deployed, got %v", err)
	}

	_, err = w.Withdraw(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	_, err = w.Deposit(h.ctx, agent, idA, usdc, vtA, amt(5))
	mustNoErr(t, err)

	h.ledger.Mint(usdc, walletA, amt(10))

	if got := w.GetAvailableTxAmount(usdc, maxWant, true).Int64(); got != 10 {
		t.Fatalf("expected 10 transferable, got %d", got)
	}
	if got := w.GetAvailableTxAmount(usdc, maxWant, false).Int64(); got != 15 {
		t.Fatalf("expected 15 without exclusion, got %d", got)
	}

	res, err := w.TransferFunds(h.ctx, owner, owner, nil, usdc)
	mustNoErr(t, err)
	if res.Amount.Int64() != 10 {
		t.Fatalf("expected transfer of the external 10, got %s", res.Amount)
	}
	if _, err := w.TransferFunds(h.ctx, owner, owner, nil, usdc); !stdErrors.Is(err, ErrTrialFundsRestricted) {
		t.Fatalf("expected trial funds restricted, got %v", err)
	}
}

func TestTrialExposureBound(t *testing.T) {
	h := newHarness(t, setup{trial: 100})
	w := h.wallet
	steps := []func() error{
		func() error { _, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, amt(60)); return err },
		func() error { _, err := w.Rebalance(h.ctx, agent, idA, usdc, vtA, idB, vtB, amt(30)); return err },
		func() error { _, err := w.Withdraw(h.ctx, agent, idB, usdc, vtB, amt(10)); return err },
		func() error { _, err := w.Deposit(h.ctx, agent, idB, usdc, vtB, nil); return err },
	}
	for i, step := range steps {
		mustNoErr(t, step())
		exposure := w.exposure(usdc)
		outstanding := w.TrialFunds().Amount
		free := new(big.Int).Sub(exposure, outstanding)
		if got := w.GetAvailableTxAmount(usdc, maxWant, true); got.Cmp(free) > 0 {
			t.Fatalf("step %d: available %s exceeds free exposure %s", i, got, free)
		}
	}
}

func TestTrialVaultTokenRestriction(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	h.ledger.Mint(usdc, walletA, amt(5))

	_, err := w.Deposit(h.ctx, owner, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	if h.balance(vtA, walletA) != 15 {
		t.Fatalf("expected 15 shares, got %d", h.balance(vtA, walletA))
	}

	_, err = w.TransferFunds(h.ctx, owner, owner, amt(5), vtA)
	mustNoErr(t, err)

	_, err = w.TransferFunds(h.ctx, owner, owner, amt(1), vtA)
	if err == nil || !strings.Contains(err.Error(), "cannot transfer trial funds vault token") {
		t.Fatalf("expected trial vault token error, got %v", err)
	}
	if _, err := w.TransferFunds(h.ctx, owner, owner, nil, vtA); !stdErrors.Is(err, ErrTrialVaultToken) {
		t.Fatalf("expected trial vault token error for max request, got %v", err)
	}

	_, err = w.Withdraw(h.ctx, owner, idA, usdc, vtA, amt(5))
	mustNoErr(t, err)
	if _, err := w.TransferFunds(h.ctx, owner, owner, nil, usdc); !stdErrors.Is(err, ErrTrialFundsRestricted) {
		t.Fatalf("expected trial funds restricted, got %v", err)
	}
}

func TestTrialFundsBlockSwapOut(t *testing.T) {
	h := newHarness(t, setup{trial: 100})
	h.seedPool(poolUD, usdc, dai, 1_000_000, 1_000_000)
	_, err := h.wallet.Swap(h.ctx, agent, []lego.SwapInstruction{
		{LegoID: idDex, TokenPath: []common.Address{usdc, dai}, PoolPath: []common.Address{poolUD}},
	})
	if !stdErrors.Is(err, ErrTrialFundsRestricted) {
		t.Fatalf("expected trial funds restricted, got %v", err)
	}
	if h.balance(usdc, walletA) != 100 {
		t.Fatalf("swap was not rolled back")
	}
}

func TestTrialFundsShrinkOnRoundingLoss(t *testing.T) {
	h := newHarness(t, setup{trial: 10, vaultA: []vault.Option{vault.Rebasing(1)}})
	_, err := h.wallet.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	if got := h.wallet.TrialFunds().Amount.Int64(); got != 9 {
		t.Fatalf("expected trial record shrunk to 9, got %d", got)
	}
	ev, ok := h.events.Last(events.KindTrialFundsShrunk)
	if !ok || ev.Amount("prev_amount").Int64() != 10 || ev.Amount("amount").Int64() != 9 {
		t.Fatalf("missing or wrong shrink event: %+v", ev)
	}
}

func TestRecoverTrialFunds(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	positions := []TrialPosition{{LegoID: idA, VaultToken: vtA}}

	if _, err := w.RecoverTrialFunds(h.ctx, owner, positions); !stdErrors.Is(err, ErrNoPerms) {
		t.Fatalf("expected no perms for owner, got %v", err)
	}

	res, err := w.RecoverTrialFunds(h.ctx, factory, positions)
	mustNoErr(t, err)
	if !res.Cleared || res.Recovered.Int64() != 10 {
		t.Fatalf("unexpected recovery: %+v", res)
	}
	if h.balance(usdc, factory) != 10 || w.TrialFunds().Active() {
		t.Fatalf("funds not returned to factory")
	}
	if (w.TrialFunds().Asset != common.Address{}) {
		t.Fatalf("trial asset not reset")
	}
	if _, err := w.RecoverTrialFunds(h.ctx, factory, positions); !stdErrors.Is(err, ErrNoTrialFunds) {
		t.Fatalf("expected no trial funds, got %v", err)
	}
}

func TestRecoverTrialFundsIdempotent(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	h.ledger.Mint(usdc, walletA, amt(4))

	first, err := w.RecoverTrialFunds(h.ctx, factory, nil)
	mustNoErr(t, err)
	if first.Cleared || first.Recovered.Int64() != 4 || first.Remaining.Int64() != 6 {
		t.Fatalf("unexpected partial recovery: %+v", first)
	}

	second, err := w.RecoverTrialFunds(h.ctx, factory, []TrialPosition{{LegoID: idA, VaultToken: vtA}})
	mustNoErr(t, err)
	if !second.Cleared || second.Recovered.Int64() != 6 {
		t.Fatalf("unexpected final recovery: %+v", second)
	}
	if got := h.balance(usdc, factory); got != 10 {
		t.Fatalf("factory recovered %d, want exactly 10", got)
	}
	if got := h.balance(usdc, walletA); got != 4 {
		t.Fatalf("wallet should keep the surplus 4, has %d", got)
	}
}

func TestRecoverRejectsForeignPosition(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	_, err := h.wallet.RecoverTrialFunds(h.ctx, factory, []TrialPosition{{LegoID: idA, VaultToken: vtWeth}})
	if !stdErrors.Is(err, ErrInvalidInstruction) {
		t.Fatalf("expected invalid position, got %v", err)
	}
	if !h.wallet.TrialFunds().Active() {
		t.Fatalf("record cleared by a failed recovery")
	}
}

func TestTrialTransferRejectsOverRequest(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	h.ledger.Mint(usdc, walletA, amt(5))

	if _, err := w.TransferFunds(h.ctx, owner, owner, amt(8), usdc); !stdErrors.Is(err, ErrTrialFundsRestricted) {
		t.Fatalf("expected trial funds restricted, got %v", err)
	}
	if h.balance(usdc, owner) != 0 || h.balance(usdc, walletA) != 15 {
		t.Fatalf("rejected transfer moved funds")
	}

	res, err := w.TransferFunds(h.ctx, owner, owner, amt(5), usdc)
	mustNoErr(t, err)
	if res.Amount.Int64() != 5 || h.balance(usdc, walletA) != 10 {
		t.Fatalf("unexpected transfer %+v", res)
	}
}

func TestTrialRecordSurvivesPendingLegoRemoval(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	mustNoErr(t, h.registry.DisableLego(h.ctx, governor, idA))
	h.ledger.Mint(usdc, walletA, amt(1))
	_, err = w.Deposit(h.ctx, agent, idB, usdc, vtB, amt(1))
	mustNoErr(t, err)
	if got := w.TrialFunds().Amount.Int64(); got != 10 {
		t.Fatalf("trial record shrunk to %d while lego was pending removal", got)
	}
	if _, err := w.TransferFunds(h.ctx, owner, owner, amt(10), vtA); !stdErrors.Is(err, ErrTrialVaultToken) {
		t.Fatalf("expected trial vault token error during pending removal, got %v", err)
	}

	mustNoErr(t, h.registry.CancelPendingLegoDisable(h.ctx, governor, idA))
	if _, err := w.TransferFunds(h.ctx, owner, owner, amt(10), vtA); !stdErrors.Is(err, ErrTrialVaultToken) {
		t.Fatalf("expected trial vault token error after cancel, got %v", err)
	}
	if h.balance(vtA, walletA) != 10 {
		t.Fatalf("trial backed shares left the wallet")
	}
}

func TestTrialRecordIgnoresUncountedPositions(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	mustNoErr(t, h.registry.DisableLego(h.ctx, governor, idA))
	h.clock.Advance(lego.DefaultChangeDelay)
	mustNoErr(t, h.registry.ConfirmLegoDisable(h.ctx, governor, idA))

	h.ledger.Mint(usdc, walletA, amt(1))
	_, err = w.Deposit(h.ctx, agent, idB, usdc, vtB, amt(1))
	mustNoErr(t, err)
	if got := w.TrialFunds().Amount.Int64(); got != 10 {
		t.Fatalf("lossless deposit shrank trial record to %d", got)
	}
	if _, ok := h.events.Last(events.KindTrialFundsShrunk); ok {
		t.Fatalf("unexpected shrink event")
	}
}

func TestAvailableVaultTokenExcludesTrial(t *testing.T) {
	h := newHarness(t, setup{trial: 10})
	w := h.wallet
	_, err := w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)

	if got := w.GetAvailableTxAmount(vtA, maxWant, true).Int64(); got != 0 {
		t.Fatalf("expected no transferable trial shares, got %d", got)
	}
	if got := w.GetAvailableTxAmount(vtA, maxWant, false).Int64(); got != 10 {
		t.Fatalf("expected 10 shares without exclusion, got %d", got)
	}

	h.ledger.Mint(usdc, walletA, amt(4))
	_, err = w.Deposit(h.ctx, agent, idA, usdc, vtA, nil)
	mustNoErr(t, err)
	if got := w.GetAvailableTxAmount(vtA, maxWant, true).Int64(); got != 4 {
		t.Fatalf("expected 4 free shares, got %d", got)
	}
	if got := w.GetAvailableTxAmount(vtA, amt(2), true).Int64(); got != 2 {
		t.Fatalf("expected explicit amount below free shares, got %d", got)
	}
	res, err := w.TransferFunds(h.ctx, owner, owner, w.GetAvailableTxAmount(vtA, maxWant, true), vtA)
	mustNoErr(t, err)
	if res.Amount.Int64() != 4 {
		t.Fatalf("unexpected transfer %+v", res)
	}
}
