package wallet

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// TrialFunds 是工厂借给钱包、尚未收回的试用资金。
type TrialFunds struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// Active 表示仍有未收回的试用资金。
func (t TrialFunds) Active() bool {
	return t.Amount != nil && t.Amount.Sign() > 0
}

// TrialPosition 指向一个可能存放试用资产的 Lego 仓位。
type TrialPosition struct {
	LegoID     uint64         `json:"lego_id"`
	VaultToken common.Address `json:"vault_token"`
}

// RecoveryResult 汇总一次回收。
type RecoveryResult struct {
	Asset     common.Address `json:"asset"`
	Recovered *big.Int       `json:"recovered"`
	Remaining *big.Int       `json:"remaining"`
	Cleared   bool           `json:"cleared"`
}

// TrialFunds 返回当前试用资金记录的副本。
func (w *Wallet) TrialFunds() TrialFunds {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return TrialFunds{Asset: w.trial.Asset, Amount: chain.Amount(w.trial.Amount)}
}

// setTrial 替换试用资金记录，所在调用失败时回滚。
func (w *Wallet) setTrial(next TrialFunds) {
	w.mu.Lock()
	prev := w.trial
	w.trial = TrialFunds{Asset: next.Asset, Amount: chain.Amount(next.Amount)}
	w.mu.Unlock()
	w.ledger.Journal(func() {
		w.mu.Lock()
		w.trial = prev
		w.mu.Unlock()
	})
}

// exposure 是钱包对 asset 的总敞口：直接余额加上各 Lego 仓位折算的底层数量。
func (w *Wallet) exposure(asset common.Address) *big.Int {
	direct := w.ledger.BalanceOf(asset, w.addr)
	return direct.Add(direct, w.registry.GetUnderlyingForUser(w.addr, asset))
}

func (w *Wallet) trialExposure() *big.Int {
	trial := w.TrialFunds()
	if !trial.Active() {
		return nil
	}
	return w.exposure(trial.Asset)
}

// transferableVaultTokens 返回 vaultToken 中不承载试用资金、可以转出的份额。
// 第二个返回值表示该 vault token 是否受试用资金限制。
func (w *Wallet) transferableVaultTokens(vaultToken common.Address) (*big.Int, bool) {
	trial := w.TrialFunds()
	shares := w.ledger.BalanceOf(vaultToken, w.addr)
	if !trial.Active() {
		return shares, false
	}
	asset, underlying, ok := w.registry.UnderlyingOf(vaultToken, shares)
	if !ok || asset != trial.Asset {
		return shares, false
	}
	if underlying.Sign() == 0 {
		return shares, true
	}
	free := chain.SubFloor(w.exposure(asset), trial.Amount)
	if free.Cmp(underlying) >= 0 {
		return shares, true
	}
	return chain.MulDiv(shares, free, underlying), true
}

// settleTrial 在操作结束后核对试用资金敞口。strict 操作不得把敞口压到未收回金额以下；
// 其余操作允许 venue 的舍入损耗，记录只按本次操作造成的损耗收缩，且不低于实际敞口。
func (w *Wallet) settleTrial(tx *txn, strict bool) error {
	trial := w.TrialFunds()
	if !trial.Active() || tx.trialBefore == nil {
		return nil
	}
	after := w.exposure(trial.Asset)
	if after.Cmp(trial.Amount) >= 0 {
		return nil
	}
	if strict {
		if after.Cmp(tx.trialBefore) < 0 {
			return xerrors.Wrap(xerrors.CodeTrialFundsRestricted, ErrTrialFundsRestricted, "operation would move trial funds",
				xerrors.WithMetadata("asset", trial.Asset.Hex()),
				xerrors.WithMetadata("outstanding", trial.Amount.String()),
				xerrors.WithMetadata("exposure", after.String()))
		}
		return nil
	}
	if after.Cmp(tx.trialBefore) >= 0 {
		return nil
	}
	next := chain.SubFloor(trial.Amount, new(big.Int).Sub(tx.trialBefore, after))
	if next.Cmp(after) < 0 {
		next = after
	}
	w.setTrial(TrialFunds{Asset: trial.Asset, Amount: next})
	ev := w.newEvent(tx, events.KindTrialFundsShrunk)
	ev.With("asset", trial.Asset).With("prev_amount", trial.Amount).With("amount", next)
	return nil
}

// RecoverTrialFunds 由工厂调用：赎回 positions 中的全部份额，把试用资产
// （以未收回金额为上限）转回工厂；足额时清空记录，否则按实际收回金额扣减。
func (w *Wallet) RecoverTrialFunds(ctx context.Context, caller common.Address, positions []TrialPosition) (RecoveryResult, error) {
	var out RecoveryResult
	err := w.execute(ctx, "recover_trial_funds", caller, func(ctx context.Context, tx *txn) error {
		if caller != w.factory || caller == (common.Address{}) {
			return ErrNoPerms
		}
		trial := w.TrialFunds()
		if !trial.Active() {
			return ErrNoTrialFunds
		}
		for _, pos := range positions {
			if err := w.recoverPosition(ctx, tx, trial.Asset, pos); err != nil {
				return err
			}
		}

		sweep := chain.Min(w.ledger.BalanceOf(trial.Asset, w.addr), trial.Amount)
		if sweep.Sign() > 0 {
			if err := w.ledger.Transfer(trial.Asset, w.addr, w.factory, sweep); err != nil {
				return err
			}
		}
		remaining := new(big.Int).Sub(trial.Amount, sweep)
		cleared := remaining.Sign() == 0
		if cleared {
			w.setTrial(TrialFunds{Amount: new(big.Int)})
		} else {
			w.setTrial(TrialFunds{Asset: trial.Asset, Amount: remaining})
		}

		ev := w.newEvent(tx, events.KindTrialFundsRecovered)
		ev.With("asset", trial.Asset).With("amount", sweep).With("remaining", remaining).With("cleared", cleared)
		ev.UsdValue = w.pricer.UsdValue(ctx, trial.Asset, sweep)

		out = RecoveryResult{Asset: trial.Asset, Recovered: sweep, Remaining: remaining, Cleared: cleared}
		return nil
	})
	if err != nil {
		return RecoveryResult{}, err
	}
	w.logger.Info("试用资金已回收",
		logger.Address("wallet", w.addr),
		logger.Amount("recovered", out.Recovered),
		slog.Bool("cleared", out.Cleared),
	)
	return out, nil
}

func (w *Wallet) recoverPosition(ctx context.Context, tx *txn, asset common.Address, pos TrialPosition) error {
	adapter, err := w.adapter(tx, pos.LegoID)
	if err != nil {
		return err
	}
	if underlying, ok := adapter.UnderlyingAsset(pos.VaultToken); !ok || underlying != asset {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidInstruction, "position does not hold the trial asset",
			xerrors.WithMetadata("vault_token", pos.VaultToken.Hex()))
	}
	shares := w.ledger.BalanceOf(pos.VaultToken, w.addr)
	if shares.Sign() == 0 {
		return nil
	}
	_, err = w.withdrawFrom(ctx, tx, adapter, asset, pos.VaultToken, shares)
	return err
}
