package wallet

import (
	"context"
	"math/big"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DepositResult is what a deposit actually moved, measured from balances.
type DepositResult struct {
	AssetAmountDeposited     *big.Int        `json:"asset_amount_deposited"`
	VaultToken               common.Address  `json:"vault_token"`
	VaultTokenAmountReceived *big.Int        `json:"vault_token_amount_received"`
	UsdValue                 decimal.Decimal `json:"usd_value"`
}

// WithdrawResult is what a withdrawal actually moved.
type WithdrawResult struct {
	AssetAmountReceived    *big.Int        `json:"asset_amount_received"`
	VaultTokenAmountBurned *big.Int        `json:"vault_token_amount_burned"`
	UsdValue               decimal.Decimal `json:"usd_value"`
}

// SwapResult covers the first input and the last output of a swap route.
type SwapResult struct {
	TokenIn   common.Address  `json:"token_in"`
	TokenOut  common.Address  `json:"token_out"`
	AmountIn  *big.Int        `json:"amount_in"`
	AmountOut *big.Int        `json:"amount_out"`
	UsdValue  decimal.Decimal `json:"usd_value"`
}

// AddLiquidityResult reports a liquidity deposit.
type AddLiquidityResult struct {
	LpToken        common.Address  `json:"lp_token"`
	LiquidityAdded *big.Int        `json:"liquidity_added"`
	AmountA        *big.Int        `json:"amount_a"`
	AmountB        *big.Int        `json:"amount_b"`
	NftTokenID     *big.Int        `json:"nft_token_id"`
	UsdValue       decimal.Decimal `json:"usd_value"`
}

// RemoveLiquidityResult reports a liquidity withdrawal.
type RemoveLiquidityResult struct {
	AmountA          *big.Int        `json:"amount_a"`
	AmountB          *big.Int        `json:"amount_b"`
	LiquidityRemoved *big.Int        `json:"liquidity_removed"`
	Depleted         bool            `json:"depleted"`
	UsdValue         decimal.Decimal `json:"usd_value"`
}

// TransferResult reports a transfer out of the wallet.
type TransferResult struct {
	Asset    common.Address  `json:"asset"`
	Amount   *big.Int        `json:"amount"`
	UsdValue decimal.Decimal `json:"usd_value"`
}

// ConversionResult reports an ETH/WETH conversion, and the deposit or
// withdrawal that accompanied it.
type ConversionResult struct {
	Amount      *big.Int        `json:"amount"`
	VaultToken  common.Address  `json:"vault_token,omitempty"`
	VaultTokens *big.Int        `json:"vault_tokens,omitempty"`
	UsdValue    decimal.Decimal `json:"usd_value"`
}

// Deposit moves amount of asset into vault through legoID.
func (w *Wallet) Deposit(ctx context.Context, signer common.Address, legoID uint64, asset, vault common.Address, amount *big.Int) (DepositResult, error) {
	var out DepositResult
	err := w.execute(ctx, "deposit", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionDeposit, []common.Address{asset}, []uint64{legoID}); err != nil {
			return err
		}
		amt := w.available(asset, amount, false)
		if amt.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		adapter, err := w.adapter(tx, legoID)
		if err != nil {
			return err
		}
		res, err := w.depositInto(ctx, tx, adapter, asset, vault, amt)
		if err != nil {
			return err
		}
		out = res
		return w.settleTrial(tx, false)
	})
	return out, err
}

// Withdraw redeems amount of vaultToken through legoID. A zero asset is
// resolved from the vault token.
func (w *Wallet) Withdraw(ctx context.Context, signer common.Address, legoID uint64, asset, vaultToken common.Address, amount *big.Int) (WithdrawResult, error) {
	var out WithdrawResult
	err := w.execute(ctx, "withdrawal", signer, func(ctx context.Context, tx *txn) error {
		if asset == (common.Address{}) {
			resolved, ok := w.registry.GetUnderlyingAsset(vaultToken)
			if !ok {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidAddress, "unknown vault token")
			}
			asset = resolved
		}
		if err := w.authorize(tx, ActionWithdrawal, []common.Address{asset}, []uint64{legoID}); err != nil {
			return err
		}
		amt := w.available(vaultToken, amount, false)
		if amt.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		adapter, err := w.adapter(tx, legoID)
		if err != nil {
			return err
		}
		res, err := w.withdrawFrom(ctx, tx, adapter, asset, vaultToken, amt)
		if err != nil {
			return err
		}
		out = res
		return w.settleTrial(tx, false)
	})
	return out, err
}

// Rebalance withdraws from one Lego and deposits the proceeds into another
// as one call.
func (w *Wallet) Rebalance(ctx context.Context, signer common.Address, fromLegoID uint64, fromAsset, fromVaultToken common.Address, toLegoID uint64, toVault common.Address, fromVaultTokenAmount *big.Int) (DepositResult, error) {
	var out DepositResult
	err := w.execute(ctx, "rebalance", signer, func(ctx context.Context, tx *txn) error {
		if fromAsset == (common.Address{}) {
			resolved, ok := w.registry.GetUnderlyingAsset(fromVaultToken)
			if !ok {
				return xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidAddress, "unknown vault token")
			}
			fromAsset = resolved
		}
		if err := w.authorize(tx, ActionRebalance, []common.Address{fromAsset}, []uint64{fromLegoID, toLegoID}); err != nil {
			return err
		}
		amt := w.available(fromVaultToken, fromVaultTokenAmount, false)
		if amt.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		from, err := w.adapter(tx, fromLegoID)
		if err != nil {
			return err
		}
		to, err := w.registry.Adapter(toLegoID)
		if err != nil {
			return err
		}
		withdrawn, err := w.withdrawFrom(ctx, tx, from, fromAsset, fromVaultToken, amt)
		if err != nil {
			return err
		}
		tx.legoID = toLegoID
		res, err := w.depositInto(ctx, tx, to, fromAsset, toVault, withdrawn.AssetAmountReceived)
		if err != nil {
			return err
		}
		out = res
		return w.settleTrial(tx, false)
	})
	return out, err
}

// Swap chains instructions: each instruction consumes the previous output.
// Only the first AmountIn is honored.
func (w *Wallet) Swap(ctx context.Context, signer common.Address, instructions []lego.SwapInstruction) (SwapResult, error) {
	var out SwapResult
	err := w.execute(ctx, "swap", signer, func(ctx context.Context, tx *txn) error {
		tokenIn, tokenOut, legoIDs, err := validateRoute(instructions)
		if err != nil {
			return err
		}
		if err := w.authorize(tx, ActionSwap, []common.Address{tokenIn, tokenOut}, legoIDs); err != nil {
			return err
		}
		amt := w.available(tokenIn, instructions[0].AmountIn, false)
		if amt.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		adapters := make([]lego.Adapter, len(instructions))
		for i, in := range instructions {
			if adapters[i], err = w.registry.Adapter(in.LegoID); err != nil {
				return err
			}
		}

		start := w.snapshot(w.addr, tokenIn, tokenOut)
		for i, in := range instructions {
			tx.legoID = in.LegoID
			if amt, err = w.swapLeg(ctx, adapters[i], in, amt); err != nil {
				return err
			}
		}

		amountIn := w.spent(start, tokenIn)
		amountOut := w.gained(start, tokenOut)
		if amountOut.Sign() == 0 {
			return adapterFailure(xerrors.New(xerrors.CodeAdapterFailure, "swap returned nothing"), adapters[len(adapters)-1], "swap")
		}
		last := adapters[len(adapters)-1]
		ev := w.newEvent(tx, events.KindSwap)
		w.attachLego(ev, last)
		ev.With("token_in", tokenIn).With("token_out", tokenOut).
			With("amount_in", amountIn).With("amount_out", amountOut).
			With("num_instructions", len(instructions))
		ev.UsdValue = w.pricer.UsdValue(ctx, tokenIn, amountIn)

		out = SwapResult{TokenIn: tokenIn, TokenOut: tokenOut, AmountIn: amountIn, AmountOut: amountOut, UsdValue: ev.UsdValue}
		return w.settleTrial(tx, true)
	})
	return out, err
}

func validateRoute(instructions []lego.SwapInstruction) (common.Address, common.Address, []uint64, error) {
	if len(instructions) == 0 {
		return common.Address{}, common.Address{}, nil, ErrInvalidInstruction
	}
	ids := make([]uint64, 0, len(instructions))
	var prevOut common.Address
	for i, in := range instructions {
		if len(in.TokenPath) < 2 {
			return common.Address{}, common.Address{}, nil, ErrInvalidInstruction
		}
		if i > 0 && in.TokenPath[0] != prevOut {
			return common.Address{}, common.Address{}, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidInstruction, "swap instructions are not chained")
		}
		prevOut = in.TokenPath[len(in.TokenPath)-1]
		ids = append(ids, in.LegoID)
	}
	first := instructions[0].TokenPath[0]
	if first == prevOut {
		return common.Address{}, common.Address{}, nil, ErrInvalidInstruction
	}
	return first, prevOut, ids, nil
}

func (w *Wallet) swapLeg(ctx context.Context, adapter lego.Adapter, in lego.SwapInstruction, amount *big.Int) (*big.Int, error) {
	tokenIn, tokenOut := in.TokenPath[0], in.TokenPath[len(in.TokenPath)-1]
	walletSnap := w.snapshot(w.addr, tokenIn, tokenOut)
	adapterSnap := w.snapshot(adapter.Address(), in.TokenPath...)

	if err := w.ledger.Transfer(tokenIn, w.addr, adapter.Address(), amount); err != nil {
		return nil, err
	}
	if _, err := adapter.Swap(ctx, lego.SwapRequest{
		TokenPath:    in.TokenPath,
		PoolPath:     in.PoolPath,
		AmountIn:     amount,
		MinAmountOut: in.MinAmountOut,
		Recipient:    w.addr,
	}); err != nil {
		return nil, adapterFailure(err, adapter, "swap")
	}
	if err := w.checkLeftovers(adapterSnap, adapter); err != nil {
		return nil, err
	}
	return w.gained(walletSnap, tokenOut), nil
}

// AddLiquidity deposits a token pair into pool through legoID.
func (w *Wallet) AddLiquidity(ctx context.Context, signer common.Address, legoID uint64, pool, tokenA, tokenB common.Address, amountA, amountB, minAmountA, minAmountB *big.Int) (AddLiquidityResult, error) {
	var out AddLiquidityResult
	err := w.execute(ctx, "add_liquidity", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionAddLiquidity, []common.Address{tokenA, tokenB}, []uint64{legoID}); err != nil {
			return err
		}
		amtA := w.available(tokenA, amountA, false)
		amtB := w.available(tokenB, amountB, false)
		if amtA.Sign() == 0 && amtB.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		adapter, err := w.adapter(tx, legoID)
		if err != nil {
			return err
		}

		walletSnap := w.snapshot(w.addr, tokenA, tokenB, pool)
		adapterSnap := w.snapshot(adapter.Address(), tokenA, tokenB, pool)
		if err := w.ledger.Transfer(tokenA, w.addr, adapter.Address(), amtA); err != nil {
			return err
		}
		if err := w.ledger.Transfer(tokenB, w.addr, adapter.Address(), amtB); err != nil {
			return err
		}
		res, err := adapter.AddLiquidity(ctx, lego.AddLiquidityRequest{
			Pool:       pool,
			TokenA:     tokenA,
			TokenB:     tokenB,
			AmountA:    amtA,
			AmountB:    amtB,
			MinAmountA: minAmountA,
			MinAmountB: minAmountB,
			Recipient:  w.addr,
		})
		if err != nil {
			return adapterFailure(err, adapter, "add liquidity")
		}
		if err := w.checkLeftovers(adapterSnap, adapter); err != nil {
			return err
		}

		liquidity := chain.Amount(res.LiquidityAdded)
		if walletSnap.has(res.LpToken) {
			liquidity = w.gained(walletSnap, res.LpToken)
		}
		if liquidity.Sign() == 0 && (res.NftTokenID == nil || res.NftTokenID.Sign() == 0) {
			return adapterFailure(xerrors.New(xerrors.CodeAdapterFailure, "no liquidity received"), adapter, "add liquidity")
		}
		usedA, usedB := w.spent(walletSnap, tokenA), w.spent(walletSnap, tokenB)

		ev := w.newEvent(tx, events.KindLiquidityAdded)
		w.attachLego(ev, adapter)
		ev.With("pool", pool).With("token_a", tokenA).With("token_b", tokenB).
			With("amount_a", usedA).With("amount_b", usedB).
			With("lp_token", res.LpToken).With("liquidity", liquidity).
			With("nft_token_id", res.NftTokenID)
		ev.UsdValue = w.pricer.UsdValue(ctx, tokenA, usedA).Add(w.pricer.UsdValue(ctx, tokenB, usedB))

		out = AddLiquidityResult{
			LpToken:        res.LpToken,
			LiquidityAdded: liquidity,
			AmountA:        usedA,
			AmountB:        usedB,
			NftTokenID:     chain.Amount(res.NftTokenID),
			UsdValue:       ev.UsdValue,
		}
		return w.settleTrial(tx, true)
	})
	return out, err
}

// RemoveLiquidity burns liquidity of lpToken (the pool itself when zero).
func (w *Wallet) RemoveLiquidity(ctx context.Context, signer common.Address, legoID uint64, pool, tokenA, tokenB, lpToken common.Address, liquidity, minAmountA, minAmountB *big.Int) (RemoveLiquidityResult, error) {
	var out RemoveLiquidityResult
	err := w.execute(ctx, "remove_liquidity", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionRemoveLiquidity, []common.Address{tokenA, tokenB}, []uint64{legoID}); err != nil {
			return err
		}
		if lpToken == (common.Address{}) {
			lpToken = pool
		}
		amt := w.available(lpToken, liquidity, false)
		if amt.Sign() == 0 {
			return ErrNoFundsAvailable
		}
		adapter, err := w.adapter(tx, legoID)
		if err != nil {
			return err
		}

		walletSnap := w.snapshot(w.addr, tokenA, tokenB, lpToken)
		adapterSnap := w.snapshot(adapter.Address(), tokenA, tokenB, lpToken)
		if err := w.ledger.Transfer(lpToken, w.addr, adapter.Address(), amt); err != nil {
			return err
		}
		res, err := adapter.RemoveLiquidity(ctx, lego.RemoveLiquidityRequest{
			Pool:       pool,
			TokenA:     tokenA,
			TokenB:     tokenB,
			LpToken:    lpToken,
			Liquidity:  amt,
			MinAmountA: minAmountA,
			MinAmountB: minAmountB,
			Recipient:  w.addr,
		})
		if err != nil {
			return adapterFailure(err, adapter, "remove liquidity")
		}
		if err := w.checkLeftovers(adapterSnap, adapter); err != nil {
			return err
		}

		gotA, gotB := w.gained(walletSnap, tokenA), w.gained(walletSnap, tokenB)
		removed := w.spent(walletSnap, lpToken)
		ev := w.newEvent(tx, events.KindLiquidityRemoved)
		w.attachLego(ev, adapter)
		ev.With("pool", pool).With("token_a", tokenA).With("token_b", tokenB).
			With("amount_a", gotA).With("amount_b", gotB).
			With("lp_token", lpToken).With("liquidity", removed).With("depleted", res.Depleted)
		ev.UsdValue = w.pricer.UsdValue(ctx, tokenA, gotA).Add(w.pricer.UsdValue(ctx, tokenB, gotB))

		out = RemoveLiquidityResult{AmountA: gotA, AmountB: gotB, LiquidityRemoved: removed, Depleted: res.Depleted, UsdValue: ev.UsdValue}
		return w.settleTrial(tx, false)
	})
	return out, err
}

// TransferFunds sends amount of asset to recipient. A zero asset is native
// ETH. Trial funds and the vault tokens backing them cannot leave.
func (w *Wallet) TransferFunds(ctx context.Context, signer, recipient common.Address, amount *big.Int, asset common.Address) (TransferResult, error) {
	var out TransferResult
	err := w.execute(ctx, "transfer", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionTransfer, []common.Address{asset}, nil); err != nil {
			return err
		}
		if !w.cfg.IsRecipientAllowed(recipient) {
			return ErrRecipientNotAllowed
		}
		amt, err := w.transferable(asset, amount)
		if err != nil {
			return err
		}
		if tx.isAgent {
			undo, err := w.cfg.chargeSpend(tx.signer, asset, amt)
			if err != nil {
				return err
			}
			w.ledger.Journal(undo)
		}
		if err := w.ledger.Transfer(asset, w.addr, recipient, amt); err != nil {
			return err
		}

		ev := w.newEvent(tx, events.KindFundsTransferred)
		ev.With("recipient", recipient).With("asset", asset).With("amount", amt)
		ev.UsdValue = w.pricer.UsdValue(ctx, asset, amt)

		out = TransferResult{Asset: asset, Amount: amt, UsdValue: ev.UsdValue}
		return w.settleTrial(tx, true)
	})
	return out, err
}

// transferable resolves a transfer amount, holding back the trial asset and
// the vault-token shares that back it.
func (w *Wallet) transferable(asset common.Address, amount *big.Int) (*big.Int, error) {
	trial := w.TrialFunds()
	if trial.Active() && asset == trial.Asset {
		if w.ledger.BalanceOf(asset, w.addr).Sign() == 0 {
			return nil, ErrNoFundsAvailable
		}
		free := chain.SubFloor(w.exposure(asset), trial.Amount)
		if !chain.IsMax(amount) && amount.Cmp(free) > 0 {
			return nil, xerrors.Wrap(xerrors.CodeTrialFundsRestricted, ErrTrialFundsRestricted, "amount exceeds funds above the trial balance",
				xerrors.WithMetadata("requested", amount.String()),
				xerrors.WithMetadata("free", free.String()))
		}
		amt := w.available(asset, amount, true)
		if amt.Sign() == 0 {
			return nil, ErrTrialFundsRestricted
		}
		return amt, nil
	}

	free, restricted := w.transferableVaultTokens(asset)
	if !restricted {
		amt := w.available(asset, amount, false)
		if amt.Sign() == 0 {
			return nil, ErrNoFundsAvailable
		}
		return amt, nil
	}
	if w.ledger.BalanceOf(asset, w.addr).Sign() == 0 {
		return nil, ErrNoFundsAvailable
	}
	amt := free
	if !chain.IsMax(amount) {
		amt = w.available(asset, amount, false)
	}
	if amt.Sign() == 0 || amt.Cmp(free) > 0 {
		return nil, ErrTrialVaultToken
	}
	return amt, nil
}

// ConvertEthToWeth wraps native ETH, optionally paid in by the signer as
// value, and optionally deposits the WETH through depositLegoID.
func (w *Wallet) ConvertEthToWeth(ctx context.Context, signer common.Address, amount, value *big.Int, depositLegoID uint64, depositVault common.Address) (ConversionResult, error) {
	var out ConversionResult
	err := w.execute(ctx, "eth_to_weth", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionConversion, []common.Address{w.weth}, optionalLego(depositLegoID)); err != nil {
			return err
		}
		if value != nil && value.Sign() > 0 {
			if err := w.ledger.Transfer(chain.NativeAsset, signer, w.addr, value); err != nil {
				return err
			}
		}
		amt := w.available(chain.NativeAsset, amount, false)
		if amt.Sign() == 0 {
			return ErrNothingToConvert
		}
		var adapter lego.Adapter
		if depositLegoID != 0 {
			a, err := w.adapter(tx, depositLegoID)
			if err != nil {
				return err
			}
			adapter = a
		}
		if err := w.ledger.Wrap(w.weth, w.addr, amt); err != nil {
			return err
		}
		ev := w.newEvent(tx, events.KindEthToWeth)
		ev.With("amount", amt).With("paid", chain.Amount(value)).With("weth", w.weth)
		ev.UsdValue = w.pricer.UsdValue(ctx, w.weth, amt)
		out = ConversionResult{Amount: amt, UsdValue: ev.UsdValue}

		if adapter != nil {
			res, err := w.depositInto(ctx, tx, adapter, w.weth, depositVault, amt)
			if err != nil {
				return err
			}
			out.VaultToken = res.VaultToken
			out.VaultTokens = res.VaultTokenAmountReceived
		}
		return w.settleTrial(tx, true)
	})
	return out, err
}

// ConvertWethToEth unwraps WETH, optionally withdrawing it from a Lego
// first, and pays it to recipient when one is given.
func (w *Wallet) ConvertWethToEth(ctx context.Context, signer common.Address, amount *big.Int, recipient common.Address, withdrawLegoID uint64, withdrawVaultToken common.Address) (ConversionResult, error) {
	var out ConversionResult
	err := w.execute(ctx, "weth_to_eth", signer, func(ctx context.Context, tx *txn) error {
		if err := w.authorize(tx, ActionConversion, []common.Address{w.weth}, optionalLego(withdrawLegoID)); err != nil {
			return err
		}
		if recipient != (common.Address{}) && !w.cfg.IsRecipientAllowed(recipient) {
			return ErrRecipientNotAllowed
		}

		if withdrawLegoID != 0 {
			shares := w.available(withdrawVaultToken, amount, false)
			if shares.Sign() == 0 {
				return ErrNothingToConvert
			}
			adapter, err := w.adapter(tx, withdrawLegoID)
			if err != nil {
				return err
			}
			res, err := w.withdrawFrom(ctx, tx, adapter, w.weth, withdrawVaultToken, shares)
			if err != nil {
				return err
			}
			amount = res.AssetAmountReceived
			out.VaultToken = withdrawVaultToken
			out.VaultTokens = res.VaultTokenAmountBurned
		}

		amt := w.available(w.weth, amount, false)
		if amt.Sign() == 0 {
			return ErrNothingToConvert
		}
		if err := w.ledger.Unwrap(w.weth, w.addr, amt); err != nil {
			return err
		}
		if recipient != (common.Address{}) {
			if tx.isAgent {
				undo, err := w.cfg.chargeSpend(tx.signer, chain.NativeAsset, amt)
				if err != nil {
					return err
				}
				w.ledger.Journal(undo)
			}
			if err := w.ledger.Transfer(chain.NativeAsset, w.addr, recipient, amt); err != nil {
				return err
			}
		}

		ev := w.newEvent(tx, events.KindWethToEth)
		ev.With("amount", amt).With("recipient", recipient).With("weth", w.weth)
		ev.UsdValue = w.pricer.UsdValue(ctx, w.weth, amt)
		out.Amount = amt
		out.UsdValue = ev.UsdValue
		return w.settleTrial(tx, true)
	})
	return out, err
}

func optionalLego(id uint64) []uint64 {
	if id == 0 {
		return nil
	}
	return []uint64{id}
}

// authorize resolves the signer's role for this operation.
func (w *Wallet) authorize(tx *txn, action Action, assets []common.Address, legoIDs []uint64) error {
	isAgent, err := w.cfg.authorize(tx.signer, action, assets, legoIDs)
	if err != nil {
		return err
	}
	tx.isAgent = isAgent
	return nil
}

func (w *Wallet) depositInto(ctx context.Context, tx *txn, adapter lego.Adapter, asset, vault common.Address, amount *big.Int) (DepositResult, error) {
	vaultTokens := append(adapter.VaultTokens(asset), asset)
	if vault != (common.Address{}) {
		vaultTokens = append(vaultTokens, vault)
	}
	walletSnap := w.snapshot(w.addr, vaultTokens...)
	adapterSnap := w.snapshot(adapter.Address(), vaultTokens...)

	if err := w.ledger.Transfer(asset, w.addr, adapter.Address(), amount); err != nil {
		return DepositResult{}, err
	}
	res, err := adapter.Deposit(ctx, lego.DepositRequest{Asset: asset, Vault: vault, Amount: amount, Recipient: w.addr})
	if err != nil {
		return DepositResult{}, adapterFailure(err, adapter, "deposit")
	}
	if err := w.checkLeftovers(adapterSnap, adapter); err != nil {
		return DepositResult{}, err
	}

	deposited := w.spent(walletSnap, asset)
	received := chain.Amount(res.VaultTokenAmountReceived)
	if walletSnap.has(res.VaultToken) {
		received = w.gained(walletSnap, res.VaultToken)
	}
	if deposited.Sign() == 0 || received.Sign() == 0 {
		return DepositResult{}, adapterFailure(xerrors.New(xerrors.CodeAdapterFailure, "deposit moved nothing"), adapter, "deposit")
	}

	ev := w.newEvent(tx, events.KindDeposit)
	w.attachLego(ev, adapter)
	ev.With("asset", asset).With("vault_token", res.VaultToken).
		With("amount", deposited).With("vault_tokens_received", received)
	ev.UsdValue = w.pricer.UsdValue(ctx, asset, deposited)

	return DepositResult{
		AssetAmountDeposited:     deposited,
		VaultToken:               res.VaultToken,
		VaultTokenAmountReceived: received,
		UsdValue:                 ev.UsdValue,
	}, nil
}

func (w *Wallet) withdrawFrom(ctx context.Context, tx *txn, adapter lego.Adapter, asset, vaultToken common.Address, amount *big.Int) (WithdrawResult, error) {
	walletSnap := w.snapshot(w.addr, asset, vaultToken)
	adapterSnap := w.snapshot(adapter.Address(), asset, vaultToken)

	if err := w.ledger.Transfer(vaultToken, w.addr, adapter.Address(), amount); err != nil {
		return WithdrawResult{}, err
	}
	if _, err := adapter.Withdraw(ctx, lego.WithdrawRequest{Asset: asset, VaultToken: vaultToken, Amount: amount, Recipient: w.addr}); err != nil {
		return WithdrawResult{}, adapterFailure(err, adapter, "withdraw")
	}
	if err := w.checkLeftovers(adapterSnap, adapter); err != nil {
		return WithdrawResult{}, err
	}

	received := w.gained(walletSnap, asset)
	burned := w.spent(walletSnap, vaultToken)
	if received.Sign() == 0 {
		return WithdrawResult{}, adapterFailure(xerrors.New(xerrors.CodeAdapterFailure, "withdrawal returned nothing"), adapter, "withdraw")
	}

	ev := w.newEvent(tx, events.KindWithdrawal)
	w.attachLego(ev, adapter)
	ev.With("asset", asset).With("vault_token", vaultToken).
		With("amount", received).With("vault_tokens_burned", burned)
	ev.UsdValue = w.pricer.UsdValue(ctx, asset, received)

	return WithdrawResult{AssetAmountReceived: received, VaultTokenAmountBurned: burned, UsdValue: ev.UsdValue}, nil
}
