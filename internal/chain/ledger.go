// Package chain provides the in-process execution substrate the wallet engine
// runs on: an asset ledger with single-call atomicity, a clock measured in
// abstract time units, and address derivation for newly created accounts.
package chain

import (
	"context"
	"math/big"
	"sync"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// NativeAsset identifies the chain's native asset (ETH) in ledger lookups.
var NativeAsset = common.Address{}

// ErrInsufficientBalance is returned when a holder cannot cover a transfer or burn.
var ErrInsufficientBalance = xerrors.New(xerrors.CodeInsufficientBalance, "insufficient balance")

// Ledger tracks balances per asset and holder. All mutations made inside
// Atomic are journaled and reverted when the call fails.
type Ledger struct {
	callMu sync.Mutex

	mu       sync.RWMutex
	balances map[common.Address]map[common.Address]*big.Int
	supply   map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	frame    *callFrame
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[common.Address]map[common.Address]*big.Int),
		supply:   make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
	}
}

// BalanceOf returns a copy of holder's balance of asset.
func (l *Ledger) BalanceOf(asset, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceLocked(asset, holder))
}

// Balances returns holder's balances for each asset, in order.
func (l *Ledger) Balances(holder common.Address, assets ...common.Address) []*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*big.Int, len(assets))
	for i, asset := range assets {
		out[i] = new(big.Int).Set(l.balanceLocked(asset, holder))
	}
	return out
}

// TotalSupply returns the amount of asset minted and not burned.
func (l *Ledger) TotalSupply(asset common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.supply[asset]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Transfer moves amount of asset between holders.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid transfer amount")
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(asset, from)
	if bal.Cmp(amount) < 0 {
		return xerrors.Wrap(xerrors.CodeInsufficientBalance, ErrInsufficientBalance,
			"transfer exceeds balance",
			xerrors.WithMetadata("asset", asset.Hex()),
			xerrors.WithMetadata("holder", from.Hex()))
	}
	l.setLocked(asset, from, new(big.Int).Sub(bal, amount))
	l.setLocked(asset, to, new(big.Int).Add(l.balanceLocked(asset, to), amount))
	return nil
}

// Mint credits amount of asset to holder and grows its supply.
func (l *Ledger) Mint(asset, to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(asset, to, new(big.Int).Add(l.balanceLocked(asset, to), amount))
	l.setSupplyLocked(asset, new(big.Int).Add(l.supplyLocked(asset), amount))
}

// Burn debits amount of asset from holder and shrinks its supply.
func (l *Ledger) Burn(asset, from common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid burn amount")
	}
	if amount.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balanceLocked(asset, from)
	if bal.Cmp(amount) < 0 {
		return xerrors.Wrap(xerrors.CodeInsufficientBalance, ErrInsufficientBalance, "burn exceeds balance",
			xerrors.WithMetadata("asset", asset.Hex()))
	}
	l.setLocked(asset, from, new(big.Int).Sub(bal, amount))
	l.setSupplyLocked(asset, new(big.Int).Sub(l.supplyLocked(asset), amount))
	return nil
}

// DeriveAddress returns the next account address created by creator, derived
// the same way contract creation addresses are.
func (l *Ledger) DeriveAddress(creator common.Address) common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	nonce := l.nonces[creator]
	l.nonces[creator] = nonce + 1
	l.journalLocked(func() { l.nonces[creator] = nonce })
	return crypto.CreateAddress(creator, nonce)
}

// Wrap converts holder's native balance into the wrapped asset 1:1.
func (l *Ledger) Wrap(wrapped, holder common.Address, amount *big.Int) error {
	if err := l.Transfer(NativeAsset, holder, wrapped, amount); err != nil {
		return err
	}
	l.Mint(wrapped, holder, amount)
	return nil
}

// Unwrap burns holder's wrapped asset and releases the native balance 1:1.
func (l *Ledger) Unwrap(wrapped, holder common.Address, amount *big.Int) error {
	if err := l.Burn(wrapped, holder, amount); err != nil {
		return err
	}
	return l.Transfer(NativeAsset, wrapped, holder, amount)
}

// Atomic runs fn as one call. Top-level calls are serialized; a call made
// while another is in progress on the same context joins it as a nested
// savepoint. If fn fails, every ledger mutation and journaled undo hook
// recorded since the call (or savepoint) began is reverted.
func (l *Ledger) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if frame, ok := ctx.Value(callKey{}).(*callFrame); ok {
		mark := frame.mark()
		if err := fn(ctx); err != nil {
			l.mu.Lock()
			frame.rollback(mark)
			l.mu.Unlock()
			return err
		}
		return nil
	}

	hooks, err := l.runTopLevel(ctx, fn)
	if err != nil {
		return err
	}
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// runTopLevel executes fn under the call lock and returns the commit hooks
// to run once the lock is released.
func (l *Ledger) runTopLevel(ctx context.Context, fn func(ctx context.Context) error) ([]func(), error) {
	l.callMu.Lock()
	defer l.callMu.Unlock()

	frame := &callFrame{}
	l.mu.Lock()
	l.frame = frame
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.frame = nil
		l.mu.Unlock()
	}()

	if err := fn(context.WithValue(ctx, callKey{}, frame)); err != nil {
		l.mu.Lock()
		frame.rollback(savepoint{})
		l.mu.Unlock()
		return nil, err
	}
	return frame.commit, nil
}

// OnCommit registers fn to run once the top-level call containing ctx
// commits. Hooks registered inside a savepoint that is rolled back are
// dropped. Outside a call fn runs immediately.
func (l *Ledger) OnCommit(ctx context.Context, fn func()) {
	if fn == nil {
		return
	}
	frame, ok := ctx.Value(callKey{}).(*callFrame)
	if !ok {
		fn()
		return
	}
	l.mu.Lock()
	frame.commit = append(frame.commit, fn)
	l.mu.Unlock()
}

// Journal registers undo to run if the current call fails. Outside a call it
// is a no-op.
func (l *Ledger) Journal(undo func()) {
	if undo == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.frame != nil {
		// Undo hooks touch state owned by other components; run them unlocked.
		l.frame.push(func() {
			l.mu.Unlock()
			defer l.mu.Lock()
			undo()
		})
	}
}

// InCall reports whether ctx belongs to a running Atomic call.
func InCall(ctx context.Context) bool {
	_, ok := ctx.Value(callKey{}).(*callFrame)
	return ok
}

func (l *Ledger) balanceLocked(asset, holder common.Address) *big.Int {
	if holders, ok := l.balances[asset]; ok {
		if bal, ok := holders[holder]; ok {
			return bal
		}
	}
	return new(big.Int)
}

func (l *Ledger) supplyLocked(asset common.Address) *big.Int {
	if s, ok := l.supply[asset]; ok {
		return s
	}
	return new(big.Int)
}

func (l *Ledger) setLocked(asset, holder common.Address, value *big.Int) {
	holders, ok := l.balances[asset]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		l.balances[asset] = holders
	}
	prev, existed := holders[holder]
	holders[holder] = value
	l.journalLocked(func() {
		if existed {
			holders[holder] = prev
		} else {
			delete(holders, holder)
		}
	})
}

func (l *Ledger) setSupplyLocked(asset common.Address, value *big.Int) {
	prev, existed := l.supply[asset]
	l.supply[asset] = value
	l.journalLocked(func() {
		if existed {
			l.supply[asset] = prev
		} else {
			delete(l.supply, asset)
		}
	})
}

func (l *Ledger) journalLocked(undo func()) {
	if l.frame != nil {
		l.frame.push(undo)
	}
}

type callKey struct{}

// callFrame collects undo entries and commit hooks for one top-level call.
// Undo entries are run with the ledger lock held.
type callFrame struct {
	undo   []func()
	commit []func()
}

type savepoint struct {
	undo, commit int
}

func (f *callFrame) push(fn func()) { f.undo = append(f.undo, fn) }

func (f *callFrame) mark() savepoint {
	return savepoint{undo: len(f.undo), commit: len(f.commit)}
}

func (f *callFrame) rollback(sp savepoint) {
	for i := len(f.undo) - 1; i >= sp.undo; i-- {
		f.undo[i]()
	}
	f.undo = f.undo[:sp.undo]
	f.commit = f.commit[:sp.commit]
}
