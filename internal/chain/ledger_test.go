package chain

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	token = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	weth  = common.HexToAddress("0x4200000000000000000000000000000000000006")
)

func TestTransferAndBurn(t *testing.T) {
	l := NewLedger()
	l.Mint(token, alice, big.NewInt(100))

	if err := l.Transfer(token, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.BalanceOf(token, bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("bob balance = %s", got)
	}
	err := l.Transfer(token, bob, alice, big.NewInt(41))
	if !stdErrors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if err := l.Burn(token, alice, big.NewInt(60)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := l.TotalSupply(token); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("supply = %s", got)
	}
}

func TestAtomicRevertsOnFailure(t *testing.T) {
	l := NewLedger()
	l.Mint(token, alice, big.NewInt(100))
	undone := false

	err := l.Atomic(context.Background(), func(ctx context.Context) error {
		if err := l.Transfer(token, alice, bob, big.NewInt(70)); err != nil {
			return err
		}
		l.Mint(token, bob, big.NewInt(5))
		l.Journal(func() { undone = true })
		_ = l.DeriveAddress(alice)
		return xerrors.New(xerrors.CodeAdapterFailure, "venue rejected")
	})
	if !xerrors.HasCode(err, xerrors.CodeAdapterFailure) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.BalanceOf(token, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("alice balance not restored: %s", got)
	}
	if got := l.BalanceOf(token, bob); got.Sign() != 0 {
		t.Fatalf("bob balance not restored: %s", got)
	}
	if got := l.TotalSupply(token); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("supply not restored: %s", got)
	}
	if !undone {
		t.Fatalf("journal hook did not run")
	}
	first := l.DeriveAddress(alice)
	if first != crypto.CreateAddress(alice, 0) {
		t.Fatalf("nonce not restored")
	}
}

func TestNestedAtomicSavepoint(t *testing.T) {
	l := NewLedger()
	l.Mint(token, alice, big.NewInt(10))

	err := l.Atomic(context.Background(), func(ctx context.Context) error {
		if !InCall(ctx) {
			t.Fatalf("expected call context")
		}
		if err := l.Transfer(token, alice, bob, big.NewInt(3)); err != nil {
			return err
		}
		inner := l.Atomic(ctx, func(ctx context.Context) error {
			if err := l.Transfer(token, alice, bob, big.NewInt(3)); err != nil {
				return err
			}
			return stdErrors.New("inner failure")
		})
		if inner == nil {
			t.Fatalf("expected inner failure")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer call: %v", err)
	}
	if got := l.BalanceOf(token, bob); got.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("only the outer transfer should survive, bob = %s", got)
	}
}

func TestOnCommitHooks(t *testing.T) {
	l := NewLedger()
	var fired []string

	l.OnCommit(context.Background(), func() { fired = append(fired, "outside") })
	err := l.Atomic(context.Background(), func(ctx context.Context) error {
		l.OnCommit(ctx, func() { fired = append(fired, "outer") })
		_ = l.Atomic(ctx, func(ctx context.Context) error {
			l.OnCommit(ctx, func() { fired = append(fired, "dropped") })
			return stdErrors.New("inner failure")
		})
		if len(fired) != 1 {
			t.Fatalf("hooks must wait for commit, fired %v", fired)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer call: %v", err)
	}
	if len(fired) != 2 || fired[1] != "outer" {
		t.Fatalf("unexpected hooks %v", fired)
	}

	_ = l.Atomic(context.Background(), func(ctx context.Context) error {
		l.OnCommit(ctx, func() { fired = append(fired, "failed") })
		return stdErrors.New("boom")
	})
	if len(fired) != 2 {
		t.Fatalf("failed call must drop hooks, fired %v", fired)
	}
}

func TestWrapUnwrap(t *testing.T) {
	l := NewLedger()
	l.Mint(NativeAsset, alice, big.NewInt(5))

	if err := l.Wrap(weth, alice, big.NewInt(4)); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if got := l.BalanceOf(weth, alice); got.Cmp(big.NewInt(4)) != 0 {
		t.Fatalf("weth = %s", got)
	}
	if err := l.Unwrap(weth, alice, big.NewInt(4)); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got := l.BalanceOf(NativeAsset, alice); got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("eth = %s", got)
	}
}

func TestAmountHelpers(t *testing.T) {
	if !IsMax(nil) || !IsMax(MaxAmount) || IsMax(big.NewInt(1)) {
		t.Fatalf("IsMax mismatch")
	}
	if SubFloor(big.NewInt(3), big.NewInt(5)).Sign() != 0 {
		t.Fatalf("SubFloor should floor at zero")
	}
	if MulDiv(big.NewInt(10), big.NewInt(3), big.NewInt(4)).Int64() != 7 {
		t.Fatalf("MulDiv should round down")
	}
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(10)
	c.Advance(5)
	if c.Now() != 15 {
		t.Fatalf("now = %d", c.Now())
	}
}
