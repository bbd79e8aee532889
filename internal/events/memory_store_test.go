package events

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	walletA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	walletB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	agent   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

func newTestEvent(kind Kind, wallet common.Address, created int64) *Event {
	e := New(kind)
	e.Wallet = wallet
	e.CreatedAt = created
	return e
}

func TestMemoryStoreAppendAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	e := newTestEvent(KindDeposit, walletA, 10).With("amount", big.NewInt(1500))
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(ctx, e); !stdErrors.Is(err, ErrEventConflict) {
		t.Fatalf("expected conflict on duplicate, got %v", err)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount("amount").Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("unexpected amount %s", got.Amount("amount"))
	}

	got.Data["amount"] = "0"
	again, _ := store.Get(ctx, e.ID)
	if again.Data["amount"] != "1500" {
		t.Fatalf("store returned shared data map")
	}

	if _, err := store.Get(ctx, "missing"); !stdErrors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryStoreListFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	deposit := newTestEvent(KindDeposit, walletA, 100)
	swap := newTestEvent(KindSwap, walletA, 200)
	swap.Signer = agent
	swap.IsSignerAgent = true
	other := newTestEvent(KindDeposit, walletB, 300)
	for _, e := range []*Event{deposit, swap, other} {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	list, err := store.List(ctx, BuildListOptions(WithWallet(walletA)))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != swap.ID {
		t.Fatalf("expected newest-first wallet events, got %+v", list)
	}

	list, _ = store.List(ctx, BuildListOptions(WithKinds(KindDeposit), WithSortOrder(SortByCreatedAsc)))
	if len(list) != 2 || list[0].ID != deposit.ID || list[1].ID != other.ID {
		t.Fatalf("unexpected kind filter result %+v", list)
	}

	list, _ = store.List(ctx, BuildListOptions(WithSignerRole(true)))
	if len(list) != 1 || list[0].ID != swap.ID {
		t.Fatalf("expected only agent-signed event, got %+v", list)
	}

	list, _ = store.List(ctx, BuildListOptions(WithCreatedSince(time.UnixMilli(150)), WithCreatedUntil(time.UnixMilli(250))))
	if len(list) != 1 || list[0].ID != swap.ID {
		t.Fatalf("unexpected time window result %+v", list)
	}

	list, _ = store.List(ctx, BuildListOptions(WithLimit(1), WithOffset(1)))
	if len(list) != 1 || list[0].ID != swap.ID {
		t.Fatalf("unexpected page %+v", list)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByKind[KindDeposit] != 2 || stats.AgentInitiated != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestCreated != 100 || stats.NewestCreated != 300 {
		t.Fatalf("unexpected stats window %+v", stats)
	}
}
