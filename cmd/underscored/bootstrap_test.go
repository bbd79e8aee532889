package main

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/underscore-finance/underscore/internal/chain"
	"github.com/underscore-finance/underscore/internal/config"
	"github.com/underscore-finance/underscore/internal/wallet"
)

const testCatalog = `
assets:
  - symbol: USDC
    address: "0x00000000000000000000000000000000000000a1"
    decimals: 6
    price: "1"
    mint:
      - holder: "0x00000000000000000000000000000000000000fa"
        amount: "1000"
  - symbol: DAI
    address: "0x00000000000000000000000000000000000000a2"
    decimals: 18
venues:
  - name: vault
    kind: vault
    address: "0x0000000000000000000000000000000000001001"
    opportunities:
      - asset: "0x00000000000000000000000000000000000000a1"
        vault: "0x0000000000000000000000000000000000002001"
  - name: amm
    kind: amm
    address: "0x0000000000000000000000000000000000001003"
    pools:
      - address: "0x0000000000000000000000000000000000003001"
        token_a: "0x00000000000000000000000000000000000000a1"
        token_b: "0x00000000000000000000000000000000000000a2"
        reserve_a: "500"
        reserve_b: "700"
`

func TestBuildVenuesSeedsLedger(t *testing.T) {
	cat, err := config.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	ledger := chain.NewLedger()
	mintCatalog(ledger, cat)
	venues, err := buildVenues(ledger, cat)
	if err != nil {
		t.Fatalf("build venues: %v", err)
	}
	if len(venues) != 2 || venues[0].name != "vault" || venues[1].name != "amm" {
		t.Fatalf("unexpected venues: %+v", venues)
	}

	usdc := common.HexToAddress("0xa1")
	dai := common.HexToAddress("0xa2")
	pool := common.HexToAddress("0x3001")
	if got := ledger.BalanceOf(usdc, common.HexToAddress("0xfa")); got.Int64() != 1000 {
		t.Fatalf("factory reserve = %s", got)
	}
	if got := ledger.BalanceOf(usdc, pool); got.Int64() != 500 {
		t.Fatalf("pool reserve a = %s", got)
	}
	if got := ledger.BalanceOf(dai, pool); got.Int64() != 700 {
		t.Fatalf("pool reserve b = %s", got)
	}

	clock := chain.NewManualClock(1)
	if _, err := buildRegistry(config.RegistryConfig{
		Governor:    common.HexToAddress("0xf0"),
		ChangeDelay: 10,
		MaxDelay:    100,
	}, clock, ledger, venues); err != nil {
		t.Fatalf("build registry: %v", err)
	}
}

func TestBuildOracleStaticPrices(t *testing.T) {
	cat, err := config.ParseCatalog([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	o, closer, err := buildOracle(context.Background(), config.OracleConfig{}, cat)
	if err != nil {
		t.Fatalf("build oracle: %v", err)
	}
	defer closer()
	// 2.5 USDC at 6 decimals.
	value := o.UsdValue(context.Background(), common.HexToAddress("0xa1"), big.NewInt(2_500_000))
	if !value.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("usd value = %s", value)
	}
}

func TestAgentTemplate(t *testing.T) {
	perm, err := agentTemplate(config.FactoryConfig{
		AgentActions: []string{"deposit", "withdrawal"},
		AgentLegoIDs: []uint64{1},
	})
	if err != nil {
		t.Fatalf("agent template: %v", err)
	}
	if !perm.Actions.Has(wallet.ActionDeposit) || perm.Actions.Has(wallet.ActionTransfer) {
		t.Fatalf("unexpected actions: %s", perm.Actions)
	}
	if _, err := agentTemplate(config.FactoryConfig{AgentActions: []string{"bogus"}}); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestOpenDriversRejectUnknown(t *testing.T) {
	ctx := context.Background()
	if _, err := openBus(ctx, config.EventsConfig{Bus: config.BusConfig{Driver: "kafka"}}); err == nil {
		t.Fatalf("expected bus driver error")
	}
	if _, err := openEventStore(ctx, config.EventStoreConfig{Driver: "sqlite"}); err == nil {
		t.Fatalf("expected store driver error")
	}
	if _, _, err := openReplayGuard(ctx, config.ReplayGuardConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected replay guard driver error")
	}
	bus, err := openBus(ctx, config.EventsConfig{Bus: config.BusConfig{Driver: "memory", BufferSize: 4}})
	if err != nil {
		t.Fatalf("memory bus: %v", err)
	}
	_ = bus.Close()
}
