package wallet

import (
	"context"
	"math/big"
	"testing"

	"github.com/underscore-finance/underscore/internal/chain"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/lego/amm"
	"github.com/underscore-finance/underscore/internal/lego/vault"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	agent    = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	factory  = common.HexToAddress("0x00000000000000000000000000000000000000fa")
	governor = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	walletA  = common.HexToAddress("0x0000000000000000000000000000000000000c01")

	usdc = common.HexToAddress("0x0000000000000000000000000000000000000b01")
	dai  = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	weth = common.HexToAddress("0x0000000000000000000000000000000000000b03")

	legoAddrA = common.HexToAddress("0x0000000000000000000000000000000000001001")
	legoAddrB = common.HexToAddress("0x0000000000000000000000000000000000001002")
	dexAddr   = common.HexToAddress("0x0000000000000000000000000000000000001003")

	vtA     = common.HexToAddress("0x0000000000000000000000000000000000002001")
	vtB     = common.HexToAddress("0x0000000000000000000000000000000000002002")
	vtWeth  = common.HexToAddress("0x0000000000000000000000000000000000002003")
	poolUD  = common.HexToAddress("0x0000000000000000000000000000000000003001")
	poolDW  = common.HexToAddress("0x0000000000000000000000000000000000003002")
	native  = chain.NativeAsset
	maxWant = chain.MaxAmount
)

const (
	idA   uint64 = 1
	idB   uint64 = 2
	idDex uint64 = 3
)

type harness struct {
	ctx      context.Context
	ledger   *chain.Ledger
	clock    *chain.ManualClock
	registry *lego.Registry
	vaultA   *vault.Lego
	vaultB   *vault.Lego
	dex      *amm.Lego
	events   *events.Recorder
	wallet   *Wallet
}

type setup struct {
	vaultA []vault.Option
	extra  []lego.Adapter
	opts   []Option
	trial  int64
}

func fullAgentPermission() AgentPermission {
	return AgentPermission{
		Actions: AllActions,
		Assets:  []common.Address{usdc, dai, weth, vtA, vtB, vtWeth, native, poolUD},
		LegoIDs: []uint64{idA, idB, idDex, 4},
	}
}

func newHarness(t *testing.T, s setup) *harness {
	t.Helper()
	h := &harness{
		ctx:    context.Background(),
		ledger: chain.NewLedger(),
		clock:  chain.NewManualClock(1_000),
		events: events.NewRecorder(),
	}
	h.vaultA = vault.New(legoAddrA, h.ledger, s.vaultA...)
	h.vaultB = vault.New(legoAddrB, h.ledger)
	h.dex = amm.New(dexAddr, h.ledger)
	mustNoErr(t, h.vaultA.AddAssetOpportunity(usdc, vtA))
	mustNoErr(t, h.vaultA.AddAssetOpportunity(weth, vtWeth))
	mustNoErr(t, h.vaultB.AddAssetOpportunity(usdc, vtB))
	mustNoErr(t, h.dex.AddPool(poolUD, usdc, dai))
	mustNoErr(t, h.dex.AddPool(poolDW, dai, weth))

	regOpts := []lego.RegistryOption{
		lego.WithRegistryLogger(logger.Discard()),
		lego.WithGenesisLego(h.vaultA, "vault-a"),
		lego.WithGenesisLego(h.vaultB, "vault-b"),
		lego.WithGenesisLego(h.dex, "dex"),
	}
	for i, a := range s.extra {
		regOpts = append(regOpts, lego.WithGenesisLego(a, "extra-"+string(rune('a'+i))))
	}
	registry, err := lego.NewRegistry(governor, h.clock, h.ledger, regOpts...)
	mustNoErr(t, err)
	h.registry = registry

	opts := []Option{
		WithPublisher(h.events),
		WithLogger(logger.Discard()),
		WithAgent(agent, fullAgentPermission()),
		WithConfigSettings(ConfigSettings{OwnershipChangeDelay: 100, MinChangeDelay: 10, MaxChangeDelay: 1_000}),
	}
	if s.trial > 0 {
		h.ledger.Mint(usdc, walletA, big.NewInt(s.trial))
		opts = append(opts, WithTrialFunds(usdc, big.NewInt(s.trial)))
	}
	opts = append(opts, s.opts...)
	w, err := New(walletA, owner, Deps{
		Ledger:   h.ledger,
		Registry: h.registry,
		Clock:    h.clock,
		Weth:     weth,
		Factory:  factory,
	}, opts...)
	mustNoErr(t, err)
	h.wallet = w
	return h
}

func (h *harness) balance(asset, holder common.Address) int64 {
	return h.ledger.BalanceOf(asset, holder).Int64()
}

func (h *harness) seedPool(pool, tokenA, tokenB common.Address, a, b int64) {
	h.ledger.Mint(tokenA, pool, big.NewInt(a))
	h.ledger.Mint(tokenB, pool, big.NewInt(b))
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func amt(v int64) *big.Int { return big.NewInt(v) }
