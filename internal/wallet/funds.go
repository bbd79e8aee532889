// Package wallet implements the agentic user wallet: a per-wallet policy
// store (Config) and the execution surface (Wallet) that routes every fund
// movement through registered Legos while tracking trial funds.
package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/underscore-finance/underscore/internal/auth"
	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/lego"
	"github.com/underscore-finance/underscore/internal/observability/alerting"
	"github.com/underscore-finance/underscore/internal/observability/metrics"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DefaultLeftoverTolerance is how many base units of a touched asset a Lego
// may keep after an operation. Rebasing tokens lose a few units to rounding.
const DefaultLeftoverTolerance = 3

// APIVersion identifies the wallet implementation in signed domains.
const APIVersion = "0.0.3"

// Pricer values asset amounts in USD. *oracle.Oracle satisfies it.
type Pricer interface {
	UsdValue(ctx context.Context, asset common.Address, amount *big.Int) decimal.Decimal
}

type zeroPricer struct{}

func (zeroPricer) UsdValue(context.Context, common.Address, *big.Int) decimal.Decimal {
	return decimal.Zero
}

// Deps are the shared components every wallet runs against.
type Deps struct {
	Ledger   *chain.Ledger
	Registry *lego.Registry
	Clock    chain.Clock
	// Weth is the wrapped native asset used by the conversion operations.
	Weth common.Address
	// Factory may recover trial funds.
	Factory common.Address
}

// Wallet holds assets on the ledger and executes operations for its owner
// and agents.
type Wallet struct {
	addr     common.Address
	cfg      *Config
	ledger   *chain.Ledger
	registry *lego.Registry
	clock    chain.Clock
	weth     common.Address
	factory  common.Address

	pricer    Pricer
	publisher events.Publisher
	alerter   alerting.Dispatcher
	verifier  *auth.Verifier
	logger    *slog.Logger
	tolerance *big.Int
	settings  ConfigSettings
	agents    map[common.Address]AgentPermission

	busy atomic.Bool

	mu    sync.RWMutex
	trial TrialFunds
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithPublisher sets where committed events are published.
func WithPublisher(p events.Publisher) Option {
	return func(w *Wallet) { w.publisher = p }
}

// WithPricer sets the USD valuation used in events.
func WithPricer(p Pricer) Option {
	return func(w *Wallet) { w.pricer = p }
}

// WithAlertDispatcher sets where alert-worthy failures are reported.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(w *Wallet) { w.alerter = d }
}

// WithVerifier enables the signed authorization path.
func WithVerifier(v *auth.Verifier) Option {
	return func(w *Wallet) { w.verifier = v }
}

// WithLogger sets the audit logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wallet) { w.logger = l }
}

// WithLeftoverTolerance overrides DefaultLeftoverTolerance.
func WithLeftoverTolerance(units uint64) Option {
	return func(w *Wallet) { w.tolerance = new(big.Int).SetUint64(units) }
}

// WithConfigSettings sets governance delays.
func WithConfigSettings(s ConfigSettings) Option {
	return func(w *Wallet) { w.settings = s }
}

// WithAgent grants perm to agent at creation.
func WithAgent(agent common.Address, perm AgentPermission) Option {
	return func(w *Wallet) {
		if w.agents == nil {
			w.agents = make(map[common.Address]AgentPermission)
		}
		w.agents[agent] = perm
	}
}

// WithTrialFunds records amount of asset as trial funds.
func WithTrialFunds(asset common.Address, amount *big.Int) Option {
	return func(w *Wallet) {
		if amount != nil && amount.Sign() > 0 {
			w.trial = TrialFunds{Asset: asset, Amount: new(big.Int).Set(amount)}
		}
	}
}

// New creates the wallet at addr owned by owner.
func New(addr, owner common.Address, deps Deps, opts ...Option) (*Wallet, error) {
	if deps.Ledger == nil || deps.Registry == nil || deps.Clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "wallet 需要 ledger、registry 与 clock")
	}
	w := &Wallet{
		addr:      addr,
		ledger:    deps.Ledger,
		registry:  deps.Registry,
		clock:     deps.Clock,
		weth:      deps.Weth,
		factory:   deps.Factory,
		tolerance: big.NewInt(DefaultLeftoverTolerance),
		trial:     TrialFunds{Amount: new(big.Int)},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.pricer == nil {
		w.pricer = zeroPricer{}
	}
	if w.publisher == nil {
		w.publisher = events.Discard{}
	}
	if w.logger == nil {
		w.logger = logger.Audit().With(slog.String("component", "wallet"))
	}
	cfg, err := NewConfig(addr, owner, deps.Clock, w.settings, w.publisher, w.logger)
	if err != nil {
		return nil, err
	}
	for agent, perm := range w.agents {
		if !cfg.validAgentLocked(agent) {
			return nil, ErrInvalidAgent
		}
		p := perm.clone()
		p.normalize()
		cfg.agents[agent] = p
	}
	w.agents = nil
	w.cfg = cfg
	return w, nil
}

// Address returns the wallet address.
func (w *Wallet) Address() common.Address { return w.addr }

// Config returns the wallet's policy store.
func (w *Wallet) Config() *Config { return w.cfg }

// Weth returns the wrapped native asset address.
func (w *Wallet) Weth() common.Address { return w.weth }

// Balance returns the wallet's balance of asset.
func (w *Wallet) Balance(asset common.Address) *big.Int {
	return w.ledger.BalanceOf(asset, w.addr)
}

// CanAgentAccess delegates to the policy store.
func (w *Wallet) CanAgentAccess(agent common.Address, action Action, assets []common.Address, legoIDs []uint64) bool {
	return w.cfg.CanAgentAccess(agent, action, assets, legoIDs)
}

// txn accumulates what one operation did. Events are published only after
// the enclosing ledger call commits.
type txn struct {
	op      string
	signer  common.Address
	isAgent bool
	legoID  uint64
	events  []*events.Event

	trialBefore *big.Int
}

func (w *Wallet) execute(ctx context.Context, op string, signer common.Address, fn func(ctx context.Context, tx *txn) error) error {
	tx := &txn{op: op, signer: signer}
	outer := ctx
	err := w.ledger.Atomic(ctx, func(ctx context.Context) error {
		if !w.busy.CompareAndSwap(false, true) {
			return ErrReentrantCall
		}
		defer w.busy.Store(false)
		tx.trialBefore = w.trialExposure()
		if err := fn(ctx, tx); err != nil {
			return err
		}
		pending := tx.events
		w.ledger.OnCommit(ctx, func() { w.commit(outer, tx, pending) })
		return nil
	})
	if err != nil {
		w.fail(outer, tx, err)
		return err
	}
	return nil
}

func (w *Wallet) commit(ctx context.Context, tx *txn, pending []*events.Event) {
	w.logger.Info("钱包操作完成",
		logger.Address("wallet", w.addr),
		slog.String("op", tx.op),
		logger.Address("signer", tx.signer),
		slog.Bool("is_agent", tx.isAgent),
		slog.Uint64("lego_id", tx.legoID),
		slog.Int("events", len(pending)),
	)
	metrics.ObserveOperation(tx.op, "OK")
	for _, ev := range pending {
		if err := w.publisher.Publish(ctx, ev); err != nil {
			w.logger.Warn("发布钱包事件失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
		}
	}
}

func (w *Wallet) fail(ctx context.Context, tx *txn, err error) {
	w.logger.Warn("钱包操作失败",
		logger.Address("wallet", w.addr),
		slog.String("op", tx.op),
		logger.Address("signer", tx.signer),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	metrics.ObserveOperation(tx.op, string(xerrors.CodeOf(err)))
	if w.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if notifyErr := w.alerter.Notify(ctx, alerting.FromError(err, w.addr, tx.op, tx.legoID)); notifyErr != nil {
		w.logger.Error("发送告警失败", slog.Any("error", notifyErr))
	}
}

func (w *Wallet) newEvent(tx *txn, kind events.Kind) *events.Event {
	ev := events.New(kind)
	ev.Wallet = w.addr
	ev.Signer = tx.signer
	ev.IsSignerAgent = tx.isAgent
	ev.Time = w.clock.Now()
	tx.events = append(tx.events, ev)
	return ev
}

func (w *Wallet) attachLego(ev *events.Event, adapter lego.Adapter) {
	ev.LegoID = adapter.LegoID()
	ev.LegoAddr = adapter.Address()
}

func (w *Wallet) adapter(tx *txn, legoID uint64) (lego.Adapter, error) {
	a, err := w.registry.Adapter(legoID)
	if err != nil {
		return nil, err
	}
	tx.legoID = legoID
	return a, nil
}

// balances is a snapshot of one holder's balances over a fixed asset list.
type balances struct {
	holder common.Address
	assets []common.Address
	values []*big.Int
}

func (w *Wallet) snapshot(holder common.Address, assets ...common.Address) balances {
	uniq := make([]common.Address, 0, len(assets))
	seen := make(map[common.Address]struct{}, len(assets))
	for _, a := range assets {
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		uniq = append(uniq, a)
	}
	return balances{holder: holder, assets: uniq, values: w.ledger.Balances(holder, uniq...)}
}

func (b balances) has(asset common.Address) bool {
	for _, a := range b.assets {
		if a == asset {
			return true
		}
	}
	return false
}

func (b balances) before(asset common.Address) *big.Int {
	for i, a := range b.assets {
		if a == asset {
			return b.values[i]
		}
	}
	return new(big.Int)
}

// gained returns how much holder's balance of asset grew since the snapshot.
func (w *Wallet) gained(b balances, asset common.Address) *big.Int {
	return chain.SubFloor(w.ledger.BalanceOf(asset, b.holder), b.before(asset))
}

// spent returns how much holder's balance of asset shrank since the snapshot.
func (w *Wallet) spent(b balances, asset common.Address) *big.Int {
	return chain.SubFloor(b.before(asset), w.ledger.BalanceOf(asset, b.holder))
}

// checkLeftovers enforces that the Lego kept nothing beyond the tolerance.
func (w *Wallet) checkLeftovers(b balances, adapter lego.Adapter) error {
	after := w.ledger.Balances(b.holder, b.assets...)
	for i, asset := range b.assets {
		limit := new(big.Int).Add(b.values[i], w.tolerance)
		if after[i].Cmp(limit) > 0 {
			return xerrors.Wrap(xerrors.CodeLeftoverBalance, ErrLeftoverBalance, "lego retained leftover balance",
				xerrors.WithMetadata("asset", asset.Hex()),
				xerrors.WithMetadata("lego_id", strconv.FormatUint(adapter.LegoID(), 10)),
				xerrors.WithMetadata("leftover", new(big.Int).Sub(after[i], b.values[i]).String()))
		}
	}
	return nil
}

func adapterFailure(err error, adapter lego.Adapter, action string) error {
	return xerrors.Wrap(xerrors.CodeAdapterFailure, err, "lego "+action+" failed",
		xerrors.WithMetadata("lego_id", strconv.FormatUint(adapter.LegoID(), 10)),
		xerrors.WithMetadata("lego_addr", adapter.Address().Hex()))
}

// available caps amount at the wallet's balance of asset, and, when
// excludeTrial is set, at the part of the balance not backing trial funds.
func (w *Wallet) available(asset common.Address, amount *big.Int, excludeTrial bool) *big.Int {
	out := w.ledger.BalanceOf(asset, w.addr)
	if excludeTrial {
		trial := w.TrialFunds()
		if trial.Active() && trial.Asset == asset {
			free := chain.SubFloor(w.exposure(asset), trial.Amount)
			out = chain.Min(out, free)
		} else if free, restricted := w.transferableVaultTokens(asset); restricted {
			out = chain.Min(out, free)
		}
	}
	if !chain.IsMax(amount) {
		out = chain.Min(out, amount)
	}
	return out
}

// GetAvailableTxAmount returns the part of amount the wallet can move right
// now. A nil amount or chain.MaxAmount asks for everything available.
func (w *Wallet) GetAvailableTxAmount(asset common.Address, amount *big.Int, excludeTrialFunds bool) *big.Int {
	return w.available(asset, amount, excludeTrialFunds)
}
