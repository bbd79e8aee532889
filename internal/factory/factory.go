package factory

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"sync"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/internal/wallet"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoPerms        = xerrors.New(xerrors.CodePermissionDenied, "no perms")
	ErrUnknownWallet  = xerrors.New(xerrors.CodeNotFound, "not a user wallet")
	ErrInvalidOwner   = xerrors.New(xerrors.CodeInvalidArgument, "invalid owner")
	ErrInvalidAddress = xerrors.New(xerrors.CodeInvalidArgument, "invalid address")
)

// TrialFundsData 是新钱包获得的试用资金配置。
type TrialFundsData struct {
	Asset  common.Address `json:"asset"`
	Amount *big.Int       `json:"amount"`
}

// Recovery 是批量回收中的一项：钱包及其仓位列表。
type Recovery struct {
	Wallet    common.Address         `json:"wallet"`
	Positions []wallet.TrialPosition `json:"positions"`
}

// BatchResult 汇总一次批量回收。
type BatchResult struct {
	Recovered map[common.Address]wallet.RecoveryResult `json:"recovered"`
	Skipped   []common.Address                         `json:"skipped"`
	Total     *big.Int                                 `json:"total"`
}

// Factory 创建用户钱包并管理试用资金的发放与回收。
type Factory struct {
	addr   common.Address
	deps   wallet.Deps
	walOpt []wallet.Option

	publisher events.Publisher
	logger    *slog.Logger

	mu       sync.RWMutex
	governor common.Address
	trial    TrialFundsData
	template wallet.AgentPermission
	wallets  map[common.Address]*wallet.Wallet
	order    []common.Address
}

// Option 定义 Factory 的可选配置。
type Option func(*Factory)

// WithPublisher 设置事件发布器，同时用于新建的钱包。
func WithPublisher(p events.Publisher) Option {
	return func(f *Factory) { f.publisher = p }
}

// WithLogger 设置审计日志。
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

// WithTrialFunds 设置初始试用资金。
func WithTrialFunds(asset common.Address, amount *big.Int) Option {
	return func(f *Factory) { f.trial = TrialFundsData{Asset: asset, Amount: chain.Amount(amount)} }
}

// WithAgentTemplate 设置新钱包 agent 的默认授权。试用资产总会被加入授权。
func WithAgentTemplate(perm wallet.AgentPermission) Option {
	return func(f *Factory) { f.template = perm }
}

// WithWalletOptions 追加创建钱包时使用的选项，例如签名校验器或价格源。
func WithWalletOptions(opts ...wallet.Option) Option {
	return func(f *Factory) { f.walOpt = append(f.walOpt, opts...) }
}

// New 创建部署在 addr 的工厂。deps.Factory 会被设置为 addr。
func New(addr, governor common.Address, deps wallet.Deps, opts ...Option) (*Factory, error) {
	if addr == (common.Address{}) || governor == (common.Address{}) {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidAddress, "factory 地址与 governor 不能为空")
	}
	if deps.Ledger == nil || deps.Registry == nil || deps.Clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "factory 需要 ledger、registry 与 clock")
	}
	deps.Factory = addr
	f := &Factory{
		addr:     addr,
		deps:     deps,
		governor: governor,
		trial:    TrialFundsData{Amount: new(big.Int)},
		template: wallet.AgentPermission{Actions: wallet.AllActions},
		wallets:  make(map[common.Address]*wallet.Wallet),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.publisher == nil {
		f.publisher = events.Discard{}
	}
	if f.logger == nil {
		f.logger = logger.Audit().With(slog.String("component", "agent_factory"))
	}
	return f, nil
}

// Address 返回工厂地址，即试用资金储备的持有者。
func (f *Factory) Address() common.Address { return f.addr }

// Governor 返回当前 governor。
func (f *Factory) Governor() common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.governor
}

// SetGovernor 由当前 governor 移交权限。
func (f *Factory) SetGovernor(caller, governor common.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if caller != f.governor {
		return ErrNoPerms
	}
	if governor == (common.Address{}) {
		return ErrInvalidAddress
	}
	f.governor = governor
	f.logger.Info("工厂 governor 已变更", logger.Address("prev", caller), logger.Address("governor", governor))
	return nil
}

// TrialFundsData 返回当前试用资金配置。
func (f *Factory) TrialFundsData() TrialFundsData {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return TrialFundsData{Asset: f.trial.Asset, Amount: chain.Amount(f.trial.Amount)}
}

// SetTrialFundsData 设置新钱包的试用资金；资产或数量为零时不做修改并返回 false。
func (f *Factory) SetTrialFundsData(ctx context.Context, caller, asset common.Address, amount *big.Int) (bool, error) {
	f.mu.Lock()
	if caller != f.governor {
		f.mu.Unlock()
		return false, ErrNoPerms
	}
	if asset == (common.Address{}) || amount == nil || amount.Sign() <= 0 {
		f.mu.Unlock()
		return false, nil
	}
	f.trial = TrialFundsData{Asset: asset, Amount: new(big.Int).Set(amount)}
	f.mu.Unlock()

	ev := events.New(events.KindTrialFundsDataSet)
	ev.Signer = caller
	ev.Time = f.deps.Clock.Now()
	ev.With("asset", asset).With("amount", amount)
	f.publish(ctx, ev)
	return true, nil
}

// CreateUserWallet 为 owner 创建钱包，从储备中转入不超过配置数量的试用资金，
// 并在 agent 非零时按模板授权。
func (f *Factory) CreateUserWallet(ctx context.Context, owner, agent common.Address) (common.Address, error) {
	if owner == (common.Address{}) {
		return common.Address{}, ErrInvalidOwner
	}
	trial := f.TrialFundsData()
	f.mu.RLock()
	template := f.template
	f.mu.RUnlock()

	var (
		created *wallet.Wallet
		seeded  = new(big.Int)
	)
	err := f.deps.Ledger.Atomic(ctx, func(ctx context.Context) error {
		addr := f.deps.Ledger.DeriveAddress(f.addr)
		opts := append([]wallet.Option{wallet.WithPublisher(f.publisher)}, f.walOpt...)

		if trial.Asset != (common.Address{}) && trial.Amount.Sign() > 0 {
			seeded = chain.Min(trial.Amount, f.deps.Ledger.BalanceOf(trial.Asset, f.addr))
			if seeded.Sign() > 0 {
				if err := f.deps.Ledger.Transfer(trial.Asset, f.addr, addr, seeded); err != nil {
					return err
				}
				opts = append(opts, wallet.WithTrialFunds(trial.Asset, seeded))
			}
		}
		if agent != (common.Address{}) && agent != owner {
			opts = append(opts, wallet.WithAgent(agent, agentPermission(template, trial.Asset)))
		}

		w, err := wallet.New(addr, owner, f.deps, opts...)
		if err != nil {
			return err
		}
		created = w
		return nil
	})
	if err != nil {
		f.logger.Warn("创建用户钱包失败", logger.Address("owner", owner), slog.Any("error", err))
		return common.Address{}, err
	}

	f.mu.Lock()
	f.wallets[created.Address()] = created
	f.order = append(f.order, created.Address())
	f.mu.Unlock()

	ev := events.New(events.KindUserWalletCreated)
	ev.Wallet = created.Address()
	ev.Signer = owner
	ev.Time = f.deps.Clock.Now()
	ev.With("owner", owner).With("agent", agent).With("trial_asset", trial.Asset).With("trial_amount", seeded)
	f.publish(ctx, ev)
	return created.Address(), nil
}

func agentPermission(template wallet.AgentPermission, trialAsset common.Address) wallet.AgentPermission {
	perm := wallet.AgentPermission{
		Actions: template.Actions,
		Assets:  append([]common.Address(nil), template.Assets...),
		LegoIDs: append([]uint64(nil), template.LegoIDs...),
	}
	if trialAsset != (common.Address{}) {
		perm.Assets = append(perm.Assets, trialAsset)
	}
	return perm
}

// IsUserWallet 判断 addr 是否由本工厂创建。
func (f *Factory) IsUserWallet(addr common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.wallets[addr]
	return ok
}

// Wallet 返回 addr 对应的钱包。
func (f *Factory) Wallet(addr common.Address) (*wallet.Wallet, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	w, ok := f.wallets[addr]
	if !ok {
		return nil, ErrUnknownWallet
	}
	return w, nil
}

// Wallets 按创建顺序返回全部钱包地址。
func (f *Factory) Wallets() []common.Address {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]common.Address(nil), f.order...)
}

// NumUserWallets 返回已创建的钱包数量。
func (f *Factory) NumUserWallets() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.order)
}

// RecoverTrialFunds 由 governor 触发单个钱包的试用资金回收。
func (f *Factory) RecoverTrialFunds(ctx context.Context, caller, addr common.Address, positions []wallet.TrialPosition) (wallet.RecoveryResult, error) {
	if caller != f.Governor() {
		return wallet.RecoveryResult{}, ErrNoPerms
	}
	w, err := f.Wallet(addr)
	if err != nil {
		return wallet.RecoveryResult{}, err
	}
	return w.RecoverTrialFunds(ctx, f.addr, positions)
}

// RecoverTrialFundsMany 在一次调用中回收多个钱包。单个钱包回收不足不会中断批次；
// 没有试用资金记录的钱包记为跳过；其余错误使整个批次回滚。
func (f *Factory) RecoverTrialFundsMany(ctx context.Context, caller common.Address, batch []Recovery) (BatchResult, error) {
	if caller != f.Governor() {
		return BatchResult{}, ErrNoPerms
	}
	out := BatchResult{Recovered: make(map[common.Address]wallet.RecoveryResult), Total: new(big.Int)}
	err := f.deps.Ledger.Atomic(ctx, func(ctx context.Context) error {
		for _, item := range batch {
			w, err := f.Wallet(item.Wallet)
			if err != nil {
				return err
			}
			if !w.TrialFunds().Active() {
				out.Skipped = append(out.Skipped, item.Wallet)
				continue
			}
			res, err := w.RecoverTrialFunds(ctx, f.addr, item.Positions)
			if err != nil {
				return err
			}
			out.Recovered[item.Wallet] = res
			out.Total.Add(out.Total, res.Recovered)
		}
		return nil
	})
	if err != nil {
		f.logger.Warn("批量回收试用资金失败", slog.Int("wallets", len(batch)), slog.Any("error", err))
		return BatchResult{}, err
	}
	sort.Slice(out.Skipped, func(i, j int) bool { return out.Skipped[i].Cmp(out.Skipped[j]) < 0 })
	f.logger.Info("批量回收试用资金完成",
		slog.Int("wallets", len(batch)),
		slog.Int("skipped", len(out.Skipped)),
		logger.Amount("total", out.Total),
	)
	return out, nil
}

func (f *Factory) publish(ctx context.Context, ev *events.Event) {
	f.logger.Info("工厂事件", slog.String("kind", string(ev.Kind)), logger.Address("wallet", ev.Wallet))
	if err := f.publisher.Publish(ctx, ev); err != nil {
		f.logger.Warn("发布工厂事件失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}
