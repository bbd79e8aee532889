package wallet

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"

	"github.com/underscore-finance/underscore/internal/chain"
	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/internal/events"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// 所有权与白名单变更的默认时间锁（单位与 Clock 一致）。
const (
	DefaultOwnershipChangeDelay    uint64 = 21_600
	DefaultMinOwnershipChangeDelay uint64 = 1
	DefaultMaxOwnershipChangeDelay uint64 = 302_400
)

// PendingChange 是一项待确认的治理变更。
type PendingChange struct {
	Addr        common.Address `json:"addr"`
	InitiatedAt uint64         `json:"initiated_at"`
	ConfirmAt   uint64         `json:"confirm_at"`
	ExpiresAt   uint64         `json:"expires_at,omitempty"`
}

func (p *PendingChange) ready(now uint64) error {
	if now < p.ConfirmAt {
		return xerrors.Wrap(xerrors.CodeTimelockNotElapsed, ErrTimelockNotElapsed, "time delay not reached",
			xerrors.WithMetadata("confirm_at", strconv.FormatUint(p.ConfirmAt, 10)))
	}
	if p.ExpiresAt != 0 && now > p.ExpiresAt {
		return ErrChangeExpired
	}
	return nil
}

// ConfigSettings 是 Config 的时间锁参数，零值字段使用默认值。
type ConfigSettings struct {
	OwnershipChangeDelay uint64
	MinChangeDelay       uint64
	MaxChangeDelay       uint64
	// ChangeExpiry 为待确认变更在可确认之后保持有效的时长，0 表示永不过期。
	ChangeExpiry uint64
}

// Config 是单个钱包的策略存储：owner、agent 授权、转账白名单与待确认的治理变更。
type Config struct {
	mu               sync.RWMutex
	wallet           common.Address
	owner            common.Address
	agents           map[common.Address]*AgentPermission
	whitelist        map[common.Address]struct{}
	pendingWhitelist *PendingChange
	pendingOwner     *PendingChange
	delay            uint64
	minDelay         uint64
	maxDelay         uint64
	expiry           uint64
	spent            map[common.Address]map[common.Address]*spendWindow

	clock     chain.Clock
	publisher events.Publisher
	logger    *slog.Logger
}

// NewConfig 创建钱包策略存储。
func NewConfig(wallet, owner common.Address, clock chain.Clock, settings ConfigSettings, publisher events.Publisher, log *slog.Logger) (*Config, error) {
	if owner == (common.Address{}) || owner == wallet {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidAddress, "invalid owner")
	}
	if clock == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "config 需要 clock")
	}
	c := &Config{
		wallet:    wallet,
		owner:     owner,
		agents:    make(map[common.Address]*AgentPermission),
		whitelist: make(map[common.Address]struct{}),
		delay:     settings.OwnershipChangeDelay,
		minDelay:  settings.MinChangeDelay,
		maxDelay:  settings.MaxChangeDelay,
		expiry:    settings.ChangeExpiry,
		spent:     make(map[common.Address]map[common.Address]*spendWindow),
		clock:     clock,
		publisher: publisher,
		logger:    log,
	}
	if c.delay == 0 {
		c.delay = DefaultOwnershipChangeDelay
	}
	if c.minDelay == 0 {
		c.minDelay = DefaultMinOwnershipChangeDelay
	}
	if c.maxDelay == 0 {
		c.maxDelay = DefaultMaxOwnershipChangeDelay
	}
	if c.minDelay > c.maxDelay || c.delay < c.minDelay || c.delay > c.maxDelay {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidDelay, "ownership change delay out of bounds")
	}
	if c.publisher == nil {
		c.publisher = events.Discard{}
	}
	if c.logger == nil {
		c.logger = logger.Audit().With(slog.String("component", "wallet_config"))
	}
	return c, nil
}

// Wallet 返回所属钱包地址。
func (c *Config) Wallet() common.Address { return c.wallet }

// Owner 返回当前 owner。
func (c *Config) Owner() common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// OwnershipChangeDelay 返回当前治理时间锁。
func (c *Config) OwnershipChangeDelay() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.delay
}

// Agent 返回 agent 授权的副本。
func (c *Config) Agent(agent common.Address) (AgentPermission, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.agents[agent]
	if !ok {
		return AgentPermission{}, false
	}
	return *p.clone(), true
}

// Agents 返回全部 agent 授权的副本。
func (c *Config) Agents() map[common.Address]AgentPermission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[common.Address]AgentPermission, len(c.agents))
	for addr, p := range c.agents {
		out[addr] = *p.clone()
	}
	return out
}

// CanAgentAccess 判断 agent 是否拥有 action，以及 assets 与 legoIDs 中每一项的授权。
func (c *Config) CanAgentAccess(agent common.Address, action Action, assets []common.Address, legoIDs []uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[agent].Allows(action, assets, legoIDs)
}

// IsRecipientAllowed 仅允许 owner 与已确认的白名单地址接收资金。
func (c *Config) IsRecipientAllowed(recipient common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if recipient == c.owner {
		return true
	}
	_, ok := c.whitelist[recipient]
	return ok
}

// Whitelist 返回已确认的白名单，按地址排序。
func (c *Config) Whitelist() []common.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]common.Address, 0, len(c.whitelist))
	for addr := range c.whitelist {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// PendingWhitelist 返回待确认的白名单地址。
func (c *Config) PendingWhitelist() (PendingChange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pendingWhitelist == nil {
		return PendingChange{}, false
	}
	return *c.pendingWhitelist, true
}

// PendingOwnership 返回待确认的新 owner。
func (c *Config) PendingOwnership() (PendingChange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.pendingOwner == nil {
		return PendingChange{}, false
	}
	return *c.pendingOwner, true
}

// authorize 解析调用者身份：owner 直接放行，agent 需要对应授权。
func (c *Config) authorize(signer common.Address, action Action, assets []common.Address, legoIDs []uint64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if signer == c.owner {
		return false, nil
	}
	if !c.agents[signer].Allows(action, assets, legoIDs) {
		return false, ErrAgentNotAllowed
	}
	return true, nil
}

// AddOrModifyAgent 新增或整体替换 agent 授权。
func (c *Config) AddOrModifyAgent(ctx context.Context, caller, agent common.Address, perm AgentPermission) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if !c.validAgentLocked(agent) {
		c.mu.Unlock()
		return ErrInvalidAgent
	}
	p := perm.clone()
	p.normalize()
	_, existed := c.agents[agent]
	c.agents[agent] = p
	snap := p.clone()
	c.mu.Unlock()

	c.emitAgent(ctx, caller, agent, snap, existed)
	return nil
}

// DisableAgent 移除 agent 的全部授权。
func (c *Config) DisableAgent(ctx context.Context, caller, agent common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if _, ok := c.agents[agent]; !ok {
		c.mu.Unlock()
		return ErrAgentNotFound
	}
	delete(c.agents, agent)
	delete(c.spent, agent)
	c.mu.Unlock()

	ev := c.newEvent(events.KindAgentDisabled, caller)
	ev.With("agent", agent)
	c.publish(ctx, ev)
	return nil
}

// AddAssetForAgent 为 agent 增加一个可操作资产。
func (c *Config) AddAssetForAgent(ctx context.Context, caller, agent, asset common.Address) error {
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		if !p.hasAsset(asset) {
			p.Assets = append(p.Assets, asset)
		}
	})
}

// RemoveAssetForAgent 撤销 agent 对 asset 的授权。
func (c *Config) RemoveAssetForAgent(ctx context.Context, caller, agent, asset common.Address) error {
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		kept := p.Assets[:0]
		for _, a := range p.Assets {
			if a != asset {
				kept = append(kept, a)
			}
		}
		p.Assets = kept
	})
}

// AddLegoIDForAgent 为 agent 增加一个可用 Lego。
func (c *Config) AddLegoIDForAgent(ctx context.Context, caller, agent common.Address, legoID uint64) error {
	if legoID == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid lego id")
	}
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		if !p.hasLegoID(legoID) {
			p.LegoIDs = append(p.LegoIDs, legoID)
		}
	})
}

// RemoveLegoIDForAgent 撤销 agent 对 legoID 的授权。
func (c *Config) RemoveLegoIDForAgent(ctx context.Context, caller, agent common.Address, legoID uint64) error {
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		kept := p.LegoIDs[:0]
		for _, id := range p.LegoIDs {
			if id != legoID {
				kept = append(kept, id)
			}
		}
		p.LegoIDs = kept
	})
}

// ModifyAllowedActions 替换 agent 的动作掩码。
func (c *Config) ModifyAllowedActions(ctx context.Context, caller, agent common.Address, actions Action) error {
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		p.Actions = actions
	})
}

// SetSpendLimit 设置 agent 对 asset 的周期限额；limit.Amount 为空表示取消限额。
func (c *Config) SetSpendLimit(ctx context.Context, caller, agent, asset common.Address, limit SpendLimit) error {
	if limit.Amount != nil && limit.Amount.Sign() > 0 && limit.Period == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "spend limit period must be positive")
	}
	return c.modifyAgent(ctx, caller, agent, func(p *AgentPermission) {
		if limit.Amount == nil || limit.Amount.Sign() == 0 {
			delete(p.SpendLimits, asset)
			return
		}
		if p.SpendLimits == nil {
			p.SpendLimits = make(map[common.Address]SpendLimit)
		}
		p.SpendLimits[asset] = SpendLimit{Amount: new(big.Int).Set(limit.Amount), Period: limit.Period}
	})
}

func (c *Config) modifyAgent(ctx context.Context, caller, agent common.Address, mutate func(*AgentPermission)) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	p, ok := c.agents[agent]
	if !ok {
		c.mu.Unlock()
		return ErrAgentNotFound
	}
	mutate(p)
	p.normalize()
	snap := p.clone()
	c.mu.Unlock()

	c.emitAgent(ctx, caller, agent, snap, true)
	return nil
}

func (c *Config) validAgentLocked(agent common.Address) bool {
	return agent != (common.Address{}) && agent != c.owner && agent != c.wallet
}

// chargeSpend 记录 agent 发出的 amount，超过周期限额时拒绝。返回的 undo 用于回滚。
func (c *Config) chargeSpend(agent, asset common.Address, amount *big.Int) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.agents[agent]
	if !ok {
		return nil, nil
	}
	limit, ok := p.SpendLimits[asset]
	if !ok || limit.Amount == nil || limit.Amount.Sign() == 0 {
		return nil, nil
	}
	window := c.clock.Now() / limit.Period
	byAsset, ok := c.spent[agent]
	if !ok {
		byAsset = make(map[common.Address]*spendWindow)
		c.spent[agent] = byAsset
	}
	prev, had := byAsset[asset]
	spent := new(big.Int)
	if had && prev.window == window {
		spent.Set(prev.spent)
	}
	spent.Add(spent, amount)
	if spent.Cmp(limit.Amount) > 0 {
		return nil, xerrors.Wrap(xerrors.CodeSpendLimitExceeded, ErrSpendLimitExceeded, "spend limit exceeded",
			xerrors.WithMetadata("asset", asset.Hex()),
			xerrors.WithMetadata("limit", limit.Amount.String()))
	}
	byAsset[asset] = &spendWindow{window: window, spent: spent}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if had {
			byAsset[asset] = prev
		} else {
			delete(byAsset, asset)
		}
	}, nil
}

// AddWhitelistAddr 提议将 addr 加入白名单，覆盖之前未确认的提议。
func (c *Config) AddWhitelistAddr(ctx context.Context, caller, addr common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if _, listed := c.whitelist[addr]; listed || addr == (common.Address{}) || addr == c.wallet || addr == c.owner {
		c.mu.Unlock()
		return ErrInvalidAddress
	}
	c.pendingWhitelist = c.newPendingLocked(addr)
	pending := *c.pendingWhitelist
	c.mu.Unlock()

	c.emitPending(ctx, events.KindWhitelistPending, caller, pending)
	return nil
}

// ConfirmWhitelistAddr 在时间锁到期后确认 addr。
func (c *Config) ConfirmWhitelistAddr(ctx context.Context, caller, addr common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if c.pendingWhitelist == nil || c.pendingWhitelist.Addr != addr {
		c.mu.Unlock()
		return ErrNoPendingChange
	}
	if err := c.pendingWhitelist.ready(c.clock.Now()); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := *c.pendingWhitelist
	c.whitelist[addr] = struct{}{}
	c.pendingWhitelist = nil
	c.mu.Unlock()

	c.emitPending(ctx, events.KindWhitelistConfirmed, caller, pending)
	return nil
}

// CancelPendingWhitelistAddr 撤回待确认的白名单提议。
func (c *Config) CancelPendingWhitelistAddr(ctx context.Context, caller, addr common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if c.pendingWhitelist == nil || c.pendingWhitelist.Addr != addr {
		c.mu.Unlock()
		return ErrNoPendingChange
	}
	pending := *c.pendingWhitelist
	c.pendingWhitelist = nil
	c.mu.Unlock()

	c.emitPending(ctx, events.KindWhitelistCancelled, caller, pending)
	return nil
}

// RemoveWhitelistAddr 立即移除白名单地址。
func (c *Config) RemoveWhitelistAddr(ctx context.Context, caller, addr common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if _, ok := c.whitelist[addr]; !ok {
		c.mu.Unlock()
		return ErrInvalidAddress
	}
	delete(c.whitelist, addr)
	c.mu.Unlock()

	ev := c.newEvent(events.KindWhitelistRemoved, caller)
	ev.With("addr", addr)
	c.publish(ctx, ev)
	return nil
}

// ChangeOwnership 提议新的 owner，覆盖之前未确认的提议。
func (c *Config) ChangeOwnership(ctx context.Context, caller, newOwner common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if newOwner == (common.Address{}) || newOwner == c.owner || newOwner == c.wallet {
		c.mu.Unlock()
		return ErrInvalidAddress
	}
	c.pendingOwner = c.newPendingLocked(newOwner)
	pending := *c.pendingOwner
	c.mu.Unlock()

	c.emitPending(ctx, events.KindOwnershipPending, caller, pending)
	return nil
}

// ConfirmOwnershipChange 由被提议的新 owner 在时间锁到期后确认。
func (c *Config) ConfirmOwnershipChange(ctx context.Context, caller common.Address) error {
	c.mu.Lock()
	if c.pendingOwner == nil {
		c.mu.Unlock()
		return ErrNoPendingChange
	}
	if caller != c.pendingOwner.Addr {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if err := c.pendingOwner.ready(c.clock.Now()); err != nil {
		c.mu.Unlock()
		return err
	}
	pending := *c.pendingOwner
	prev := c.owner
	c.owner = pending.Addr
	delete(c.agents, pending.Addr)
	delete(c.whitelist, pending.Addr)
	c.pendingOwner = nil
	c.mu.Unlock()

	c.emitPending(ctx, events.KindOwnershipConfirmed, caller, pending, func(ev *events.Event) {
		ev.With("prev_owner", prev)
	})
	return nil
}

// CancelOwnershipChange 由当前 owner 撤回提议。
func (c *Config) CancelOwnershipChange(ctx context.Context, caller common.Address) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if c.pendingOwner == nil {
		c.mu.Unlock()
		return ErrNoPendingChange
	}
	pending := *c.pendingOwner
	c.pendingOwner = nil
	c.mu.Unlock()

	c.emitPending(ctx, events.KindOwnershipCancelled, caller, pending)
	return nil
}

// SetOwnershipChangeDelay 调整治理时间锁，只影响之后的提议。
func (c *Config) SetOwnershipChangeDelay(ctx context.Context, caller common.Address, delay uint64) error {
	c.mu.Lock()
	if caller != c.owner {
		c.mu.Unlock()
		return ErrNoPerms
	}
	if delay < c.minDelay || delay > c.maxDelay {
		c.mu.Unlock()
		return ErrInvalidDelay
	}
	c.delay = delay
	c.mu.Unlock()

	c.logger.Info("治理时间锁已调整",
		logger.Address("wallet", c.wallet),
		logger.Address("caller", caller),
		slog.Uint64("delay", delay),
	)
	return nil
}

func (c *Config) newPendingLocked(addr common.Address) *PendingChange {
	now := c.clock.Now()
	p := &PendingChange{Addr: addr, InitiatedAt: now, ConfirmAt: now + c.delay}
	if c.expiry > 0 {
		p.ExpiresAt = p.ConfirmAt + c.expiry
	}
	return p
}

func (c *Config) newEvent(kind events.Kind, caller common.Address) *events.Event {
	ev := events.New(kind)
	ev.Wallet = c.wallet
	ev.Signer = caller
	ev.Time = c.clock.Now()
	return ev
}

func (c *Config) emitAgent(ctx context.Context, caller, agent common.Address, p *AgentPermission, existed bool) {
	ev := c.newEvent(events.KindAgentUpdated, caller)
	ev.With("agent", agent).
		With("actions", p.Actions.String()).
		With("num_assets", len(p.Assets)).
		With("num_lego_ids", len(p.LegoIDs)).
		With("existed", existed)
	c.publish(ctx, ev)
}

func (c *Config) emitPending(ctx context.Context, kind events.Kind, caller common.Address, p PendingChange, decorate ...func(*events.Event)) {
	ev := c.newEvent(kind, caller)
	ev.With("addr", p.Addr).With("initiated_at", p.InitiatedAt).With("confirm_at", p.ConfirmAt)
	for _, fn := range decorate {
		fn(ev)
	}
	c.publish(ctx, ev)
}

func (c *Config) publish(ctx context.Context, ev *events.Event) {
	c.logger.Info("钱包配置变更",
		slog.String("kind", string(ev.Kind)),
		logger.Address("wallet", c.wallet),
		logger.Address("caller", ev.Signer),
	)
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn("发布配置事件失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}
