package lego

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

// Status is the lifecycle state of a registry entry.
type Status uint8

const (
	StatusNone Status = iota
	StatusPendingAdd
	StatusActive
	StatusPendingRemoval
	StatusRemoved
)

func (s Status) String() string {
	switch s {
	case StatusPendingAdd:
		return "pending_add"
	case StatusActive:
		return "active"
	case StatusPendingRemoval:
		return "pending_removal"
	case StatusRemoved:
		return "removed"
	default:
		return "none"
	}
}

// MarshalText renders the status by name in JSON responses.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ChangeKind identifies what a pending change will do once confirmed.
type ChangeKind uint8

const (
	ChangeAdd ChangeKind = iota + 1
	ChangeUpdate
	ChangeDisable
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeDisable:
		return "disable"
	default:
		return "none"
	}
}

// MarshalText renders the kind by name in JSON responses.
func (k ChangeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// PendingChange is a proposal waiting for its delay to elapse. ExpiresAt is
// zero when the change never expires.
type PendingChange struct {
	Kind        ChangeKind     `json:"kind"`
	NewAddr     common.Address `json:"new_addr"`
	InitiatedAt uint64         `json:"initiated_at"`
	ConfirmAt   uint64         `json:"confirm_at"`
	ExpiresAt   uint64         `json:"expires_at"`

	adapter Adapter
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

// Entry is a snapshot of one registry row.
type Entry struct {
	ID       uint64         `json:"id"`
	Addr     common.Address `json:"addr"`
	Name     string         `json:"name"`
	Category Category       `json:"category"`
	Status   Status         `json:"status"`
	Version  uint64         `json:"version"`
	Pending  *PendingChange `json:"pending,omitempty"`
}

type entry struct {
	Entry
	adapter Adapter
}

func (e *entry) snapshot() Entry {
	out := e.Entry
	if e.Pending != nil {
		pending := *e.Pending
		out.Pending = &pending
	}
	return out
}

func (e *entry) bump() { e.Version++ }

var (
	ErrNoPerms            = xerrors.New(xerrors.CodePermissionDenied, "no perms")
	ErrInvalidLego        = xerrors.New(xerrors.CodeInvalidAdapter, "invalid lego")
	ErrInvalidLegoAddr    = xerrors.New(xerrors.CodeInvalidArgument, "invalid lego addr")
	ErrInvalidDelay       = xerrors.New(xerrors.CodeInvalidArgument, "invalid delay")
	ErrTimelockNotElapsed = xerrors.New(xerrors.CodeTimelockNotElapsed, "time delay not reached")
	ErrNoPendingChange    = xerrors.New(xerrors.CodeNoPendingChange, "no pending change")
	ErrChangeExpired      = xerrors.New(xerrors.CodeChangeExpired, "pending change expired")
)

// Default delays, in clock units (blocks at a 2s interval for the daemon).
const (
	DefaultChangeDelay    uint64 = 43_200
	DefaultMinChangeDelay uint64 = 1
	DefaultMaxChangeDelay uint64 = 302_400
)

// BalanceReader reads token balances. *chain.Ledger satisfies it.
type BalanceReader interface {
	BalanceOf(asset, holder common.Address) *big.Int
}

// Registry catalogs adapters by numeric id. Ids start at 1, are assigned
// in order and never reused. Every mutation goes through a time-locked
// propose / confirm / cancel lifecycle controlled by the governor.
type Registry struct {
	mu       sync.RWMutex
	entries  []*entry
	governor common.Address
	delay    uint64
	minDelay uint64
	maxDelay uint64
	expiry   uint64

	clock     chain.Clock
	balances  BalanceReader
	publisher events.Publisher
	logger    *slog.Logger
	genesis   []genesisLego
}

type genesisLego struct {
	adapter Adapter
	name    string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithChangeDelay sets the delay between proposal and confirmation.
func WithChangeDelay(delay uint64) RegistryOption {
	return func(r *Registry) { r.delay = delay }
}

// WithDelayBounds sets the range SetLegoChangeDelay accepts.
func WithDelayBounds(minDelay, maxDelay uint64) RegistryOption {
	return func(r *Registry) {
		r.minDelay = minDelay
		r.maxDelay = maxDelay
	}
}

// WithChangeExpiry makes pending changes unconfirmable once expiry units have
// passed after they became confirmable. Zero disables expiry.
func WithChangeExpiry(expiry uint64) RegistryOption {
	return func(r *Registry) { r.expiry = expiry }
}

// WithPublisher sets where lifecycle events are published.
func WithPublisher(p events.Publisher) RegistryOption {
	return func(r *Registry) { r.publisher = p }
}

// WithRegistryLogger sets the audit logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithGenesisLego registers adapter as Active at construction.
func WithGenesisLego(adapter Adapter, name string) RegistryOption {
	return func(r *Registry) {
		r.genesis = append(r.genesis, genesisLego{adapter: adapter, name: name})
	}
}

// NewRegistry builds a registry governed by governor.
func NewRegistry(governor common.Address, clock chain.Clock, balances BalanceReader, opts ...RegistryOption) (*Registry, error) {
	if clock == nil || balances == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "registry 需要 clock 与 balance reader")
	}
	r := &Registry{
		governor: governor,
		delay:    DefaultChangeDelay,
		minDelay: DefaultMinChangeDelay,
		maxDelay: DefaultMaxChangeDelay,
		clock:    clock,
		balances: balances,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.publisher == nil {
		r.publisher = events.Discard{}
	}
	if r.logger == nil {
		r.logger = logger.Audit().With(slog.String("component", "lego_registry"))
	}
	if r.minDelay > r.maxDelay || r.delay < r.minDelay || r.delay > r.maxDelay {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, ErrInvalidDelay, "change delay out of bounds")
	}
	for _, g := range r.genesis {
		if !r.isValidNewAddrLocked(g.adapter) {
			return nil, ErrInvalidLegoAddr
		}
		id := uint64(len(r.entries) + 1)
		g.adapter.SetLegoID(id)
		r.entries = append(r.entries, &entry{
			Entry: Entry{
				ID:       id,
				Addr:     g.adapter.Address(),
				Name:     g.name,
				Category: g.adapter.Category(),
				Status:   StatusActive,
				Version:  1,
			},
			adapter: g.adapter,
		})
	}
	r.genesis = nil
	return r, nil
}

// Governor returns the current registry governor.
func (r *Registry) Governor() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.governor
}

// ChangeDelay returns the current proposal delay.
func (r *Registry) ChangeDelay() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.delay
}

// RegisterNewLego proposes adapter under the next id in PendingAdd.
func (r *Registry) RegisterNewLego(ctx context.Context, caller common.Address, adapter Adapter, name string) (uint64, error) {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return 0, ErrNoPerms
	}
	if !r.isValidNewAddrLocked(adapter) {
		r.mu.Unlock()
		return 0, ErrInvalidLegoAddr
	}
	id := uint64(len(r.entries) + 1)
	pending := r.newPendingLocked(ChangeAdd, adapter)
	e := &entry{
		Entry: Entry{
			ID:       id,
			Addr:     adapter.Address(),
			Name:     name,
			Category: adapter.Category(),
			Status:   StatusPendingAdd,
			Version:  1,
			Pending:  pending,
		},
	}
	r.entries = append(r.entries, e)
	snap := e.snapshot()
	r.mu.Unlock()

	r.emit(ctx, events.KindLegoRegistered, caller, snap, func(ev *events.Event) {
		ev.With("name", name).With("category", adapter.Category().String()).With("confirm_at", pending.ConfirmAt)
	})
	return id, nil
}

// ConfirmNewLegoRegistration activates a pending registration once its delay
// has elapsed.
func (r *Registry) ConfirmNewLegoRegistration(ctx context.Context, caller common.Address, id uint64) error {
	return r.confirm(ctx, caller, id, ChangeAdd, events.KindLegoActivated, func(e *entry) {
		e.adapter = e.Pending.adapter
		e.adapter.SetLegoID(e.ID)
		e.Status = StatusActive
	})
}

// CancelPendingNewLego abandons a pending registration. The id is retired.
func (r *Registry) CancelPendingNewLego(ctx context.Context, caller common.Address, id uint64) error {
	return r.cancel(ctx, caller, id, ChangeAdd, events.KindLegoRegistrationCancelled, func(e *entry) {
		e.Status = StatusRemoved
	})
}

// UpdateLegoAddr proposes replacing the adapter behind an Active id. A newer
// proposal overwrites an older pending update.
func (r *Registry) UpdateLegoAddr(ctx context.Context, caller common.Address, id uint64, adapter Adapter) error {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return ErrNoPerms
	}
	e, ok := r.lookupLocked(id)
	if !ok || e.Status != StatusActive {
		r.mu.Unlock()
		return ErrInvalidLego
	}
	if !r.isValidNewAddrLocked(adapter) || adapter.Category() != e.Category {
		r.mu.Unlock()
		return ErrInvalidLegoAddr
	}
	e.Pending = r.newPendingLocked(ChangeUpdate, adapter)
	e.bump()
	snap := e.snapshot()
	r.mu.Unlock()

	r.emit(ctx, events.KindLegoUpdatePending, caller, snap, func(ev *events.Event) {
		ev.With("new_addr", adapter.Address()).With("confirm_at", snap.Pending.ConfirmAt)
	})
	return nil
}

// ConfirmLegoUpdate swaps in the proposed adapter.
func (r *Registry) ConfirmLegoUpdate(ctx context.Context, caller common.Address, id uint64) error {
	return r.confirm(ctx, caller, id, ChangeUpdate, events.KindLegoUpdated, func(e *entry) {
		e.adapter = e.Pending.adapter
		e.adapter.SetLegoID(e.ID)
		e.Addr = e.adapter.Address()
	})
}

// CancelPendingLegoUpdate drops a pending update; the current adapter stays.
func (r *Registry) CancelPendingLegoUpdate(ctx context.Context, caller common.Address, id uint64) error {
	return r.cancel(ctx, caller, id, ChangeUpdate, events.KindLegoUpdateCancelled, nil)
}

// DisableLego moves an Active entry to PendingRemoval. Any pending update is
// discarded.
func (r *Registry) DisableLego(ctx context.Context, caller common.Address, id uint64) error {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return ErrNoPerms
	}
	e, ok := r.lookupLocked(id)
	if !ok || e.Status != StatusActive {
		r.mu.Unlock()
		return ErrInvalidLego
	}
	e.Pending = r.newPendingLocked(ChangeDisable, nil)
	e.Status = StatusPendingRemoval
	e.bump()
	snap := e.snapshot()
	r.mu.Unlock()

	r.emit(ctx, events.KindLegoDisablePending, caller, snap, func(ev *events.Event) {
		ev.With("confirm_at", snap.Pending.ConfirmAt)
	})
	return nil
}

// ConfirmLegoDisable removes the entry for good.
func (r *Registry) ConfirmLegoDisable(ctx context.Context, caller common.Address, id uint64) error {
	return r.confirm(ctx, caller, id, ChangeDisable, events.KindLegoDisabled, func(e *entry) {
		e.Status = StatusRemoved
	})
}

// CancelPendingLegoDisable returns the entry to Active.
func (r *Registry) CancelPendingLegoDisable(ctx context.Context, caller common.Address, id uint64) error {
	return r.cancel(ctx, caller, id, ChangeDisable, events.KindLegoDisableCancelled, func(e *entry) {
		e.Status = StatusActive
	})
}

// SetLegoChangeDelay updates the delay applied to new proposals.
func (r *Registry) SetLegoChangeDelay(ctx context.Context, caller common.Address, delay uint64) error {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return ErrNoPerms
	}
	if delay < r.minDelay || delay > r.maxDelay {
		r.mu.Unlock()
		return ErrInvalidDelay
	}
	r.delay = delay
	r.mu.Unlock()

	r.logger.Info("lego 变更延迟已更新", logger.Address("caller", caller), slog.Uint64("delay", delay))
	ev := events.New(events.KindLegoChangeDelaySet).With("delay", delay)
	ev.Signer = caller
	ev.Time = r.clock.Now()
	r.publish(ctx, ev)
	return nil
}

// SetGovernor hands registry authority to governor.
func (r *Registry) SetGovernor(caller, governor common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.governor {
		return ErrNoPerms
	}
	if governor == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "invalid governor")
	}
	r.governor = governor
	r.logger.Info("registry governor 已变更", logger.Address("from", caller), logger.Address("to", governor))
	return nil
}

// GetLegoAddr returns the adapter address of an Active entry.
func (r *Registry) GetLegoAddr(id uint64) (common.Address, error) {
	a, err := r.Adapter(id)
	if err != nil {
		return common.Address{}, err
	}
	return a.Address(), nil
}

// Adapter returns the adapter behind an Active entry.
func (r *Registry) Adapter(id uint64) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.lookupLocked(id)
	if !ok || e.Status != StatusActive || e.adapter == nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidAdapter, ErrInvalidLego, "invalid lego",
			xerrors.WithMetadata("lego_id", strconv.FormatUint(id, 10)))
	}
	return e.adapter, nil
}

// GetLegoID returns the id of the Active entry at addr.
func (r *Registry) GetLegoID(addr common.Address) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Status == StatusActive && e.Addr == addr {
			return e.ID, true
		}
	}
	return 0, false
}

// IsValidLegoID reports whether id resolves to an Active entry.
func (r *Registry) IsValidLegoID(id uint64) bool {
	_, err := r.Adapter(id)
	return err == nil
}

// NumLegos returns how many ids have been assigned.
func (r *Registry) NumLegos() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.entries))
}

// Entry returns a snapshot of entry id.
func (r *Registry) Entry(id uint64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.lookupLocked(id)
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Entries returns snapshots of every entry in id order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.snapshot()
	}
	return out
}

// GetUnderlyingAsset maps a vault token to its underlying asset using the
// first Active adapter that recognizes it.
func (r *Registry) GetUnderlyingAsset(vaultToken common.Address) (common.Address, bool) {
	for _, a := range r.activeAdapters() {
		if asset, ok := a.UnderlyingAsset(vaultToken); ok {
			return asset, true
		}
	}
	return common.Address{}, false
}

// UnderlyingOf converts amount of vaultToken into underlying units. Adapters
// pending removal still count, since wallets keep holding their shares.
func (r *Registry) UnderlyingOf(vaultToken common.Address, amount *big.Int) (common.Address, *big.Int, bool) {
	for _, a := range r.positionAdapters() {
		if asset, ok := a.UnderlyingAsset(vaultToken); ok {
			return asset, a.UnderlyingAmount(vaultToken, amount), true
		}
	}
	return common.Address{}, nil, false
}

// GetUnderlyingForUser sums user's vault token positions whose underlying is
// asset, across Active adapters and adapters pending removal, in underlying
// units. A vault token known to several adapters is counted once.
func (r *Registry) GetUnderlyingForUser(user, asset common.Address) *big.Int {
	total := new(big.Int)
	for _, p := range r.vaultPositions(asset, r.positionAdapters()) {
		bal := r.balances.BalanceOf(p.token, user)
		if bal.Sign() == 0 {
			continue
		}
		total.Add(total, p.adapter.UnderlyingAmount(p.token, bal))
	}
	return total
}

func (r *Registry) activeAdapters() []Adapter {
	return r.adaptersWith(StatusActive)
}

// positionAdapters 包含仍可能持有用户仓位的 adapter。
func (r *Registry) positionAdapters() []Adapter {
	return r.adaptersWith(StatusActive, StatusPendingRemoval)
}

func (r *Registry) adaptersWith(statuses ...Status) []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.entries))
	for _, e := range r.entries {
		if e.adapter == nil {
			continue
		}
		for _, s := range statuses {
			if e.Status == s {
				out = append(out, e.adapter)
				break
			}
		}
	}
	return out
}

type vaultPosition struct {
	token   common.Address
	adapter Adapter
}

// vaultPositions 按地址排序返回 asset 的 vault token，重复的 token 归属第一个识别它的 adapter。
func (r *Registry) vaultPositions(asset common.Address, adapters []Adapter) []vaultPosition {
	seen := make(map[common.Address]struct{})
	var out []vaultPosition
	for _, a := range adapters {
		for _, vt := range a.VaultTokens(asset) {
			if _, dup := seen[vt]; dup {
				continue
			}
			seen[vt] = struct{}{}
			out = append(out, vaultPosition{token: vt, adapter: a})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].token.Cmp(out[j].token) < 0 })
	return out
}

func (r *Registry) confirm(ctx context.Context, caller common.Address, id uint64, kind ChangeKind, evKind events.Kind, apply func(*entry)) error {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return ErrNoPerms
	}
	e, ok := r.lookupLocked(id)
	if !ok {
		r.mu.Unlock()
		return ErrInvalidLego
	}
	if e.Pending == nil || e.Pending.Kind != kind {
		r.mu.Unlock()
		return ErrNoPendingChange
	}
	if err := e.Pending.ready(r.clock.Now()); err != nil {
		r.mu.Unlock()
		return err
	}
	apply(e)
	e.Pending = nil
	e.bump()
	snap := e.snapshot()
	r.mu.Unlock()

	r.emit(ctx, evKind, caller, snap, nil)
	return nil
}

func (r *Registry) cancel(ctx context.Context, caller common.Address, id uint64, kind ChangeKind, evKind events.Kind, apply func(*entry)) error {
	r.mu.Lock()
	if caller != r.governor {
		r.mu.Unlock()
		return ErrNoPerms
	}
	e, ok := r.lookupLocked(id)
	if !ok {
		r.mu.Unlock()
		return ErrInvalidLego
	}
	if e.Pending == nil || e.Pending.Kind != kind {
		r.mu.Unlock()
		return ErrNoPendingChange
	}
	if apply != nil {
		apply(e)
	}
	e.Pending = nil
	e.bump()
	snap := e.snapshot()
	r.mu.Unlock()

	r.emit(ctx, evKind, caller, snap, nil)
	return nil
}

func (r *Registry) newPendingLocked(kind ChangeKind, adapter Adapter) *PendingChange {
	now := r.clock.Now()
	p := &PendingChange{
		Kind:        kind,
		InitiatedAt: now,
		ConfirmAt:   now + r.delay,
		adapter:     adapter,
	}
	if adapter != nil {
		p.NewAddr = adapter.Address()
	}
	if r.expiry > 0 {
		p.ExpiresAt = p.ConfirmAt + r.expiry
	}
	return p
}

func (r *Registry) lookupLocked(id uint64) (*entry, bool) {
	if id == 0 || id > uint64(len(r.entries)) {
		return nil, false
	}
	return r.entries[id-1], true
}

// isValidNewAddrLocked rejects nil adapters, the zero address, and addresses
// already held by a live or pending entry.
func (r *Registry) isValidNewAddrLocked(adapter Adapter) bool {
	if adapter == nil || adapter.Address() == (common.Address{}) {
		return false
	}
	addr := adapter.Address()
	for _, e := range r.entries {
		if e.Status == StatusRemoved {
			continue
		}
		if e.Addr == addr {
			return false
		}
		if e.Pending != nil && e.Pending.NewAddr == addr {
			return false
		}
	}
	return true
}

func (r *Registry) emit(ctx context.Context, kind events.Kind, caller common.Address, snap Entry, decorate func(*events.Event)) {
	r.logger.Info("lego 生命周期变更",
		slog.String("kind", string(kind)),
		slog.Uint64("lego_id", snap.ID),
		logger.Address("lego_addr", snap.Addr),
		slog.String("status", snap.Status.String()),
		slog.Uint64("version", snap.Version),
		logger.Address("caller", caller),
	)
	ev := events.New(kind)
	ev.Signer = caller
	ev.LegoID = snap.ID
	ev.LegoAddr = snap.Addr
	ev.Time = r.clock.Now()
	ev.With("status", snap.Status.String()).With("version", snap.Version)
	if decorate != nil {
		decorate(ev)
	}
	r.publish(ctx, ev)
}

func (r *Registry) publish(ctx context.Context, ev *events.Event) {
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("发布 registry 事件失败", slog.String("kind", string(ev.Kind)), slog.Any("error", err))
	}
}
