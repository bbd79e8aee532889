package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SortOrder defines how results should be ordered when listing events.
type SortOrder int

const (
	// SortByCreatedDesc orders events newest first.
	SortByCreatedDesc SortOrder = iota
	// SortByCreatedAsc orders events oldest first.
	SortByCreatedAsc
)

// ListOptions controls how events are selected when querying the store.
type ListOptions struct {
	Limit      int
	Offset     int
	Kinds      []Kind
	Wallet     common.Address
	Signer     common.Address
	AgentOnly  *bool
	CreatedGTE int64
	CreatedLTE int64
	Order      SortOrder
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 500 {
		opts.Limit = 500
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	if len(opts.Kinds) > 0 {
		opts.Kinds = dedupeKinds(opts.Kinds)
	}
	if opts.Order != SortByCreatedAsc {
		opts.Order = SortByCreatedDesc
	}
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of events returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset skips the first n matching events.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithKinds filters events by kind.
func WithKinds(kinds ...Kind) ListOption {
	return func(opts *ListOptions) {
		opts.Kinds = append(opts.Kinds[:0], kinds...)
	}
}

// WithWallet filters events emitted for wallet.
func WithWallet(wallet common.Address) ListOption {
	return func(opts *ListOptions) { opts.Wallet = wallet }
}

// WithSigner filters events by signer.
func WithSigner(signer common.Address) ListOption {
	return func(opts *ListOptions) { opts.Signer = signer }
}

// WithSignerRole keeps only agent-signed (true) or owner-signed (false) events.
func WithSignerRole(agent bool) ListOption {
	return func(opts *ListOptions) {
		opts.AgentOnly = new(bool)
		*opts.AgentOnly = agent
	}
}

// WithCreatedSince filters events created at or after ts.
func WithCreatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedGTE = 0
			return
		}
		opts.CreatedGTE = ts.UnixMilli()
	}
}

// WithCreatedUntil filters events created at or before ts.
func WithCreatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		if ts.IsZero() {
			opts.CreatedLTE = 0
			return
		}
		opts.CreatedLTE = ts.UnixMilli()
	}
}

// WithSortOrder changes the returned order.
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func dedupeKinds(input []Kind) []Kind {
	seen := make(map[Kind]struct{}, len(input))
	out := make([]Kind, 0, len(input))
	for _, k := range input {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func matchesListFilters(e *Event, opts ListOptions) bool {
	if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, e.Kind) {
		return false
	}
	if opts.Wallet != (common.Address{}) && e.Wallet != opts.Wallet {
		return false
	}
	if opts.Signer != (common.Address{}) && e.Signer != opts.Signer {
		return false
	}
	if opts.AgentOnly != nil && e.IsSignerAgent != *opts.AgentOnly {
		return false
	}
	if opts.CreatedGTE > 0 && e.CreatedAt < opts.CreatedGTE {
		return false
	}
	if opts.CreatedLTE > 0 && e.CreatedAt > opts.CreatedLTE {
		return false
	}
	return true
}
