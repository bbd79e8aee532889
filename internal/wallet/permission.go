package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SpendLimit caps how much of an asset an agent may send out of the wallet
// per Period clock units. A nil or zero Amount means unlimited.
type SpendLimit struct {
	Amount *big.Int `json:"amount"`
	Period uint64   `json:"period"`
}

// AgentPermission is the grant an owner gives one agent. An empty asset or
// lego list denies every asset or lego.
type AgentPermission struct {
	Actions     Action                        `json:"actions"`
	Assets      []common.Address              `json:"assets"`
	LegoIDs     []uint64                      `json:"lego_ids"`
	SpendLimits map[common.Address]SpendLimit `json:"spend_limits,omitempty"`
}

// Allows reports whether the grant covers action over every asset and lego.
func (p *AgentPermission) Allows(action Action, assets []common.Address, legoIDs []uint64) bool {
	if p == nil || !p.Actions.Has(action) {
		return false
	}
	for _, asset := range assets {
		if !p.hasAsset(asset) {
			return false
		}
	}
	for _, id := range legoIDs {
		if !p.hasLegoID(id) {
			return false
		}
	}
	return true
}

func (p *AgentPermission) hasAsset(asset common.Address) bool {
	for _, a := range p.Assets {
		if a == asset {
			return true
		}
	}
	return false
}

func (p *AgentPermission) hasLegoID(id uint64) bool {
	for _, l := range p.LegoIDs {
		if l == id {
			return true
		}
	}
	return false
}

func (p *AgentPermission) clone() *AgentPermission {
	out := &AgentPermission{
		Actions: p.Actions,
		Assets:  append([]common.Address(nil), p.Assets...),
		LegoIDs: append([]uint64(nil), p.LegoIDs...),
	}
	if len(p.SpendLimits) > 0 {
		out.SpendLimits = make(map[common.Address]SpendLimit, len(p.SpendLimits))
		for asset, limit := range p.SpendLimits {
			var amount *big.Int
			if limit.Amount != nil {
				amount = new(big.Int).Set(limit.Amount)
			}
			out.SpendLimits[asset] = SpendLimit{Amount: amount, Period: limit.Period}
		}
	}
	return out
}

// normalize drops duplicate entries and zero lego ids.
func (p *AgentPermission) normalize() {
	seenAsset := make(map[common.Address]struct{}, len(p.Assets))
	assets := p.Assets[:0]
	for _, a := range p.Assets {
		if _, dup := seenAsset[a]; dup {
			continue
		}
		seenAsset[a] = struct{}{}
		assets = append(assets, a)
	}
	p.Assets = assets

	seenID := make(map[uint64]struct{}, len(p.LegoIDs))
	ids := p.LegoIDs[:0]
	for _, id := range p.LegoIDs {
		if id == 0 {
			continue
		}
		if _, dup := seenID[id]; dup {
			continue
		}
		seenID[id] = struct{}{}
		ids = append(ids, id)
	}
	p.LegoIDs = ids
}

// spendWindow tracks what an agent sent of one asset in the current period.
type spendWindow struct {
	window uint64
	spent  *big.Int
}
