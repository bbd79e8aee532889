package wallet

import (
	"sort"
	"strings"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
)

// Action is a bitmask over the operations an agent may perform.
type Action uint8

const (
	ActionDeposit Action = 1 << iota
	ActionWithdrawal
	ActionRebalance
	ActionTransfer
	ActionSwap
	ActionConversion
	ActionAddLiquidity
	ActionRemoveLiquidity

	AllActions Action = 0xff
)

var actionNames = map[Action]string{
	ActionDeposit:         "deposit",
	ActionWithdrawal:      "withdrawal",
	ActionRebalance:       "rebalance",
	ActionTransfer:        "transfer",
	ActionSwap:            "swap",
	ActionConversion:      "conversion",
	ActionAddLiquidity:    "add_liquidity",
	ActionRemoveLiquidity: "remove_liquidity",
}

// Has reports whether every bit of other is set.
func (a Action) Has(other Action) bool {
	return other != 0 && a&other == other
}

func (a Action) String() string {
	if a == 0 {
		return "none"
	}
	var names []string
	for bit := ActionDeposit; bit != 0; bit <<= 1 {
		if a&bit != 0 {
			names = append(names, actionNames[bit])
		}
	}
	return strings.Join(names, "|")
}

// Names lists the set bits by name, sorted.
func (a Action) Names() []string {
	var names []string
	for bit := ActionDeposit; bit != 0; bit <<= 1 {
		if a&bit != 0 {
			names = append(names, actionNames[bit])
		}
	}
	sort.Strings(names)
	return names
}

// ParseActions builds a mask from action names. "all" selects every action.
func ParseActions(names []string) (Action, error) {
	var mask Action
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "all" {
			mask |= AllActions
			continue
		}
		found := false
		for bit, n := range actionNames {
			if n == name {
				mask |= bit
				found = true
				break
			}
		}
		if !found {
			return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "unknown action %q", raw)
		}
	}
	return mask, nil
}
