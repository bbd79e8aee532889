package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
)

// MaxAmount is the "use everything available" sentinel (2^256-1).
var MaxAmount = new(big.Int).Set(math.MaxBig256)

// IsMax reports whether amount requests the maximum available. A nil amount
// counts as maximum.
func IsMax(amount *big.Int) bool {
	return amount == nil || amount.Cmp(math.MaxBig256) >= 0
}

// Min returns a copy of the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// SubFloor returns max(a-b, 0).
func SubFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(a, b)
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// MulDiv returns a*b/c rounded down. It returns zero when c is zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

// Amount clones v, treating nil as zero.
func Amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
