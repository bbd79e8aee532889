package chain

import (
	"sync"
	"time"
)

// Clock reports the current time in the units delays and expirations are
// configured in (blocks for the daemon, arbitrary ticks in tests).
type Clock interface {
	Now() uint64
}

// ManualClock is advanced explicitly.
type ManualClock struct {
	mu  sync.Mutex
	now uint64
}

// NewManualClock starts a clock at start.
func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d units.
func (c *ManualClock) Advance(d uint64) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

// BlockClock derives a block height from wall time and a fixed block interval.
type BlockClock struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewBlockClock returns a clock whose height is the number of intervals
// elapsed since genesis.
func NewBlockClock(genesis time.Time, interval time.Duration) *BlockClock {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &BlockClock{genesis: genesis, interval: interval, now: time.Now}
}

// Now implements Clock.
func (c *BlockClock) Now() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / c.interval)
}
