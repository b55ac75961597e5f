// ABOUTME: Per-group reply cooldown backed by golang.org/x/time/rate
// ABOUTME: Each group gets a single-token limiter that refills over the cooldown window

package dispatch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// tokenEpsilon absorbs float rounding in the limiter's refill, so a group is
// ready exactly one window after its last reply.
const tokenEpsilon = 1e-9

// Cooldown tracks when each group may receive the next conversational reply.
// A zero window disables it.
type Cooldown struct {
	window time.Duration

	mu     sync.Mutex
	groups map[int64]*rate.Limiter
}

// NewCooldown creates a cooldown with the given window.
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		groups: make(map[int64]*rate.Limiter),
	}
}

// Window returns the configured cooldown window.
func (c *Cooldown) Window() time.Duration {
	return c.window
}

// Ready reports whether a reply may be sent to the group at now.
func (c *Cooldown) Ready(groupID int64, now time.Time) bool {
	if c.window <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	lim, ok := c.groups[groupID]
	if !ok {
		return true
	}
	return lim.TokensAt(now) >= 1-tokenEpsilon
}

// Mark records a reply to the group at now, starting a fresh window.
func (c *Cooldown) Mark(groupID int64, now time.Time) {
	if c.window <= 0 {
		return
	}
	lim := rate.NewLimiter(rate.Every(c.window), 1)
	lim.AllowN(now, 1)

	c.mu.Lock()
	c.groups[groupID] = lim
	c.mu.Unlock()
}
