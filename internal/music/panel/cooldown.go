package panel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCooldownEntries = 1024

// Cooldown rate limits panel interactions per user: at most Rate actions in
// any Per window. Each user gets a bucket of Rate tokens refilled one per Per,
// so a blocked user waits up to a full Per. Buckets live in a bounded map.
type Cooldown struct {
	limit rate.Limit
	burst int
	per   time.Duration
	max   int
	now   func() time.Time

	mu    sync.Mutex
	users map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

type CooldownOptions struct {
	Rate int
	Per  time.Duration
	// MaxEntries bounds the number of tracked users.
	MaxEntries int
	Now        func() time.Time
}

func NewCooldown(opts CooldownOptions) *Cooldown {
	if opts.Rate <= 0 {
		opts.Rate = 2
	}
	if opts.Per <= 0 {
		opts.Per = 5 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultCooldownEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cooldown{
		limit: rate.Every(opts.Per),
		burst: opts.Rate,
		per:   opts.Per,
		max:   opts.MaxEntries,
		now:   opts.Now,
		users: make(map[string]*bucket),
	}
}

// Allow consumes one action for userID. When the user is over the limit it
// returns false and how long to wait.
func (c *Cooldown) Allow(userID string) (time.Duration, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.users[userID]
	if !ok {
		if len(c.users) >= c.max {
			c.evictLocked(now)
		}
		b = &bucket{lim: rate.NewLimiter(c.limit, c.burst)}
		c.users[userID] = b
	}
	b.seen = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return c.per, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

// evictLocked drops idle users, or the least recently seen one when every
// user is still inside its window.
func (c *Cooldown) evictLocked(now time.Time) {
	if c.sweepLocked(now) > 0 {
		return
	}
	var (
		oldest   string
		oldestAt time.Time
	)
	for id, b := range c.users {
		if oldest == "" || b.seen.Before(oldestAt) {
			oldest, oldestAt = id, b.seen
		}
	}
	delete(c.users, oldest)
}

// A user idle for a whole window can be forgotten: a fresh bucket cannot
// put more than Rate actions into any window that reaches back to them.
func (c *Cooldown) sweepLocked(now time.Time) int {
	n := 0
	for id, b := range c.users {
		if now.Sub(b.seen) >= c.per {
			delete(c.users, id)
			n++
		}
	}
	return n
}

// Sweep forgets idle users and returns how many were removed.
func (c *Cooldown) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cooldown) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
