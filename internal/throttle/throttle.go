// Package throttle implements a tiered adaptive rate limiter for a shared
// output channel that penalizes updates beyond a fixed frequency, such as
// repeatedly editing a single chat message while an answer streams in.
package throttle

import (
	"sync"
	"time"
)

// Tier pairs a hit threshold with the cooldown applied once the hit count
// reaches that threshold. Tiers must be sorted by ascending Hits.
type Tier struct {
	Hits     int
	Cooldown time.Duration
}

// DefaultWindow is the global reset window after which a hit decays.
const DefaultWindow = 60 * time.Second

// DefaultTiers spaces accepted updates 1s apart at low rates, growing to 4s
// and then 6s as hits accumulate within the window.
func DefaultTiers() []Tier {
	return []Tier{
		{Hits: 0, Cooldown: 1 * time.Second},
		{Hits: 10, Cooldown: 4 * time.Second},
		{Hits: 15, Cooldown: 6 * time.Second},
	}
}

// Throttle decides, per attempted update, whether to proceed now or suppress.
// It is scoped to one logical stream and safe for concurrent use. The unlock
// and hit-decay callbacks are detached timers; they are idempotent and
// self-terminating, so a Throttle needs no explicit shutdown.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	tiers  []Tier
	hits   int
	locked bool

	// after is swappable for tests; defaults to time.AfterFunc.
	after func(d time.Duration, f func()) *time.Timer
}

// New creates a throttle with the given reset window and tier schedule.
// Zero window or nil tiers select the defaults.
func New(window time.Duration, tiers []Tier) *Throttle {
	if window <= 0 {
		window = DefaultWindow
	}
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	return &Throttle{
		window: window,
		tiers:  tiers,
		after:  time.AfterFunc,
	}
}

// Step reports whether the caller may push an update now. An accepted step
// locks the throttle for the cooldown of the current tier and schedules a
// hit decay once the full window has elapsed. Step never blocks.
func (t *Throttle) Step() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.locked {
		return false
	}

	t.locked = true
	t.hits++

	cooldown := t.cooldownLocked()
	t.after(cooldown, func() {
		t.mu.Lock()
		t.locked = false
		t.mu.Unlock()
	})
	t.after(t.window, func() {
		t.mu.Lock()
		if t.hits > 0 {
			t.hits--
		}
		t.mu.Unlock()
	})
	return true
}

// cooldownLocked selects the cooldown of the highest tier whose threshold
// does not exceed the current hit count. Caller holds t.mu.
func (t *Throttle) cooldownLocked() time.Duration {
	var cur time.Duration
	for _, tier := range t.tiers {
		if t.hits >= tier.Hits {
			cur = tier.Cooldown
		} else {
			break
		}
	}
	return cur
}

// Hits returns the current hit count, for observability.
func (t *Throttle) Hits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hits
}
