package mux

import "time"

// budget tracks a wall-clock wait allowance across retry loops. A zero
// limit means unlimited.
type budget struct {
	limit time.Duration
	start time.Time
}

// newBudget starts a budget of the given limit.
func newBudget(limit time.Duration) budget {
	return budget{limit: limit, start: time.Now()}
}

// remaining returns the time left, or 0 if the budget is unlimited.
func (b budget) remaining() time.Duration {
	if b.limit <= 0 {
		return 0
	}
	return b.limit - time.Since(b.start)
}

// expired reports whether a bounded budget has run out.
func (b budget) expired() bool {
	return b.limit > 0 && b.remaining() <= 0
}
