// Package ratelimit tracks the rolling request budget reported by the Govee
// API rate-limit headers and delays callers before the quota is exhausted.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReserve keeps a few calls available for other API consumers on
	// the same key.
	DefaultReserve = 5
	// DefaultTotal is assumed until the first response reports real quota.
	DefaultTotal = 100
	// MaxResetDelay clamps a bogus far-future reset header.
	MaxResetDelay = 180 * time.Second
)

// State is a snapshot of the limiter for observability.
type State struct {
	Total     int
	Remaining int
	ResetAt   time.Time
	Reserve   int
}

// Limiter suspends callers once the remaining quota falls to the reserve
// threshold, until the window reset reported by the API. Safe for concurrent
// use; the reserve check and the speculative decrement happen under one
// lock so two callers cannot both consume the last slot above the reserve.
type Limiter struct {
	mu        sync.Mutex
	total     int
	remaining int
	resetAt   time.Time
	reserve   int

	now func() time.Time
	log zerolog.Logger
}

// New creates a limiter with the given reserve threshold; reserve <= 0
// falls back to DefaultReserve.
func New(reserve int, log zerolog.Logger) *Limiter {
	if reserve <= 0 {
		reserve = DefaultReserve
	}
	return &Limiter{
		total:     DefaultTotal,
		remaining: DefaultTotal,
		reserve:   reserve,
		now:       time.Now,
		log:       log,
	}
}

// SetReserve adjusts the reserve threshold. It must stay between 1 and the
// currently known total.
func (l *Limiter) SetReserve(reserve int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reserve < 1 {
		return fmt.Errorf("rate limit reserve %d must be at least 1", reserve)
	}
	if reserve > l.total {
		return fmt.Errorf("rate limit reserve %d must be below total %d", reserve, l.total)
	}
	l.reserve = reserve
	return nil
}

// Reserve blocks until a request slot is available, then consumes it
// speculatively. The speculative count is overwritten by Update as soon as
// authoritative headers arrive; when a response carries no headers the
// decrement simply stands.
func (l *Limiter) Reserve(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.remaining > l.reserve {
			l.remaining--
			l.mu.Unlock()
			return nil
		}
		delay := l.resetAt.Sub(l.now())
		if delay <= 0 {
			// The window has passed, assume a fresh quota.
			l.remaining = l.total - 1
			l.mu.Unlock()
			return nil
		}
		l.log.Warn().
			Int("remaining", l.remaining).
			Int("total", l.total).
			Dur("sleep", delay).
			Msg("Rate limiting active, delaying call until quota reset")
		l.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			// Re-check under the lock; another caller may have consumed the
			// refreshed quota while we slept.
		}
	}
}

// Update overwrites the budget from authoritative response headers. A reset
// time farther out than MaxResetDelay is clamped.
func (l *Limiter) Update(total, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if maxReset := l.now().Add(MaxResetDelay); resetAt.After(maxReset) {
		resetAt = maxReset
	}
	l.total = total
	l.remaining = remaining
	l.resetAt = resetAt

	l.log.Debug().
		Int("total", total).
		Int("remaining", remaining).
		Time("reset_at", resetAt).
		Msg("Rate limit budget updated from headers")
}

// DelayUntilReset returns how long until the current window resets; zero
// when the reset is already due.
func (l *Limiter) DelayUntilReset() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.resetAt.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}

// Snapshot returns the current limiter state.
func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Total:     l.total,
		Remaining: l.remaining,
		ResetAt:   l.resetAt,
		Reserve:   l.reserve,
	}
}
