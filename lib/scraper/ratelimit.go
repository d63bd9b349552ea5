package scraper

import (
	"context"
	"sync"
	"time"
)

// RateUnit selects how a request budget is expressed.
type RateUnit int

const (
	// PerSecond spaces grants by 1s / rate.
	PerSecond RateUnit = iota
	// PerMinute spaces grants by 60s / rate.
	PerMinute
)

// Limiter spaces request slots for a single client instance. State is
// never shared between instances; two clients for the same platform
// each get their own budget.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	bypass   bool
	next     time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewLimiter(rate float64, unit RateUnit) *Limiter {
	window := time.Second
	if unit == PerMinute {
		window = time.Minute
	}
	return &Limiter{
		interval: time.Duration(float64(window) / rate),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// SetBypass disables waiting entirely; used by tests and by callers
// that own their own pacing.
func (l *Limiter) SetBypass(bypass bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bypass = bypass
}

func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Await blocks until the limiter grants a slot, i.e. at least one
// interval has passed since the previous grant. Returns early with the
// context's error on cancellation.
func (l *Limiter) Await(ctx context.Context) error {
	l.mu.Lock()
	if l.bypass {
		l.mu.Unlock()
		return nil
	}

	now := l.now()
	grant := l.next
	if grant.Before(now) {
		grant = now
	}
	l.next = grant.Add(l.interval)
	l.mu.Unlock()

	if wait := grant.Sub(now); wait > 0 {
		return l.sleep(ctx, wait)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
