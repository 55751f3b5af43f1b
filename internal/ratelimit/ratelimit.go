// Package ratelimit implements a sliding-window rate limiter shared by
// the REST and WebSocket serving paths. Each (subject, action) pair owns
// a rolling window of uniquely-nonced call records; a call is admitted
// only while the trailing window holds fewer than the allowed maximum.
//
// The limiter fails open: when the backing store errors, the call is
// admitted and the error is surfaced on the Decision for logging. A
// limiter outage must never take down the serving path.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/clock"
)

// Rule bounds one action: at most Max calls per trailing Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed       bool
	RequestsMade  int
	MaxRequests   int
	WindowSeconds int
	RetryAfter    int

	// Err is set when the store failed and the call was admitted anyway.
	Err error
}

// Store records call events per key. Take must be atomic from the
// caller's perspective: prune entries at or before now-window, count the
// remainder, and insert a new entry only when count < max. It returns
// the count after the insert (or the standing count when denied).
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (count int, allowed bool, err error)

	// PruneIdle removes entries recorded at or before cutoff and drops
	// keys left empty. Called by the retention janitor, never on the
	// serving path.
	PruneIdle(ctx context.Context, cutoff time.Time) (removed int, err error)
}

// Limiter applies Rules against a Store.
type Limiter struct {
	store Store
	clock clock.Clock
}

// New creates a Limiter backed by the given store.
func New(s Store, c clock.Clock) *Limiter {
	return &Limiter{store: s, clock: c}
}

// Check records one call attempt for (subject, action) under rule and
// reports whether it is admitted. Denied attempts are not recorded, so a
// rejected caller does not push its own retry window further out.
func (l *Limiter) Check(ctx context.Context, subject, action string, rule Rule) Decision {
	key := subject + ":" + action
	count, allowed, err := l.store.Take(ctx, key, l.clock.Now(), rule.Window, rule.Max)
	if err != nil {
		return Decision{
			Allowed: true,
			Err:     fmt.Errorf("rate store %s: %w", key, err),
		}
	}

	d := Decision{
		Allowed:       allowed,
		RequestsMade:  count,
		MaxRequests:   rule.Max,
		WindowSeconds: int(rule.Window / time.Second),
	}
	if !allowed {
		d.RetryAfter = d.WindowSeconds
	}
	return d
}
