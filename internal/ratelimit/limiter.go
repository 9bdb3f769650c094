// Package ratelimit bounds the number of replies sent to one sender within
// a sliding time window.
package ratelimit

import (
	"strings"
	gosync "sync"
	"time"
)

// Reservation is a slot taken by CheckAndReserve. It can be handed back
// with Release when the reply it was taken for was never sent.
type Reservation struct {
	Sender string
	At     time.Time
}

// Limiter is a per-sender sliding-window limiter. One mutex guards every
// window; no method performs I/O while holding it.
type Limiter struct {
	mu      gosync.Mutex
	window  time.Duration
	max     int
	senders map[string][]time.Time
}

// New creates a limiter allowing max sends per sender within window.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		window:  window,
		max:     max,
		senders: make(map[string][]time.Time),
	}
}

// SetPolicy replaces the window and limit. Existing timestamps are kept.
func (l *Limiter) SetPolicy(window time.Duration, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = window
	l.max = max
}

// CheckAndReserve reports whether another send to sender is allowed at now.
// When it is, the slot is reserved before returning. A denial reserves
// nothing.
func (l *Limiter) CheckAndReserve(sender string, now time.Time) (Reservation, bool) {
	key := normalize(sender)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.purge(key, now)
	if len(times) >= l.max {
		return Reservation{}, false
	}

	l.senders[key] = append(times, now)
	return Reservation{Sender: key, At: now}, true
}

// Release removes a reservation. Releasing an expired or unknown
// reservation is a no-op.
func (l *Limiter) Release(r Reservation) {
	if r.Sender == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.senders[r.Sender]
	for i := len(times) - 1; i >= 0; i-- {
		if times[i].Equal(r.At) {
			times = append(times[:i], times[i+1:]...)
			break
		}
	}
	if len(times) == 0 {
		delete(l.senders, r.Sender)
		return
	}
	l.senders[r.Sender] = times
}

// Count returns the number of reservations held for sender at now.
func (l *Limiter) Count(sender string, now time.Time) int {
	key := normalize(sender)

	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.purge(key, now))
}

// purge drops timestamps that have left the window. Callers hold l.mu.
func (l *Limiter) purge(key string, now time.Time) []time.Time {
	times := l.senders[key]
	cutoff := now.Add(-l.window)

	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(l.senders, key)
		return nil
	}
	l.senders[key] = kept
	return kept
}

func normalize(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}
