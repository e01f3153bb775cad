package ratelimit

import (
	"sync"
	"time"
)

// Limiter enforces per-minute and per-hour send ceilings over a sliding
// window of send timestamps. It is independent of the daily quota — the
// two gates share no state and both may deny the same message.
type Limiter struct {
	mu        sync.Mutex
	stamps    []time.Time
	perMinute int
	perHour   int
	now       func() time.Time
}

func NewLimiter(perMinute, perHour int) *Limiter {
	return &Limiter{
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
	}
}

// NewLimiterWithClock is used by tests to control the window.
func NewLimiterWithClock(perMinute, perHour int, now func() time.Time) *Limiter {
	l := NewLimiter(perMinute, perHour)
	l.now = now
	return l
}

// TryAcquire records a send slot if both ceilings allow it. The prune,
// the check and the record happen inside one critical section so two
// concurrent callers can never both observe the last free slot.
// Returns false without mutating state when either ceiling would be
// exceeded.
func (l *Limiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	if len(l.stamps) >= l.perHour {
		return false
	}

	minuteAgo := now.Add(-time.Minute)
	recent := 0
	for i := len(l.stamps) - 1; i >= 0; i-- {
		if l.stamps[i].After(minuteAgo) {
			recent++
		} else {
			break
		}
	}
	if recent >= l.perMinute {
		return false
	}

	l.stamps = append(l.stamps, now)
	return true
}

// pruneLocked drops timestamps older than the hour window. Lazy — only
// runs on admission checks, never on a timer.
func (l *Limiter) pruneLocked(now time.Time) {
	hourAgo := now.Add(-time.Hour)
	cut := 0
	for cut < len(l.stamps) && !l.stamps[cut].After(hourAgo) {
		cut++
	}
	if cut > 0 {
		l.stamps = append(l.stamps[:0:0], l.stamps[cut:]...)
	}
}

// InWindow reports how many sends are recorded in the trailing window.
func (l *Limiter) InWindow(window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-window)
	count := 0
	for i := len(l.stamps) - 1; i >= 0; i-- {
		if l.stamps[i].After(cutoff) {
			count++
		} else {
			break
		}
	}
	return count
}
