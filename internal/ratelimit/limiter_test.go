package ratelimit

import (
	"testing"
	"time"
)

func TestMinuteCeiling(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(3, 100, func() time.Time { return now })

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("fourth acquire in the same minute should be denied")
	}

	// window slides, the oldest stamp falls out
	now = now.Add(61 * time.Second)
	if !l.TryAcquire() {
		t.Fatal("acquire after the window slid should succeed")
	}
}

func TestHourCeiling(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(100, 5, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
		now = now.Add(2 * time.Minute)
	}
	if l.TryAcquire() {
		t.Fatal("sixth acquire inside the hour should be denied")
	}

	// one hour past the first stamp, a slot frees up
	now = now.Add(51 * time.Minute)
	if !l.TryAcquire() {
		t.Fatal("acquire after hour rollover should succeed")
	}
}

func TestDenialDoesNotConsume(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(2, 100, func() time.Time { return now })

	l.TryAcquire()
	l.TryAcquire()

	// repeated denials must not extend the busy window
	for i := 0; i < 10; i++ {
		if l.TryAcquire() {
			t.Fatal("acquire over the minute ceiling should be denied")
		}
	}
	if got := l.InWindow(time.Minute); got != 2 {
		t.Fatalf("InWindow = %d, want 2 (denials must not record slots)", got)
	}

	now = now.Add(61 * time.Second)
	if !l.TryAcquire() {
		t.Fatal("acquire should succeed once the window is clear")
	}
}

func TestGatesAreIndependentCeilings(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiterWithClock(10, 3, func() time.Time { return now })

	// hour ceiling binds before the minute ceiling
	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("hour ceiling should deny even with minute capacity left")
	}
}
