package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"lottonotify/internal/model"
)

type stubBackend struct {
	name string
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Send(context.Context, *model.Message) error { return nil }

type stubQuota struct {
	allow bool
}

func (q *stubQuota) CanSend() bool { return q.allow }

func (q *stubQuota) TryReserve() bool { return q.allow }

// countingQuota hands out a bounded number of reservations.
type countingQuota struct {
	mu        sync.Mutex
	remaining int
}

func (q *countingQuota) CanSend() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining > 0
}

func (q *countingQuota) TryReserve() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.remaining <= 0 {
		return false
	}
	q.remaining--
	return true
}

func TestSelectorPrefersPrimary(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	fallback := &stubBackend{name: "fallback"}
	s := NewSelector(primary, fallback, &stubQuota{allow: true}, zap.NewNop())

	if got := s.Pick(); got != primary {
		t.Fatalf("Pick = %v, want primary", got)
	}
	if s.Degraded() {
		t.Fatal("selector should not be degraded")
	}
	if s.Active() != "primary" {
		t.Fatalf("Active = %s", s.Active())
	}
}

func TestSelectorRoutesToFallbackOnQuotaExhaustion(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	fallback := &stubBackend{name: "fallback"}
	quota := &stubQuota{allow: false}
	s := NewSelector(primary, fallback, quota, zap.NewNop())

	if got := s.Pick(); got != fallback {
		t.Fatalf("Pick = %v, want fallback when quota exhausted", got)
	}
	if !s.Degraded() {
		t.Fatal("selector should report degraded")
	}

	// quota frees up (day rollover), primary comes back without a reset
	quota.allow = true
	if got := s.Pick(); got != primary {
		t.Fatalf("Pick = %v, want primary after quota recovery", got)
	}
}

func TestSelectorLatchesOnFatalError(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	fallback := &stubBackend{name: "fallback"}
	s := NewSelector(primary, fallback, &stubQuota{allow: true}, zap.NewNop())

	s.MarkPrimaryFatal(errors.New("401 unauthorized"))

	if got := s.Pick(); got != fallback {
		t.Fatalf("Pick = %v, want fallback after fatal error", got)
	}
	// quota capacity does not clear the latch
	if got := s.Pick(); got != fallback {
		t.Fatalf("Pick = %v, latch must persist", got)
	}

	s.Reset()
	if got := s.Pick(); got != primary {
		t.Fatalf("Pick = %v, want primary after operator reset", got)
	}
}

func TestAcquireReservesQuotaForPrimary(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	fallback := &stubBackend{name: "fallback"}
	s := NewSelector(primary, fallback, &countingQuota{remaining: 1}, zap.NewNop())

	b, reserved := s.Acquire()
	if b != primary || !reserved {
		t.Fatalf("Acquire = %v reserved=%v, want primary with reservation", b, reserved)
	}

	// the reservation consumed the last unit, the next send must route
	// to the fallback without one
	b, reserved = s.Acquire()
	if b != fallback || reserved {
		t.Fatalf("Acquire = %v reserved=%v, want fallback unreserved", b, reserved)
	}
}

func TestAcquireNeverOversellsLastUnit(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	fallback := &stubBackend{name: "fallback"}
	s := NewSelector(primary, fallback, &countingQuota{remaining: 1}, zap.NewNop())

	const senders = 16
	var wg sync.WaitGroup
	var primaryPicks atomic.Int32
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, reserved := s.Acquire()
			if b == primary {
				if !reserved {
					t.Error("primary routed without a reservation")
				}
				primaryPicks.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := primaryPicks.Load(); got != 1 {
		t.Fatalf("primary picked %d times, want exactly 1 for the last quota unit", got)
	}
}

func TestSelectorNoFallbackConfigured(t *testing.T) {
	primary := &stubBackend{name: "primary"}
	s := NewSelector(primary, nil, &stubQuota{allow: false}, zap.NewNop())

	if got := s.Pick(); got != nil {
		t.Fatalf("Pick = %v, want nil when quota exhausted and no fallback", got)
	}
	if s.Active() != "none" {
		t.Fatalf("Active = %s, want none", s.Active())
	}
	if !s.Degraded() {
		t.Fatal("selector should report degraded")
	}
}
