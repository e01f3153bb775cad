package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakePruneStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (s *fakePruneStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return 1, nil
}

func (s *fakePruneStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs)
}

func TestCleanerPrunesOnInterval(t *testing.T) {
	store := &fakePruneStore{}
	c := NewCleaner(store, 7*24*time.Hour, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	// one pass at startup plus at least one ticked pass
	deadline := time.After(time.Second)
	for store.calls() < 2 {
		select {
		case <-deadline:
			t.Fatalf("cleanup passes = %d, want at least 2", store.calls())
		case <-time.After(2 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleaner did not stop after cancel")
	}
}

func TestCleanerCutoffHonorsRetention(t *testing.T) {
	store := &fakePruneStore{}
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	c := NewCleaner(store, 7*24*time.Hour, time.Hour, zap.NewNop())
	c.now = func() time.Time { return now }

	c.prune(context.Background())

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.cutoffs) != 1 {
		t.Fatalf("prune calls = %d, want 1", len(store.cutoffs))
	}
	want := now.AddDate(0, 0, -7)
	if !store.cutoffs[0].Equal(want) {
		t.Fatalf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}
