package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lottonotify/pkg/metrics"
)

// warning thresholds as percentages of the daily limit
var defaultThresholds = []int{80, 90, 95, 100}

// Usage is a read-only snapshot of today's quota state.
type Usage struct {
	Day            string  `json:"current_date"`
	SentToday      int     `json:"sent_today"`
	DailyLimit     int     `json:"daily_limit"`
	Remaining      int     `json:"remaining"`
	PercentageUsed float64 `json:"percentage_used"`
	TotalSent      int64   `json:"total_sent"`
}

// Store persists the day-scoped counter. Implementations may be nil-free
// no-ops for tests; the tracker works from memory and writes through.
type Store interface {
	UpsertDay(ctx context.Context, day string, sent int) error
}

// AlertFunc is the administrative side channel fired when the daily
// limit is fully consumed.
type AlertFunc func(usage Usage)

// Tracker counts sends against the primary provider's daily quota and
// fires each warning threshold at most once per calendar day. All state
// is guarded by a single mutex; check-and-increment is one critical
// section so concurrent workers cannot overrun the limit.
type Tracker struct {
	mu         sync.Mutex
	day        string
	sent       int
	totalSent  int64
	limit      int
	thresholds []int
	fired      map[int]bool

	store  Store
	alert  AlertFunc
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Tracker)

// WithStore attaches a persistence collaborator.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithAlert attaches the admin alert side channel.
func WithAlert(fn AlertFunc) Option {
	return func(t *Tracker) { t.alert = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(dailyLimit int, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		limit:      dailyLimit,
		thresholds: defaultThresholds,
		fired:      make(map[int]bool),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.day = t.today()
	return t
}

func (t *Tracker) today() string {
	return t.now().Format("2006-01-02")
}

// rollover resets counters when the calendar day changed. Must be called
// with the mutex held, at the start of every tracked operation — day
// rollover is lazy, never timer-driven.
func (t *Tracker) rollover() {
	today := t.today()
	if t.day == today {
		return
	}
	t.logger.Info("Resetting daily quota counter",
		zap.String("previous_day", t.day),
		zap.Int("previous_sent", t.sent),
	)
	t.day = today
	t.sent = 0
	t.fired = make(map[int]bool)
	metrics.QuotaUsed.Set(0)
}

// CanSend reports whether the primary provider still has daily capacity.
func (t *Tracker) CanSend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.sent < t.limit
}

// Remaining returns how many primary sends are left today.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if t.sent >= t.limit {
		return 0
	}
	return t.limit - t.sent
}

// PercentageUsed returns today's usage as a percentage, one decimal.
func (t *Tracker) PercentageUsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.percentageLocked()
}

func (t *Tracker) percentageLocked() float64 {
	if t.limit == 0 {
		return 0
	}
	pct := float64(t.sent) / float64(t.limit) * 100
	return float64(int(pct*10+0.5)) / 10
}

// TryReserve claims one unit of today's primary capacity. Check and
// increment are a single critical section, so concurrent workers at the
// limit boundary cannot both claim the last unit. Every successful
// reservation must be followed by Commit (send succeeded) or Release
// (send failed).
func (t *Tracker) TryReserve() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if t.sent >= t.limit {
		return false
	}
	t.sent++
	metrics.QuotaUsed.Set(float64(t.sent))
	return true
}

// Release returns a reserved unit after a failed send. Failed primary
// attempts do not burn quota.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	if t.sent > 0 {
		t.sent--
		metrics.QuotaUsed.Set(float64(t.sent))
	}
}

// Commit finalizes a reserved send: warning thresholds, the lifetime
// counter and persistence. The unit itself was counted at reservation.
func (t *Tracker) Commit(ctx context.Context) Usage {
	t.mu.Lock()
	t.rollover()
	t.totalSent++
	newlyFired := t.crossThresholdsLocked()
	usage := t.snapshotLocked()
	t.mu.Unlock()

	t.announce(ctx, usage, newlyFired)
	return usage
}

// RecordSend increments today's counter and fires any newly crossed
// warning thresholds, in one step. For sends that were not routed
// through a reservation; the worker path uses TryReserve/Commit.
func (t *Tracker) RecordSend(ctx context.Context) Usage {
	t.mu.Lock()
	t.rollover()

	t.sent++
	t.totalSent++
	metrics.QuotaUsed.Set(float64(t.sent))

	newlyFired := t.crossThresholdsLocked()
	usage := t.snapshotLocked()
	t.mu.Unlock()

	t.announce(ctx, usage, newlyFired)
	return usage
}

// crossThresholdsLocked marks thresholds reached by the current counter
// and returns the newly crossed ones. A threshold already fired today
// never fires again until rollover. Must hold the mutex.
func (t *Tracker) crossThresholdsLocked() []int {
	var newlyFired []int
	for _, threshold := range t.thresholds {
		if t.fired[threshold] {
			continue
		}
		if t.sent*100 >= threshold*t.limit {
			t.fired[threshold] = true
			newlyFired = append(newlyFired, threshold)
		}
	}
	return newlyFired
}

// announce logs crossed thresholds, triggers the 100% admin alert and
// writes the counter through to the store. Called outside the mutex.
func (t *Tracker) announce(ctx context.Context, usage Usage, newlyFired []int) {
	for _, threshold := range newlyFired {
		t.logger.Warn("Daily quota warning threshold crossed",
			zap.Int("threshold_pct", threshold),
			zap.Int("sent_today", usage.SentToday),
			zap.Int("daily_limit", usage.DailyLimit),
		)
		if threshold >= 100 && t.alert != nil {
			t.alert(usage)
		}
	}

	if t.store != nil {
		if err := t.store.UpsertDay(ctx, usage.Day, usage.SentToday); err != nil {
			t.logger.Error("Failed to persist quota counter",
				zap.String("day", usage.Day),
				zap.Error(err),
			)
		}
	}
}

// Snapshot returns the current usage without mutating state.
func (t *Tracker) Snapshot() Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Usage {
	remaining := t.limit - t.sent
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Day:            t.day,
		SentToday:      t.sent,
		DailyLimit:     t.limit,
		Remaining:      remaining,
		PercentageUsed: t.percentageLocked(),
		TotalSent:      t.totalSent,
	}
}

// Restore seeds today's counter from persisted state at startup.
func (t *Tracker) Restore(day string, sent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if day != t.today() {
		// stale row from a previous day, nothing to restore
		return nil
	}
	if sent < 0 {
		return fmt.Errorf("invalid persisted quota count: %d", sent)
	}
	t.sent = sent
	for _, threshold := range t.thresholds {
		if t.sent*100 >= threshold*t.limit {
			t.fired[threshold] = true
		}
	}
	metrics.QuotaUsed.Set(float64(t.sent))
	return nil
}
