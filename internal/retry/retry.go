package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lottonotify/internal/backend"
)

// DefaultSchedule is the fixed backoff sequence between attempts.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

const DefaultMaxAttempts = 5

// Engine wraps a single send in bounded retries with a fixed backoff
// schedule. Retriable failures sleep then retry; fatal and permanent
// failures abort immediately without consuming remaining attempts.
type Engine struct {
	schedule    []time.Duration
	maxAttempts int
	logger      *zap.Logger

	// sleep is swapped in tests
	sleep func(ctx context.Context, d time.Duration) error
}

func NewEngine(schedule []time.Duration, maxAttempts int, logger *zap.Logger) *Engine {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Engine{
		schedule:    schedule,
		maxAttempts: maxAttempts,
		logger:      logger,
		sleep:       sleepCtx,
	}
}

// Result reports how a retried send ended.
type Result struct {
	Delivered bool
	Attempts  int
	Reason    string // final failure kind when not delivered
}

// Execute runs fn until it succeeds, fails non-retriably, or exhausts
// the attempt budget. Every attempt is logged with its number and
// failure reason. The returned error is the last attempt's error when
// Delivered is false.
func (e *Engine) Execute(ctx context.Context, fn func(ctx context.Context) error) (Result, error) {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return Result{Delivered: true, Attempts: attempt}, nil
		}
		lastErr = err

		retriable, kind := backend.Classify(err)
		e.logger.Warn("Send attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.maxAttempts),
			zap.String("reason", kind),
			zap.Bool("retriable", retriable),
			zap.Error(err),
		)

		if !retriable {
			// straight to dead-letter, no backoff sleep
			return Result{Attempts: attempt, Reason: kind}, err
		}

		if attempt < e.maxAttempts {
			delay := e.schedule[min(attempt-1, len(e.schedule)-1)]
			if err := e.sleep(ctx, delay); err != nil {
				return Result{Attempts: attempt, Reason: "context_canceled"}, err
			}
		}
	}

	_, kind := backend.Classify(lastErr)
	return Result{Attempts: e.maxAttempts, Reason: kind},
		fmt.Errorf("all %d attempts exhausted: %w", e.maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
