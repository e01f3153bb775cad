package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"lottonotify/internal/model"
	"lottonotify/pkg/metrics"
)

// Entry is a message that exhausted its retries, kept for manual
// inspection and replay.
type Entry struct {
	Message  *model.Message `json:"message"`
	Reason   string         `json:"reason"`
	FailedAt time.Time      `json:"failed_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind   model.Kind
	UserID int
	Since  time.Time
}

// Repository persists dead-letter entries. Nil is allowed; the store
// then works purely from memory.
type Repository interface {
	Insert(ctx context.Context, e Entry) error
	Delete(ctx context.Context, messageID string) error
}

// Requeuer re-inserts a replayed message into the dispatch queue.
type Requeuer interface {
	Enqueue(msg *model.Message)
}

// Store is the append-only dead-letter collection. Nothing leaves it
// automatically — replay is a manual, external trigger.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	byID    map[string]int

	repo   Repository
	logger *zap.Logger
}

func NewStore(repo Repository, logger *zap.Logger) *Store {
	return &Store{
		byID:   make(map[string]int),
		repo:   repo,
		logger: logger,
	}
}

// Restore seeds the store from persisted entries at startup.
func (s *Store) Restore(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.Message == nil {
			continue
		}
		if _, exists := s.byID[e.Message.ID]; exists {
			continue
		}
		s.byID[e.Message.ID] = len(s.entries)
		s.entries = append(s.entries, e)
	}
}

// Add records a terminally failed message.
func (s *Store) Add(ctx context.Context, msg *model.Message, reason string) {
	msg.Status = model.StatusDeadLettered
	entry := Entry{Message: msg, Reason: reason, FailedAt: time.Now()}

	s.mu.Lock()
	s.byID[msg.ID] = len(s.entries)
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	metrics.IncrementDeadLettered(reason)
	s.logger.Error("Message dead-lettered",
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("reason", reason),
		zap.Int("attempts", msg.Attempts),
	)

	if s.repo != nil {
		if err := s.repo.Insert(ctx, entry); err != nil {
			s.logger.Error("Failed to persist dead-letter entry",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
}

// List returns entries matching the filter, oldest first.
func (s *Store) List(filter Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Message == nil {
			continue
		}
		if filter.Kind != "" && e.Message.Kind != filter.Kind {
			continue
		}
		if filter.UserID != 0 && e.Message.UserID != filter.UserID {
			continue
		}
		if !filter.Since.IsZero() && e.FailedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Requeue replays a dead-lettered message: attempt and reschedule
// counts reset to zero, original priority preserved.
func (s *Store) Requeue(ctx context.Context, messageID string, dest Requeuer) error {
	s.mu.Lock()
	idx, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("dead-letter entry not found: %s", messageID)
	}
	msg := s.entries[idx].Message
	s.entries[idx].Message = nil // tombstone, List skips it
	delete(s.byID, messageID)
	s.mu.Unlock()

	msg.Attempts = 0
	msg.Reschedules = 0
	dest.Enqueue(msg)

	s.logger.Info("Dead-lettered message requeued",
		zap.String("message_id", messageID),
		zap.String("priority", msg.Priority.String()),
	)

	if s.repo != nil {
		if err := s.repo.Delete(ctx, messageID); err != nil {
			s.logger.Error("Failed to delete persisted dead-letter entry",
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
	}
	return nil
}
