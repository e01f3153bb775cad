package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lottonotify/internal/backend"
	"lottonotify/internal/deadletter"
	"lottonotify/internal/model"
	"lottonotify/internal/queue"
	"lottonotify/internal/quota"
	"lottonotify/internal/ratelimit"
	"lottonotify/internal/retry"
)

// Admission errors — rejected synchronously at submit, never queued.
var (
	ErrMissingRecipient = errors.New("missing recipient")
	ErrInvalidRecipient = errors.New("invalid recipient address")
	ErrBlockedDomain    = errors.New("recipient domain is blocked")
	ErrSubjectTooLong   = errors.New("subject too long")
	ErrBodyTooLarge     = errors.New("body too large")
	ErrDuplicate        = errors.New("duplicate submission")
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

const (
	// RFC 2822 recommendation
	maxSubjectLen = 78
	maxBodyBytes  = 1 << 20
)

// Config carries the dispatch pipeline's tunables.
type Config struct {
	Workers        int
	SendTimeout    time.Duration
	RequeueDelay   time.Duration
	MaxReschedules int
	IdlePoll       time.Duration
	BlockedDomains []string

	// StatusRetention bounds how long terminal statuses stay queryable
	// in memory; the delivery log is the durable record.
	StatusRetention time.Duration
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RequeueDelay == 0 {
		c.RequeueDelay = time.Second
	}
	if c.MaxReschedules == 0 {
		c.MaxReschedules = 60
	}
	if c.IdlePoll == 0 {
		c.IdlePoll = 100 * time.Millisecond
	}
	if c.StatusRetention == 0 {
		c.StatusRetention = 24 * time.Hour
	}
}

// DeliveryLog is the append-only delivery record collaborator. Nil
// disables persistence.
type DeliveryLog interface {
	Record(ctx context.Context, msg *model.Message) error
	UpdateStatus(ctx context.Context, id string, status model.Status, attempts int) error
}

// EventPublisher publishes delivery lifecycle events. *mq.Publisher
// satisfies it; nil disables publishing.
type EventPublisher interface {
	Publish(routingKey string, payload any) error
}

// Notifier is the in-app notification channel. In-app kinds bypass the
// email gates entirely — the real-time path is independent.
type Notifier interface {
	Dispatch(ctx context.Context, n *model.Notification) error
}

// Deduper suppresses repeated submissions for the same external event.
type Deduper interface {
	AcquireOnce(ctx context.Context, source, eventKey string) bool
}

// Service owns the dispatch pipeline: admission, the priority queue,
// the worker pool, and terminal-state bookkeeping.
type Service struct {
	cfg      Config
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	quota    *quota.Tracker
	selector *backend.Selector
	engine   *retry.Engine
	dead     *deadletter.Store

	log       DeliveryLog
	publisher EventPublisher
	notifier  Notifier
	deduper   Deduper

	logger *zap.Logger

	mu       sync.Mutex
	statuses map[string]model.Status

	wg sync.WaitGroup
}

func NewService(
	cfg Config,
	q *queue.Queue,
	limiter *ratelimit.Limiter,
	quotaTracker *quota.Tracker,
	selector *backend.Selector,
	engine *retry.Engine,
	dead *deadletter.Store,
	logger *zap.Logger,
) *Service {
	cfg.defaults()
	return &Service{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		quota:    quotaTracker,
		selector: selector,
		engine:   engine,
		dead:     dead,
		logger:   logger,
		statuses: make(map[string]model.Status),
	}
}

// WithDeliveryLog attaches the persistence collaborator.
func (s *Service) WithDeliveryLog(log DeliveryLog) *Service {
	s.log = log
	return s
}

// WithPublisher attaches the delivery-event publisher.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithNotifier attaches the real-time notification channel.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithDeduper attaches the submit-side deduper.
func (s *Service) WithDeduper(d Deduper) *Service {
	s.deduper = d
	return s
}

// SubmitRequest is the external submission surface.
type SubmitRequest struct {
	Kind      model.Kind
	UserID    int
	Recipient string
	Subject   string
	Body      string
	Priority  model.Priority
	// EventKey dedupes repeated submissions of the same external
	// event. Empty disables deduplication.
	EventKey string
}

// Submit validates and enqueues a message. Backpressure is absorbed by
// the queue — submission is only rejected on malformed input.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*model.Message, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	if req.EventKey != "" && s.deduper != nil {
		if !s.deduper.AcquireOnce(ctx, string(req.Kind), req.EventKey) {
			return nil, ErrDuplicate
		}
	}

	msg := &model.Message{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Priority:  req.Priority,
		CreatedAt: time.Now(),
		Status:    model.StatusQueued,
	}

	if req.Kind == model.KindInAppNotification {
		return s.submitInApp(ctx, msg)
	}

	s.setStatus(msg.ID, model.StatusQueued)
	if s.log != nil {
		if err := s.log.Record(ctx, msg); err != nil {
			s.logger.Error("Failed to record message in delivery log",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	s.queue.Enqueue(msg)

	s.logger.Info("Message queued",
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
		zap.String("priority", msg.Priority.String()),
	)
	return msg, nil
}

// submitInApp hands the message to the real-time channel. Delivery at
// this layer means pushed-or-queued; no provider gates apply.
func (s *Service) submitInApp(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if s.notifier == nil {
		return nil, fmt.Errorf("in-app channel not configured")
	}
	n := &model.Notification{
		ID:        msg.ID,
		UserID:    msg.UserID,
		Title:     msg.Subject,
		Body:      msg.Body,
		Type:      "info",
		Priority:  msg.Priority.String(),
		CreatedAt: msg.CreatedAt,
	}
	if err := s.notifier.Dispatch(ctx, n); err != nil {
		return nil, fmt.Errorf("in-app dispatch: %w", err)
	}
	msg.Status = model.StatusDelivered
	s.setStatus(msg.ID, model.StatusDelivered)
	return msg, nil
}

func (s *Service) validate(req SubmitRequest) error {
	if req.Kind != model.KindInAppNotification {
		if req.Recipient == "" {
			return ErrMissingRecipient
		}
		if !emailPattern.MatchString(req.Recipient) {
			return ErrInvalidRecipient
		}
		at := strings.LastIndex(req.Recipient, "@")
		domain := strings.ToLower(req.Recipient[at+1:])
		for _, blocked := range s.cfg.BlockedDomains {
			if domain == blocked {
				return ErrBlockedDomain
			}
		}
	} else if req.UserID == 0 {
		return ErrMissingRecipient
	}
	if len(req.Subject) > maxSubjectLen {
		return ErrSubjectTooLong
	}
	if len(req.Body) > maxBodyBytes {
		return ErrBodyTooLarge
	}
	return nil
}

// Status reports the lifecycle state of a submitted message.
func (s *Service) Status(id string) (model.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	return st, ok
}

// Cancel removes a message that has not been taken by a worker yet.
// Once a worker owns it, the message runs to a terminal state.
func (s *Service) Cancel(id string) bool {
	if !s.queue.Cancel(id) {
		return false
	}
	s.setStatus(id, model.StatusFailed)
	s.logger.Info("Queued message cancelled", zap.String("message_id", id))
	return true
}

// Usage exposes the quota tracker snapshot.
func (s *Service) Usage() quota.Usage {
	return s.quota.Snapshot()
}

// Health reports the pipeline's degradation state and active backend.
type Health struct {
	Status        string `json:"status"`
	ActiveBackend string `json:"active_backend"`
	QueueDepth    int    `json:"queue_depth"`
}

func (s *Service) Health() Health {
	status := "ok"
	if s.selector.Degraded() {
		status = "degraded"
	}
	return Health{
		Status:        status,
		ActiveBackend: s.selector.Active(),
		QueueDepth:    s.queue.Len(),
	}
}

// ResetPrimary clears a latched primary-backend failure.
func (s *Service) ResetPrimary() {
	s.selector.Reset()
}

// DeadLetters exposes the dead-letter store for inspection handlers.
func (s *Service) DeadLetters() *deadletter.Store {
	return s.dead
}

// RequeueDeadLetter replays a dead-lettered message into the queue.
func (s *Service) RequeueDeadLetter(ctx context.Context, messageID string) error {
	if err := s.dead.Requeue(ctx, messageID, s.queue); err != nil {
		return err
	}
	s.mu.Lock()
	s.statuses[messageID] = model.StatusQueued
	s.mu.Unlock()
	return nil
}

var statusRank = map[model.Status]int{
	model.StatusQueued:       0,
	model.StatusSending:      1,
	model.StatusDelivered:    2,
	model.StatusFailed:       2,
	model.StatusDeadLettered: 3,
}

// setStatus advances a message's recorded status. Transitions are
// monotonic; a stale update never moves a message backwards. Terminal
// entries are evicted after the retention window so the map does not
// grow for the process lifetime.
func (s *Service) setStatus(id string, status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.statuses[id]; ok && statusRank[status] < statusRank[cur] {
		return
	}
	s.statuses[id] = status
	if statusRank[status] >= statusRank[model.StatusDelivered] {
		s.scheduleStatusEviction(id)
	}
}

// scheduleStatusEviction drops a terminal entry once the retention
// window passes. A dead-letter requeue that moved the message back to
// queued keeps its entry alive.
func (s *Service) scheduleStatusEviction(id string) {
	time.AfterFunc(s.cfg.StatusRetention, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.statuses[id]; ok && statusRank[cur] >= statusRank[model.StatusDelivered] {
			delete(s.statuses, id)
		}
	})
}
