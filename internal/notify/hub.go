package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"lottonotify/internal/model"
	"lottonotify/pkg/metrics"
)

// DefaultMaxOffline bounds the per-user offline queue.
const DefaultMaxOffline = 50

// Sink is one live client connection. *websocket.Conn satisfies it;
// gorilla permits only one concurrent writer per connection, so the hub
// serializes all writes to a Sink through a per-connection mutex.
type Sink interface {
	WriteJSON(v any) error
}

// client pairs a Sink with its write lock. Every write to the
// connection, flush or live push, goes through write.
type client struct {
	mu   sync.Mutex
	sink Sink
}

func (c *client) write(n *model.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink.WriteJSON(n)
}

// Repository persists notifications and read receipts. Nil disables
// persistence; the hub then serves connected and recently offline users
// from memory only.
type Repository interface {
	Insert(ctx context.Context, n *model.Notification) error
	MarkDelivered(ctx context.Context, id string) error
	MarkRead(ctx context.Context, id string, userID int, readAt time.Time) error
}

// Hub fans notifications out to a user's live connections and queues
// them while the user is offline. The offline queue holds at most
// maxOffline entries per user; when full, the oldest entry is dropped
// so the newest notifications always survive.
type Hub struct {
	mu      sync.RWMutex
	clients map[int]map[Sink]*client
	offline map[int][]*model.Notification

	maxOffline int
	repo       Repository
	logger     *zap.Logger
}

func NewHub(repo Repository, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[int]map[Sink]*client),
		offline:    make(map[int][]*model.Notification),
		maxOffline: DefaultMaxOffline,
		repo:       repo,
		logger:     logger,
	}
}

// Dispatch delivers a notification to every live connection of the
// target user, or queues it when none exist. Always persists first so
// a crash between persist and push loses nothing.
func (h *Hub) Dispatch(ctx context.Context, n *model.Notification) error {
	if h.repo != nil {
		if err := h.repo.Insert(ctx, n); err != nil {
			h.logger.Error("Failed to persist notification",
				zap.String("notification_id", n.ID),
				zap.Int("user_id", n.UserID),
				zap.Error(err),
			)
		}
	}

	h.mu.Lock()
	conns := h.liveConnsLocked(n.UserID)
	if len(conns) == 0 {
		h.queueOfflineLocked(n)
		h.mu.Unlock()
		metrics.NotificationsPushed.WithLabelValues("queued").Inc()
		return nil
	}
	h.mu.Unlock()

	h.push(ctx, n, conns)
	metrics.NotificationsPushed.WithLabelValues("live").Inc()
	return nil
}

// liveConnsLocked snapshots the user's connections. Must hold h.mu.
func (h *Hub) liveConnsLocked(userID int) []*client {
	set := h.clients[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*client, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// queueOfflineLocked appends to the user's offline queue, dropping the
// oldest entry at capacity. Must hold h.mu.
func (h *Hub) queueOfflineLocked(n *model.Notification) {
	q := h.offline[n.UserID]
	if len(q) >= h.maxOffline {
		dropped := q[0]
		copy(q, q[1:])
		q = q[:len(q)-1]
		h.logger.Warn("Offline queue full, dropping oldest notification",
			zap.Int("user_id", n.UserID),
			zap.String("dropped_id", dropped.ID),
		)
	}
	h.offline[n.UserID] = append(q, n)
}

func (h *Hub) push(ctx context.Context, n *model.Notification, conns []*client) {
	delivered := false
	for _, conn := range conns {
		if err := conn.write(n); err != nil {
			h.logger.Warn("Notification push failed",
				zap.Int("user_id", n.UserID),
				zap.Error(err),
			)
			continue
		}
		delivered = true
	}
	if !delivered {
		// every write failed, treat as offline
		h.mu.Lock()
		h.queueOfflineLocked(n)
		h.mu.Unlock()
		return
	}
	n.Delivered = true
	if h.repo != nil {
		if err := h.repo.MarkDelivered(ctx, n.ID); err != nil {
			h.logger.Error("Failed to mark notification delivered",
				zap.String("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}
}

// Register adds a live connection and flushes the user's offline queue
// to it in arrival order. The queue is cleared after a successful flush.
// The connection's write lock is held from before it becomes visible
// until the flush completes, so a concurrent live push to the same user
// lands after the backlog, never interleaved with it.
func (h *Hub) Register(ctx context.Context, userID int, conn Sink) {
	c := &client{sink: conn}
	c.mu.Lock()
	defer c.mu.Unlock()

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[Sink]*client)
	}
	h.clients[userID][conn] = c
	pending := h.offline[userID]
	delete(h.offline, userID)
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	h.logger.Info("Notification client connected",
		zap.Int("user_id", userID),
		zap.Int("pending", len(pending)),
	)

	for i, n := range pending {
		if err := conn.WriteJSON(n); err != nil {
			// connection died mid-flush, requeue the unflushed tail
			h.mu.Lock()
			h.offline[userID] = append(append([]*model.Notification{}, pending[i:]...), h.offline[userID]...)
			h.mu.Unlock()
			return
		}
		n.Delivered = true
		if h.repo != nil {
			if err := h.repo.MarkDelivered(ctx, n.ID); err != nil {
				h.logger.Error("Failed to mark notification delivered",
					zap.String("notification_id", n.ID),
					zap.Error(err),
				)
			}
		}
	}
}

// Unregister removes a connection, keeping any other live connections
// of the same user untouched.
func (h *Hub) Unregister(userID int, conn Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[userID]
	if !ok {
		return
	}
	if _, present := set[conn]; !present {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.clients, userID)
	}
	metrics.ActiveConnections.Dec()
	h.logger.Info("Notification client disconnected", zap.Int("user_id", userID))
}

// MarkRead records the read timestamp for a notification owned by the
// given user.
func (h *Hub) MarkRead(ctx context.Context, id string, userID int) error {
	if h.repo == nil {
		return nil
	}
	return h.repo.MarkRead(ctx, id, userID, time.Now())
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// PendingCount returns the user's offline queue length.
func (h *Hub) PendingCount(userID int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.offline[userID])
}
