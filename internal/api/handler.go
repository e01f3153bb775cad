package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"lottonotify/internal/deadletter"
	"lottonotify/internal/dispatch"
	"lottonotify/internal/model"
	"lottonotify/internal/notify"
	"lottonotify/pkg/logger"
)

// NotificationLister reads a user's unread notifications. Nil disables
// the listing endpoint.
type NotificationLister interface {
	ListUnread(ctx context.Context, userID int, limit int) ([]model.Notification, error)
}

// Handler exposes the dispatch pipeline over HTTP.
type Handler struct {
	dispatcher *dispatch.Service
	hub        *notify.Hub
	notifRepo  NotificationLister
	logger     *zap.Logger
}

func NewHandler(dispatcher *dispatch.Service, hub *notify.Hub, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
	}
}

// WithNotificationLister attaches the unread-list backend.
func (h *Handler) WithNotificationLister(l NotificationLister) *Handler {
	h.notifRepo = l
	return h
}

type sendRequest struct {
	Kind      string `json:"kind" binding:"required"`
	UserID    int    `json:"user_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Priority  string `json:"priority"`
	EventKey  string `json:"event_key"`
}

// Send handles POST /api/v1/send
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	msg, err := h.dispatcher.Submit(c.Request.Context(), dispatch.SubmitRequest{
		Kind:      model.Kind(req.Kind),
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Subject:   req.Subject,
		Body:      req.Body,
		Priority:  model.ParsePriority(req.Priority),
		EventKey:  req.EventKey,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, dispatch.ErrDuplicate) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message_id": msg.ID,
		"status":     string(msg.Status),
	})
}

type broadcastRequest struct {
	Subject    string `json:"subject" binding:"required"`
	Body       string `json:"body" binding:"required"`
	Priority   string `json:"priority"`
	Recipients []struct {
		UserID int    `json:"user_id"`
		Email  string `json:"email" binding:"required"`
	} `json:"recipients" binding:"required,min=1"`
}

// Broadcast handles POST /api/v1/broadcast. One message per recipient;
// invalid recipients are reported but do not abort the rest.
func (h *Handler) Broadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	priority := model.ParsePriority(req.Priority)
	batchID := uuid.NewString()
	queued := make([]string, 0, len(req.Recipients))
	var rejected []gin.H

	for _, rcpt := range req.Recipients {
		msg, err := h.dispatcher.Submit(c.Request.Context(), dispatch.SubmitRequest{
			Kind:      model.KindBroadcastEmail,
			UserID:    rcpt.UserID,
			Recipient: rcpt.Email,
			Subject:   req.Subject,
			Body:      req.Body,
			Priority:  priority,
		})
		if err != nil {
			rejected = append(rejected, gin.H{"recipient": rcpt.Email, "error": err.Error()})
			continue
		}
		queued = append(queued, msg.ID)
	}

	c.JSON(http.StatusAccepted, gin.H{
		"batch_id": batchID,
		"queued":   len(queued),
		"rejected": rejected,
	})
}

// Status handles GET /api/v1/status/:id
func (h *Handler) Status(c *gin.Context) {
	id := c.Param("id")
	status, ok := h.dispatcher.Status(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message_id": id,
		"status":     string(status),
	})
}

// Cancel handles DELETE /api/v1/messages/:id. Only queued messages can
// be cancelled.
func (h *Handler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !h.dispatcher.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "message not queued"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": id, "status": "cancelled"})
}

// Usage handles GET /api/v1/usage
func (h *Handler) Usage(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Usage())
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Health())
}

// MarkNotificationRead handles POST /api/v1/notifications/:id/read
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	userID := c.GetInt("user_id")
	id := c.Param("id")
	if err := h.hub.MarkRead(c.Request.Context(), id, userID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification_id": id, "read": true})
}

// ListNotifications handles GET /api/v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	if h.notifRepo == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "notification store not configured"})
		return
	}
	userID := c.GetInt("user_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	notifications, err := h.notifRepo.ListUnread(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list notifications",
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":         len(notifications),
		"notifications": notifications,
	})
}

// ResetPrimaryBackend handles POST /api/v1/admin/backend/reset —
// operator action after fixing provider configuration.
func (h *Handler) ResetPrimaryBackend(c *gin.Context) {
	h.dispatcher.ResetPrimary()
	c.JSON(http.StatusOK, h.dispatcher.Health())
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters
func (h *Handler) ListDeadLetters(c *gin.Context) {
	filter := deadletter.Filter{
		Kind: model.Kind(c.Query("kind")),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since timestamp"})
			return
		}
		filter.Since = t
	}

	entries := h.dispatcher.DeadLetters().List(filter)
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

// RequeueDeadLetter handles POST /api/v1/admin/dead-letters/:id/requeue
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if err := h.dispatcher.RequeueDeadLetter(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	logger.WithTrace(c.Request.Context(), h.logger).Info("Dead-letter requeue requested",
		zap.String("message_id", id),
	)
	c.JSON(http.StatusOK, gin.H{"message_id": id, "status": "queued"})
}
