package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	mqcontracts "lottonotify/contracts/mq"
	"lottonotify/internal/dispatch"
	"lottonotify/internal/model"
)

// BroadcastRequestedHandler 处理 broadcast.requested 事件：按收件人
// 拆成单条消息入队。
type BroadcastRequestedHandler struct {
	dispatcher *dispatch.Service
	dlq        DLQPublisher
	logger     *zap.Logger
}

func NewBroadcastRequestedHandler(
	dispatcher *dispatch.Service,
	dlq DLQPublisher,
	logger *zap.Logger,
) *BroadcastRequestedHandler {
	return &BroadcastRequestedHandler{
		dispatcher: dispatcher,
		dlq:        dlq,
		logger:     logger,
	}
}

func (h *BroadcastRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.BroadcastRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal BroadcastRequestedPayload", zap.Error(err))
		if h.dlq != nil {
			if dlqErr := h.dlq.PublishToDLQ("broadcast.requested", raw, err.Error()); dlqErr != nil {
				h.logger.Error("Failed to publish poison payload to DLQ", zap.Error(dlqErr))
			}
		}
		return nil
	}

	priority := model.ParsePriority(p.Priority)
	queued, rejected := 0, 0

	for _, rcpt := range p.Recipients {
		_, err := h.dispatcher.Submit(ctx, dispatch.SubmitRequest{
			Kind:      model.KindBroadcastEmail,
			UserID:    rcpt.UserID,
			Recipient: rcpt.Email,
			Subject:   p.Subject,
			Body:      p.Body,
			Priority:  priority,
		})
		if err != nil {
			if errors.Is(err, dispatch.ErrDuplicate) {
				continue
			}
			// 单个坏收件人不影响其他人
			rejected++
			h.logger.Warn("Broadcast recipient rejected",
				zap.String("event_id", p.EventID),
				zap.String("recipient", rcpt.Email),
				zap.Error(err),
			)
			continue
		}
		queued++
	}

	h.logger.Info("Broadcast fanned out",
		zap.String("event_id", p.EventID),
		zap.Int("queued", queued),
		zap.Int("rejected", rejected),
	)
	return nil
}
