package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "lottonotify/contracts/mq"
	"lottonotify/internal/dispatch"
	"lottonotify/internal/model"
)

// DLQPublisher 毒消息的投递口，无法解析的 payload 不能无限重试
type DLQPublisher interface {
	PublishToDLQ(routingKey string, payload []byte, originalError string) error
}

// WinnerDetectedHandler 处理 winner.detected 事件：给中奖用户发
// 紧急邮件和站内通知。
type WinnerDetectedHandler struct {
	dispatcher *dispatch.Service
	dlq        DLQPublisher
	logger     *zap.Logger
}

func NewWinnerDetectedHandler(
	dispatcher *dispatch.Service,
	dlq DLQPublisher,
	logger *zap.Logger,
) *WinnerDetectedHandler {
	return &WinnerDetectedHandler{
		dispatcher: dispatcher,
		dlq:        dlq,
		logger:     logger,
	}
}

func (h *WinnerDetectedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p mqcontracts.WinnerDetectedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal WinnerDetectedPayload", zap.Error(err))
		// 毒消息进 DLQ，ack 掉避免死循环
		h.toDLQ(raw, err)
		return nil
	}

	h.logger.Info("Handling winner.detected event",
		zap.String("event_id", p.EventID),
		zap.Int("user_id", p.UserID),
		zap.String("game", p.Game),
	)

	subject := fmt.Sprintf("Congratulations! You won the %s draw", p.Game)
	body := fmt.Sprintf(
		"Dear %s,\n\nYour ticket %s in the %s draw on %s won %s.\n\nLog in to claim your prize.",
		p.UserName, p.TicketNumber, p.Game, p.DrawDate, p.PrizeAmount,
	)

	_, err := h.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Kind:      model.KindTransactionalEmail,
		UserID:    p.UserID,
		Recipient: p.UserEmail,
		Subject:   subject,
		Body:      body,
		Priority:  model.PriorityUrgent,
		EventKey:  p.EventID,
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrDuplicate) {
			h.logger.Info("Winner event already processed",
				zap.String("event_id", p.EventID),
			)
			return nil
		}
		// 校验失败说明事件数据本身有问题，重试没有意义
		h.logger.Error("Winner email rejected at submission",
			zap.String("event_id", p.EventID),
			zap.Error(err),
		)
		h.toDLQ(raw, err)
		return nil
	}

	_, err = h.dispatcher.Submit(ctx, dispatch.SubmitRequest{
		Kind:     model.KindInAppNotification,
		UserID:   p.UserID,
		Subject:  fmt.Sprintf("You won the %s draw!", p.Game),
		Body:     fmt.Sprintf("Ticket %s won %s. Tap to claim.", p.TicketNumber, p.PrizeAmount),
		Priority: model.PriorityUrgent,
	})
	if err != nil {
		// 邮件已入队，站内通知失败只记日志
		h.logger.Error("Winner in-app notification failed",
			zap.String("event_id", p.EventID),
			zap.Error(err),
		)
	}

	return nil
}

func (h *WinnerDetectedHandler) toDLQ(raw []byte, cause error) {
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ("winner.detected", raw, cause.Error()); err != nil {
		h.logger.Error("Failed to publish poison payload to DLQ", zap.Error(err))
	}
}
