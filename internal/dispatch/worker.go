package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	contracts "lottonotify/contracts/mq"
	"lottonotify/internal/backend"
	"lottonotify/internal/model"
	"lottonotify/pkg/metrics"
)

var errNoBackend = errors.New("no backend available")

// Start launches the worker pool. Workers drain the priority queue,
// run the admission gates, and drive each message to a terminal state.
// Stop by cancelling ctx, then Wait.
func (s *Service) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info("Dispatch workers started", zap.Int("count", s.cfg.Workers))
}

// Wait blocks until every worker has exited.
func (s *Service) Wait() {
	s.wg.Wait()
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	logger := s.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatch worker stopping")
			return
		default:
		}

		msg := s.queue.DequeueNext()
		if msg == nil {
			select {
			case <-ctx.Done():
				logger.Info("Dispatch worker stopping")
				return
			case <-time.After(s.cfg.IdlePoll):
			}
			continue
		}

		s.process(ctx, logger, msg)
	}
}

// process runs one message through the gate sequence and the retried
// send. Exactly one of three things happens: the message is delivered,
// rescheduled, or dead-lettered.
func (s *Service) process(ctx context.Context, logger *zap.Logger, msg *model.Message) {
	// 限流闸门：发送窗口满了就延迟重排，不丢消息
	if !s.limiter.TryAcquire() {
		metrics.IncrementAdmissionDenied("rate_limit")
		logger.Info("Rate limit window full, rescheduling",
			zap.String("message_id", msg.ID),
			zap.Int("reschedules", msg.Reschedules),
		)
		s.reschedule(ctx, msg, "rate_limit_reschedule_cap")
		return
	}

	// 配额影响路由而不是准入：额度耗尽时 Pick 返回备用后端。
	// 只有完全没有可用后端时才延迟重排。
	be := s.selector.Pick()
	if be == nil {
		metrics.IncrementAdmissionDenied("no_backend")
		logger.Warn("No backend available, rescheduling",
			zap.String("message_id", msg.ID),
		)
		s.reschedule(ctx, msg, "no_backend_reschedule_cap")
		return
	}

	msg.Status = model.StatusSending
	s.setStatus(msg.ID, model.StatusSending)
	s.updateLog(ctx, msg)

	var usedBackend string
	result, err := s.engine.Execute(ctx, func(attemptCtx context.Context) error {
		// 每次尝试重新选路：中途熔断或额度耗尽都会切到备用。
		// 选中主通道的同时原子预占一个配额单位，检查和计数不会
		// 跨发送窗口分裂，并发 worker 不可能超发。
		b, reserved := s.selector.Acquire()
		if b == nil {
			return backend.RetriableError("no_backend", errNoBackend)
		}
		usedBackend = b.Name()

		if msg.Attempts > 0 {
			metrics.IncrementRetry(b.Name())
		}
		msg.Attempts++

		sendCtx, cancel := context.WithTimeout(attemptCtx, s.cfg.SendTimeout)
		defer cancel()

		start := time.Now()
		sendErr := b.Send(sendCtx, msg)
		if sendErr != nil {
			metrics.RecordSendLatency(b.Name(), "error", time.Since(start))
			if reserved {
				// 发送失败不消耗配额
				s.quota.Release()
			}
			if backend.IsFatal(sendErr) && b != s.selector.Fallback() {
				s.selector.MarkPrimaryFatal(sendErr)
			}
			return sendErr
		}
		metrics.RecordSendLatency(b.Name(), "ok", time.Since(start))

		if reserved {
			s.quota.Commit(sendCtx)
		}
		return nil
	})

	if result.Delivered {
		msg.Status = model.StatusDelivered
		s.setStatus(msg.ID, model.StatusDelivered)
		s.updateLog(ctx, msg)
		metrics.IncrementSent(string(msg.Kind), usedBackend)
		logger.Info("Message delivered",
			zap.String("message_id", msg.ID),
			zap.String("backend", usedBackend),
			zap.Int("attempts", msg.Attempts),
		)
		s.publishEvent("message.delivered", contracts.MessageDeliveredPayload{
			MessageID: msg.ID,
			Kind:      string(msg.Kind),
			Backend:   usedBackend,
			Attempts:  msg.Attempts,
			SentAt:    time.Now(),
		})
		return
	}

	if ctx.Err() != nil && result.Reason == "context_canceled" {
		// shutdown mid-send, leave the message for a restart replay
		logger.Warn("Send interrupted by shutdown",
			zap.String("message_id", msg.ID),
		)
		return
	}

	logger.Error("Message failed terminally",
		zap.String("message_id", msg.ID),
		zap.String("reason", result.Reason),
		zap.Int("attempts", msg.Attempts),
		zap.Error(err),
	)
	msg.Status = model.StatusFailed
	s.setStatus(msg.ID, model.StatusFailed)
	s.deadLetter(ctx, msg, result.Reason)
}

// reschedule puts a gate-denied message back with a delay. The
// reschedule budget is separate from the retry budget; exceeding it
// dead-letters the message so it cannot circulate forever.
func (s *Service) reschedule(ctx context.Context, msg *model.Message, capReason string) {
	msg.Reschedules++
	if msg.Reschedules > s.cfg.MaxReschedules {
		s.deadLetter(ctx, msg, capReason)
		return
	}
	s.queue.EnqueueAfter(msg, s.cfg.RequeueDelay)
}

func (s *Service) deadLetter(ctx context.Context, msg *model.Message, reason string) {
	s.dead.Add(ctx, msg, reason)
	s.setStatus(msg.ID, model.StatusDeadLettered)
	s.updateLog(ctx, msg)
	s.publishEvent("message.deadlettered", contracts.MessageDeadLetteredPayload{
		MessageID: msg.ID,
		Kind:      string(msg.Kind),
		Reason:    reason,
		Attempts:  msg.Attempts,
		FailedAt:  time.Now(),
	})
}

func (s *Service) updateLog(ctx context.Context, msg *model.Message) {
	if s.log == nil {
		return
	}
	if err := s.log.UpdateStatus(ctx, msg.ID, msg.Status, msg.Attempts); err != nil {
		s.logger.Error("Failed to update delivery log",
			zap.String("message_id", msg.ID),
			zap.String("status", string(msg.Status)),
			zap.Error(err),
		)
	}
}

func (s *Service) publishEvent(routingKey string, payload any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(routingKey, payload); err != nil {
		s.logger.Error("Failed to publish delivery event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
