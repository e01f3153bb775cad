package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"lottonotify/internal/model"
)

// DeliveryLogRepository 投递记录仓储
type DeliveryLogRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewDeliveryLogRepository(db *pgxpool.Pool, logger *zap.Logger) *DeliveryLogRepository {
	return &DeliveryLogRepository{
		db:     db,
		logger: logger,
	}
}

func (r *DeliveryLogRepository) Record(ctx context.Context, msg *model.Message) error {
	query := `
        INSERT INTO delivery_log (id, kind, user_id, recipient, subject, priority, status, attempts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.db.Exec(ctx, query,
		msg.ID,
		string(msg.Kind),
		msg.UserID,
		msg.Recipient,
		msg.Subject,
		msg.Priority.String(),
		string(msg.Status),
		msg.Attempts,
		msg.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert delivery log row",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *DeliveryLogRepository) UpdateStatus(ctx context.Context, id string, status model.Status, attempts int) error {
	query := `
        UPDATE delivery_log
        SET status = $2, attempts = $3, updated_at = NOW()
        WHERE id = $1
    `
	_, err := r.db.Exec(ctx, query, id, string(status), attempts)
	if err != nil {
		r.logger.Error("Failed to update delivery log status",
			zap.String("message_id", id),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	return err
}

// DeleteOlderThan 清理保留期之外的投递记录，返回删除行数
func (r *DeliveryLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM delivery_log WHERE created_at < $1`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to prune delivery log",
			zap.Time("cutoff", cutoff),
			zap.Error(err),
		)
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetStatus 查询单条消息的投递状态
func (r *DeliveryLogRepository) GetStatus(ctx context.Context, id string) (model.Status, int, error) {
	query := `SELECT status, attempts FROM delivery_log WHERE id = $1`
	var status string
	var attempts int
	if err := r.db.QueryRow(ctx, query, id).Scan(&status, &attempts); err != nil {
		return "", 0, err
	}
	return model.Status(status), attempts, nil
}
