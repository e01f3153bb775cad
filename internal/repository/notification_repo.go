package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"lottonotify/internal/model"
)

// NotificationRepository 站内通知仓储
type NotificationRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewNotificationRepository(db *pgxpool.Pool, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

func (r *NotificationRepository) Insert(ctx context.Context, n *model.Notification) error {
	query := `
        INSERT INTO notifications (id, user_id, title, body, type, priority, delivered, is_read, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `
	_, err := r.db.Exec(ctx, query,
		n.ID,
		n.UserID,
		n.Title,
		n.Body,
		n.Type,
		n.Priority,
		n.Delivered,
		n.IsRead,
		n.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert notification",
			zap.String("notification_id", n.ID),
			zap.Int("user_id", n.UserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *NotificationRepository) MarkDelivered(ctx context.Context, id string) error {
	query := `UPDATE notifications SET delivered = TRUE WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return err
}

func (r *NotificationRepository) MarkRead(ctx context.Context, id string, userID int, readAt time.Time) error {
	query := `
        UPDATE notifications
        SET is_read = TRUE, read_at = $3
        WHERE id = $1 AND user_id = $2 AND is_read = FALSE
    `
	tag, err := r.db.Exec(ctx, query, id, userID, readAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification not found or already read: %s", id)
	}
	return nil
}

// ListUnread 按时间倒序返回用户未读通知
func (r *NotificationRepository) ListUnread(ctx context.Context, userID int, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
        SELECT id, user_id, title, body, type, priority, delivered, is_read, created_at, read_at
        FROM notifications
        WHERE user_id = $1 AND is_read = FALSE AND archived_at IS NULL
        ORDER BY created_at DESC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(
			&n.ID,
			&n.UserID,
			&n.Title,
			&n.Body,
			&n.Type,
			&n.Priority,
			&n.Delivered,
			&n.IsRead,
			&n.CreatedAt,
			&n.ReadAt,
		); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Archive 软删除通知，列表查询不再返回
func (r *NotificationRepository) Archive(ctx context.Context, id string, userID int) error {
	query := `
        UPDATE notifications
        SET archived_at = NOW()
        WHERE id = $1 AND user_id = $2 AND archived_at IS NULL
    `
	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}
