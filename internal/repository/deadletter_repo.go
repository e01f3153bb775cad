package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"lottonotify/internal/deadletter"
	"lottonotify/internal/model"
)

// DeadLetterRepository 死信仓储，消息体整体存 JSONB
type DeadLetterRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewDeadLetterRepository(db *pgxpool.Pool, logger *zap.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{
		db:     db,
		logger: logger,
	}
}

func (r *DeadLetterRepository) Insert(ctx context.Context, e deadletter.Entry) error {
	payload, err := json.Marshal(e.Message)
	if err != nil {
		return err
	}
	query := `
        INSERT INTO dead_letters (message_id, kind, user_id, reason, attempts, message, failed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (message_id) DO UPDATE
        SET reason = EXCLUDED.reason, attempts = EXCLUDED.attempts,
            message = EXCLUDED.message, failed_at = EXCLUDED.failed_at
    `
	_, err = r.db.Exec(ctx, query,
		e.Message.ID,
		string(e.Message.Kind),
		e.Message.UserID,
		e.Reason,
		e.Message.Attempts,
		payload,
		e.FailedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert dead-letter row",
			zap.String("message_id", e.Message.ID),
			zap.Error(err),
		)
	}
	return err
}

func (r *DeadLetterRepository) Delete(ctx context.Context, messageID string) error {
	query := `DELETE FROM dead_letters WHERE message_id = $1`
	_, err := r.db.Exec(ctx, query, messageID)
	return err
}

// LoadAll 启动时恢复死信存储
func (r *DeadLetterRepository) LoadAll(ctx context.Context) ([]deadletter.Entry, error) {
	query := `
        SELECT reason, message, failed_at
        FROM dead_letters
        ORDER BY failed_at ASC
    `
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []deadletter.Entry
	for rows.Next() {
		var e deadletter.Entry
		var payload []byte
		if err := rows.Scan(&e.Reason, &payload, &e.FailedAt); err != nil {
			return nil, err
		}
		var msg model.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			r.logger.Error("Skipping undecodable dead-letter row", zap.Error(err))
			continue
		}
		e.Message = &msg
		out = append(out, e)
	}
	return out, rows.Err()
}
