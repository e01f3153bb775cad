package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// QuotaRepository 每日配额计数仓储
type QuotaRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewQuotaRepository(db *pgxpool.Pool, logger *zap.Logger) *QuotaRepository {
	return &QuotaRepository{
		db:     db,
		logger: logger,
	}
}

func (r *QuotaRepository) UpsertDay(ctx context.Context, day string, sent int) error {
	query := `
        INSERT INTO quota_days (day, sent, updated_at)
        VALUES ($1, $2, NOW())
        ON CONFLICT (day) DO UPDATE
        SET sent = EXCLUDED.sent, updated_at = NOW()
    `
	_, err := r.db.Exec(ctx, query, day, sent)
	if err != nil {
		r.logger.Error("Failed to upsert quota counter",
			zap.String("day", day),
			zap.Error(err),
		)
	}
	return err
}

// GetDay 返回某天已发送计数，没有记录时返回 0
func (r *QuotaRepository) GetDay(ctx context.Context, day string) (int, error) {
	query := `SELECT sent FROM quota_days WHERE day = $1`
	var sent int
	err := r.db.QueryRow(ctx, query, day).Scan(&sent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return sent, nil
}
