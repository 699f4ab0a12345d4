package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
)

// InstanceRepository reads the channel instance table owned by the wider
// platform. Only the lookup the sync executor needs lives here.
type InstanceRepository struct {
	pool *pgxpool.Pool
}

func NewInstanceRepository(pool *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{pool: pool}
}

func (r *InstanceRepository) ChannelType(ctx context.Context, instanceID string) (string, error) {
	var channel string
	err := r.pool.QueryRow(ctx, `SELECT channel FROM instances WHERE id = $1`, instanceID).Scan(&channel)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.NotFound("instance", instanceID)
	}
	if err != nil {
		return "", fmt.Errorf("get instance channel: %w", err)
	}

	return channel, nil
}
