package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/syncjob"
)

// SyncItemRepository stores items fetched by backfill jobs, keyed by their
// natural (instance, external) identity so redelivery is idempotent.
type SyncItemRepository struct {
	pool *pgxpool.Pool
}

func NewSyncItemRepository(pool *pgxpool.Pool) *SyncItemRepository {
	return &SyncItemRepository{pool: pool}
}

// Upsert returns true if the item was stored, false if it was a duplicate.
func (r *SyncItemRepository) Upsert(ctx context.Context, instanceID string, item syncjob.Item) (bool, error) {
	const sql = `
		INSERT INTO synced_items (instance_id, external_id, kind, payload, media_url, synced_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (instance_id, external_id) DO NOTHING
	`

	tag, err := pick(ctx, r.pool).Exec(ctx, sql,
		instanceID, item.ExternalID, item.Kind, item.Payload, nullIfEmpty(item.MediaURL))
	if err != nil {
		return false, fmt.Errorf("upsert synced item: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
