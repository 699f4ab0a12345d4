package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/archiver"
)

type EventArchiveRepository struct {
	pool *pgxpool.Pool
}

func NewEventArchiveRepository(pool *pgxpool.Pool) *EventArchiveRepository {
	return &EventArchiveRepository{pool: pool}
}

// Save returns true if the record was saved (is new), false if it already existed.
func (r *EventArchiveRepository) Save(ctx context.Context, rec archiver.Record) (bool, error) {
	const sql = `
		INSERT INTO archived_events
			(event_id, event_type, instance_id, correlation_id, payload, published_at, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := pick(ctx, r.pool).Exec(ctx, sql,
		rec.EventID, rec.EventType, nullIfEmpty(rec.InstanceID),
		nullIfEmpty(rec.CorrelationID), rec.Payload, rec.PublishedAt)
	if err != nil {
		return false, fmt.Errorf("insert archived event: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}
