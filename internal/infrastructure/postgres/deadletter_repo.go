package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/deadletter"
	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
)

type DeadLetterRepository struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepository {
	return &DeadLetterRepository{pool: pool}
}

const deadLetterColumns = `
	id,
	original_event_id,
	event_type,
	subject,
	consumer,
	payload,
	error_message,
	retry_count,
	auto_retries,
	status,
	COALESCE(resolution_note, ''),
	next_auto_retry_at,
	last_retry_at,
	created_at,
	updated_at`

func (r *DeadLetterRepository) Create(ctx context.Context, dl *deadletter.DeadLetter) error {
	const sql = `
		INSERT INTO dead_letters
			(id, original_event_id, event_type, subject, consumer, payload, error_message,
			 retry_count, auto_retries, status, resolution_note, next_auto_retry_at, last_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`

	_, err := pick(ctx, r.pool).Exec(ctx, sql,
		dl.ID, dl.OriginalEventID, dl.EventType, dl.Subject, dl.Consumer, dl.Payload,
		dl.ErrorMessage, dl.RetryCount, dl.AutoRetries, dl.Status, nullIfEmpty(dl.ResolutionNote),
		dl.NextAutoRetryAt, dl.LastRetryAt, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	return nil
}

func (r *DeadLetterRepository) GetByID(ctx context.Context, id string) (*deadletter.DeadLetter, error) {
	sql := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	dl, err := scanDeadLetter(pick(ctx, r.pool).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("dead letter", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}

	return dl, nil
}

func (r *DeadLetterRepository) FindOpenByEventID(ctx context.Context, eventID string) (*deadletter.DeadLetter, error) {
	sql := `SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE original_event_id = $1 AND status IN ('pending', 'retrying')
		ORDER BY created_at DESC
		LIMIT 1`

	dl, err := scanDeadLetter(pick(ctx, r.pool).QueryRow(ctx, sql, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open dead letter: %w", err)
	}

	return dl, nil
}

func (r *DeadLetterRepository) Update(ctx context.Context, dl *deadletter.DeadLetter) error {
	const sql = `
		UPDATE dead_letters
		SET error_message = $2,
			retry_count = $3,
			auto_retries = $4,
			status = $5,
			resolution_note = $6,
			next_auto_retry_at = $7,
			last_retry_at = $8,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := pick(ctx, r.pool).Exec(ctx, sql,
		dl.ID, dl.ErrorMessage, dl.RetryCount, dl.AutoRetries, dl.Status,
		nullIfEmpty(dl.ResolutionNote), dl.NextAutoRetryAt, dl.LastRetryAt)
	if err != nil {
		return fmt.Errorf("update dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("dead letter", dl.ID)
	}

	return nil
}

func (r *DeadLetterRepository) List(ctx context.Context, filter deadletter.ListFilter) ([]*deadletter.DeadLetter, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if len(filter.EventType) > 0 {
		args = append(args, filter.EventType)
		where = append(where, fmt.Sprintf("event_type = ANY($%d)", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	sql := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*deadletter.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, dl)
	}

	return items, nil
}

func (r *DeadLetterRepository) Stats(ctx context.Context) (*deadletter.Stats, error) {
	const totalsSQL = `
		SELECT
			count(*)::int,
			count(*) FILTER (WHERE status = 'pending')::int,
			count(*) FILTER (WHERE status = 'retrying')::int,
			count(*) FILTER (WHERE status = 'resolved')::int,
			count(*) FILTER (WHERE status = 'abandoned')::int
		FROM dead_letters
	`

	stats := &deadletter.Stats{ByEventType: make(map[string]int)}
	err := r.pool.QueryRow(ctx, totalsSQL).Scan(
		&stats.Total, &stats.Pending, &stats.Retrying, &stats.Resolved, &stats.Abandoned)
	if err != nil {
		return nil, fmt.Errorf("dead letter totals: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT event_type, count(*)::int FROM dead_letters GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("dead letters by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("scan dead letter stats: %w", err)
		}
		stats.ByEventType[eventType] = count
	}

	return stats, nil
}

func (r *DeadLetterRepository) ClaimDueRetries(ctx context.Context, now time.Time, limit int) ([]*deadletter.DeadLetter, error) {
	sql := `
		WITH claimed AS (
			SELECT id
			FROM dead_letters
			WHERE status = 'pending' AND next_auto_retry_at IS NOT NULL AND next_auto_retry_at <= $1
			ORDER BY next_auto_retry_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE dead_letters
		SET status = 'retrying',
			retry_count = retry_count + 1,
			auto_retries = auto_retries + 1,
			last_retry_at = $1,
			updated_at = NOW()
		WHERE id IN (SELECT id FROM claimed)
		RETURNING ` + deadLetterColumns

	rows, err := r.pool.Query(ctx, sql, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	var items []*deadletter.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed dead letter: %w", err)
		}
		items = append(items, dl)
	}

	return items, nil
}

func scanDeadLetter(row pgx.Row) (*deadletter.DeadLetter, error) {
	dl := &deadletter.DeadLetter{}
	err := row.Scan(
		&dl.ID, &dl.OriginalEventID, &dl.EventType, &dl.Subject, &dl.Consumer,
		&dl.Payload, &dl.ErrorMessage, &dl.RetryCount, &dl.AutoRetries, &dl.Status, &dl.ResolutionNote,
		&dl.NextAutoRetryAt, &dl.LastRetryAt, &dl.CreatedAt, &dl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return dl, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
