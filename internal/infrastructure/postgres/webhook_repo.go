package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/webhook"
)

type WebhookSourceRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookSourceRepository(pool *pgxpool.Pool) *WebhookSourceRepository {
	return &WebhookSourceRepository{pool: pool}
}

const webhookSourceColumns = `
	id,
	name,
	COALESCE(description, ''),
	expected_headers,
	enabled,
	last_received_at,
	total_received,
	created_at,
	updated_at`

func (r *WebhookSourceRepository) Create(ctx context.Context, src *webhook.Source) error {
	headers, err := json.Marshal(src.ExpectedHeaders)
	if err != nil {
		return fmt.Errorf("marshal expected headers: %w", err)
	}

	const sql = `
		INSERT INTO webhook_sources
			(id, name, description, expected_headers, enabled, total_received, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err = pick(ctx, r.pool).Exec(ctx, sql,
		src.ID, src.Name, nullIfEmpty(src.Description), headers, src.Enabled, src.TotalReceived, src.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errs.Validation("webhook source %q already exists", src.Name)
		}
		return fmt.Errorf("insert webhook source: %w", err)
	}

	return nil
}

func (r *WebhookSourceRepository) GetByID(ctx context.Context, id string) (*webhook.Source, error) {
	sql := `SELECT ` + webhookSourceColumns + ` FROM webhook_sources WHERE id = $1`

	src, err := scanWebhookSource(r.pool.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("webhook source", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook source: %w", err)
	}

	return src, nil
}

func (r *WebhookSourceRepository) GetByName(ctx context.Context, name string) (*webhook.Source, error) {
	sql := `SELECT ` + webhookSourceColumns + ` FROM webhook_sources WHERE name = $1`

	src, err := scanWebhookSource(r.pool.QueryRow(ctx, sql, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook source by name: %w", err)
	}

	return src, nil
}

func (r *WebhookSourceRepository) Update(ctx context.Context, src *webhook.Source) error {
	headers, err := json.Marshal(src.ExpectedHeaders)
	if err != nil {
		return fmt.Errorf("marshal expected headers: %w", err)
	}

	const sql = `
		UPDATE webhook_sources
		SET name = $2,
			description = $3,
			expected_headers = $4,
			enabled = $5,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, sql, src.ID, src.Name, nullIfEmpty(src.Description), headers, src.Enabled)
	if err != nil {
		return fmt.Errorf("update webhook source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("webhook source", src.ID)
	}

	return nil
}

func (r *WebhookSourceRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM webhook_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("webhook source", id)
	}

	return nil
}

func (r *WebhookSourceRepository) List(ctx context.Context, enabled *bool) ([]*webhook.Source, error) {
	sql := `SELECT ` + webhookSourceColumns + ` FROM webhook_sources`
	var args []any
	if enabled != nil {
		sql += ` WHERE enabled = $1`
		args = append(args, *enabled)
	}
	sql += ` ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook sources: %w", err)
	}
	defer rows.Close()

	var items []*webhook.Source
	for rows.Next() {
		src, err := scanWebhookSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook source: %w", err)
		}
		items = append(items, src)
	}

	return items, nil
}

func (r *WebhookSourceRepository) MarkReceived(ctx context.Context, id string, at time.Time) error {
	const sql = `
		UPDATE webhook_sources
		SET total_received = total_received + 1,
			last_received_at = $2,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, sql, id, at)
	if err != nil {
		return fmt.Errorf("mark webhook received: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("webhook source", id)
	}

	return nil
}

func scanWebhookSource(row pgx.Row) (*webhook.Source, error) {
	src := &webhook.Source{}
	var headers []byte

	err := row.Scan(
		&src.ID, &src.Name, &src.Description, &headers, &src.Enabled,
		&src.LastReceivedAt, &src.TotalReceived, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &src.ExpectedHeaders); err != nil {
			return nil, fmt.Errorf("unmarshal expected headers: %w", err)
		}
	}

	return src, nil
}
