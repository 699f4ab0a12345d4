package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/automagik-dev/omni-sub005/internal/domain/errs"
	"github.com/automagik-dev/omni-sub005/internal/syncjob"
)

type SyncJobRepository struct {
	pool *pgxpool.Pool
}

func NewSyncJobRepository(pool *pgxpool.Pool) *SyncJobRepository {
	return &SyncJobRepository{pool: pool}
}

const syncJobColumns = `
	id,
	instance_id,
	type,
	status,
	config,
	progress,
	COALESCE(error_message, ''),
	started_at,
	completed_at,
	created_at,
	updated_at`

func (r *SyncJobRepository) Create(ctx context.Context, job *syncjob.Job) error {
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}

	const sql = `
		INSERT INTO sync_jobs
			(id, instance_id, type, status, config, progress, error_message,
			 started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	`

	_, err = pick(ctx, r.pool).Exec(ctx, sql,
		job.ID, job.InstanceID, job.Type, job.Status, config, progress,
		nullIfEmpty(job.ErrorMessage), job.StartedAt, job.CompletedAt, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync job: %w", err)
	}

	return nil
}

func (r *SyncJobRepository) GetByID(ctx context.Context, id string) (*syncjob.Job, error) {
	sql := `SELECT ` + syncJobColumns + ` FROM sync_jobs WHERE id = $1`

	job, err := scanSyncJob(pick(ctx, r.pool).QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.NotFound("sync job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}

	return job, nil
}

func (r *SyncJobRepository) Update(ctx context.Context, job *syncjob.Job) error {
	config, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal job progress: %w", err)
	}

	const sql = `
		UPDATE sync_jobs
		SET status = $2,
			config = $3,
			progress = $4,
			error_message = $5,
			started_at = $6,
			completed_at = $7,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := pick(ctx, r.pool).Exec(ctx, sql,
		job.ID, job.Status, config, progress,
		nullIfEmpty(job.ErrorMessage), job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update sync job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("sync job", job.ID)
	}

	return nil
}

func (r *SyncJobRepository) List(ctx context.Context, filter syncjob.ListFilter) ([]*syncjob.Job, error) {
	var (
		where []string
		args  []any
	)

	if filter.InstanceID != "" {
		args = append(args, filter.InstanceID)
		where = append(where, fmt.Sprintf("instance_id = $%d", len(args)))
	}
	if len(filter.Type) > 0 {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("type = ANY($%d)", len(args)))
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	sql := `SELECT ` + syncJobColumns + ` FROM sync_jobs`
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
		return nil, fmt.Errorf("query sync jobs: %w", err)
	}
	defer rows.Close()

	return collectSyncJobs(rows)
}

func (r *SyncJobRepository) ActiveForInstance(ctx context.Context, instanceID string) ([]*syncjob.Job, error) {
	sql := `SELECT ` + syncJobColumns + `
		FROM sync_jobs
		WHERE instance_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, sql, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query active sync jobs: %w", err)
	}
	defer rows.Close()

	return collectSyncJobs(rows)
}

func (r *SyncJobRepository) HasActive(ctx context.Context, instanceID, jobType string) (bool, error) {
	const sql = `
		SELECT EXISTS (
			SELECT 1 FROM sync_jobs
			WHERE instance_id = $1 AND type = $2 AND status IN ('pending', 'running')
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, sql, instanceID, jobType).Scan(&exists); err != nil {
		return false, fmt.Errorf("check active sync job: %w", err)
	}

	return exists, nil
}

func collectSyncJobs(rows pgx.Rows) ([]*syncjob.Job, error) {
	var jobs []*syncjob.Job
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func scanSyncJob(row pgx.Row) (*syncjob.Job, error) {
	job := &syncjob.Job{}
	var config, progress []byte

	err := row.Scan(
		&job.ID, &job.InstanceID, &job.Type, &job.Status, &config, &progress,
		&job.ErrorMessage, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(config) > 0 {
		if err := json.Unmarshal(config, &job.Config); err != nil {
			return nil, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal job progress: %w", err)
		}
	}

	return job, nil
}
