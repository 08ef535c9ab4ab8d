// Package repo persists the job aggregate in PostgreSQL.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"visualization/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository. The whole aggregate lives
// in one row (child images as a JSONB column) so the version compare-and-swap
// covers every transition atomically.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// EnsureSchema creates the jobs table if it does not exist yet. Mirrors
// migrations/0001_visualization_jobs.sql for single-binary deployments.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS visualization_jobs (
    id                    UUID PRIMARY KEY,
    book_id               TEXT NOT NULL,
    page_id               TEXT,
    chapter_id            TEXT,
    user_id               TEXT NOT NULL,
    trigger_kind          TEXT NOT NULL,
    provider              TEXT NOT NULL DEFAULT '',
    params                JSONB,
    selection             JSONB,
    priority              INT NOT NULL DEFAULT 0,
    status                TEXT NOT NULL,
    source_text           TEXT NOT NULL DEFAULT '',
    prompt                JSONB,
    provider_job_id       TEXT,
    error_message         TEXT,
    error_code            TEXT,
    last_error            TEXT,
    retry_count           INT NOT NULL DEFAULT 0,
    max_retries           INT NOT NULL DEFAULT 3,
    queue_position        INT NOT NULL DEFAULT 0,
    estimated_wait_ms     BIGINT NOT NULL DEFAULT 0,
    processing_started_at TIMESTAMPTZ,
    completed_at          TIMESTAMPTZ,
    images                JSONB NOT NULL DEFAULT '[]',
    version               BIGINT NOT NULL DEFAULT 1,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visualization_jobs_status ON visualization_jobs (status);
CREATE INDEX IF NOT EXISTS idx_visualization_jobs_book ON visualization_jobs (book_id);
`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("job repo: ensure schema: %w", err)
	}
	return nil
}

// Create inserts a new job record at version 1.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	params, selection, prompt, images, err := encodeAggregate(job)
	if err != nil {
		return err
	}
	query := `
INSERT INTO visualization_jobs (
    id, book_id, page_id, chapter_id, user_id, trigger_kind, provider, params,
    selection, priority, status, source_text, prompt, provider_job_id,
    error_message, error_code, last_error, retry_count, max_retries,
    queue_position, estimated_wait_ms, processing_started_at, completed_at,
    images, version, created_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
    $18, $19, $20, $21, $22, $23, $24, 1, $25, $26
);
`
	_, err = r.pool.Exec(ctx, query,
		job.ID, job.BookID, nullable(job.PageID), nullable(job.ChapterID), job.UserID,
		job.Trigger, job.Provider, params, selection, job.Priority, job.Status,
		job.SourceText, prompt, nullable(job.ProviderJobID),
		nullable(job.ErrorMessage), nullable(job.ErrorCode), nullable(job.LastError),
		job.RetryCount, job.MaxRetries, job.QueuePosition,
		job.EstimatedWait.Milliseconds(), job.ProcessingStartedAt, job.CompletedAt,
		images, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("job repo: create: %w", err)
	}
	job.Version = 1
	return nil
}

// Update writes the aggregate back, compare-and-swapping on its version.
// Returns domain.ErrStaleVersion when another writer won the race.
func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	params, selection, prompt, images, err := encodeAggregate(job)
	if err != nil {
		return err
	}
	query := `
UPDATE visualization_jobs
SET status = $3,
    params = $4,
    selection = $5,
    source_text = $6,
    prompt = $7,
    provider_job_id = $8,
    error_message = $9,
    error_code = $10,
    last_error = $11,
    retry_count = $12,
    queue_position = $13,
    estimated_wait_ms = $14,
    processing_started_at = $15,
    completed_at = $16,
    images = $17,
    updated_at = $18,
    version = version + 1
WHERE id = $1 AND version = $2;
`
	tag, err := r.pool.Exec(ctx, query,
		job.ID, job.Version, job.Status, params, selection, job.SourceText, prompt,
		nullable(job.ProviderJobID), nullable(job.ErrorMessage), nullable(job.ErrorCode),
		nullable(job.LastError), job.RetryCount, job.QueuePosition,
		job.EstimatedWait.Milliseconds(), job.ProcessingStartedAt, job.CompletedAt,
		images, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("job repo: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM visualization_jobs WHERE id = $1)`, job.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("job repo: stale check: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrStaleVersion
	}
	job.Version++
	return nil
}

// GetByID fetches a job aggregate by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, book_id, COALESCE(page_id, ''), COALESCE(chapter_id, ''), user_id,
       trigger_kind, provider, params, selection, priority, status, source_text,
       prompt, COALESCE(provider_job_id, ''), COALESCE(error_message, ''),
       COALESCE(error_code, ''), COALESCE(last_error, ''), retry_count,
       max_retries, queue_position, estimated_wait_ms, processing_started_at,
       completed_at, images, version, created_at, updated_at
FROM visualization_jobs
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, jobID)

	var (
		job           domain.Job
		params        []byte
		selection     []byte
		prompt        []byte
		images        []byte
		estimatedWait int64
	)
	if err := row.Scan(
		&job.ID, &job.BookID, &job.PageID, &job.ChapterID, &job.UserID,
		&job.Trigger, &job.Provider, &params, &selection, &job.Priority,
		&job.Status, &job.SourceText, &prompt, &job.ProviderJobID,
		&job.ErrorMessage, &job.ErrorCode, &job.LastError, &job.RetryCount,
		&job.MaxRetries, &job.QueuePosition, &estimatedWait,
		&job.ProcessingStartedAt, &job.CompletedAt, &images, &job.Version,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("job repo: get: %w", err)
	}
	job.EstimatedWait = time.Duration(estimatedWait) * time.Millisecond

	if err := decodeAggregate(&job, params, selection, prompt, images); err != nil {
		return nil, err
	}
	return &job, nil
}

func encodeAggregate(job *domain.Job) (params, selection, prompt, images []byte, err error) {
	if job.Params != nil {
		if params, err = json.Marshal(job.Params); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("job repo: encode params: %w", err)
		}
	}
	if job.Selection != nil {
		if selection, err = json.Marshal(job.Selection); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("job repo: encode selection: %w", err)
		}
	}
	if job.Prompt != nil {
		if prompt, err = json.Marshal(job.Prompt); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("job repo: encode prompt: %w", err)
		}
	}
	if images, err = json.Marshal(job.Images); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("job repo: encode images: %w", err)
	}
	return params, selection, prompt, images, nil
}

func decodeAggregate(job *domain.Job, params, selection, prompt, images []byte) error {
	if len(params) > 0 {
		if err := json.Unmarshal(params, &job.Params); err != nil {
			return fmt.Errorf("job repo: decode params: %w", err)
		}
	}
	if len(selection) > 0 {
		if err := json.Unmarshal(selection, &job.Selection); err != nil {
			return fmt.Errorf("job repo: decode selection: %w", err)
		}
	}
	if len(prompt) > 0 {
		if err := json.Unmarshal(prompt, &job.Prompt); err != nil {
			return fmt.Errorf("job repo: decode prompt: %w", err)
		}
	}
	if len(images) > 0 {
		if err := json.Unmarshal(images, &job.Images); err != nil {
			return fmt.Errorf("job repo: decode images: %w", err)
		}
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
