package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"flowforge/pkg/models"
)

const jobColumns = `id, type, status, payload, result, error, COALESCE(claim_token::text, ''), created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var status string
	err := row.Scan(&j.ID, &j.Type, &status, &j.Payload, &j.Result, &j.Error, &j.ClaimToken, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	return &j, nil
}

// EnqueueJob inserts a pending job.
func (s *PostgresStore) EnqueueJob(ctx context.Context, jobType string, payload json.RawMessage) (*models.Job, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	job, err := scanJob(s.db.QueryRow(ctx, `
		INSERT INTO jobs (id, type, status, payload) VALUES ($1, $2, 'pending', $3)
		RETURNING `+jobColumns,
		uuid.New().String(), jobType, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return job, nil
}

// GetJob retrieves a job by its ID.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return job, nil
}

// ClaimJob reserves the next pending or stale processing job.
func (s *PostgresStore) ClaimJob(ctx context.Context, stale time.Duration) (*models.Job, error) {
	return claimOne(ctx, s, jobQueue, stale, scanJob, nil)
}

// CompleteJob stores the result of a claimed job.
func (s *PostgresStore) CompleteJob(ctx context.Context, job *models.Job, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'completed', result = $3, error = NULL, updated_at = now()
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'`,
		job.ID, job.ClaimToken, result)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	if err := expectOne(tag.RowsAffected()); err != nil {
		return err
	}
	job.Status = models.JobStatusCompleted
	job.Result = result
	return nil
}

// FailJob records a terminal failure for a claimed job.
func (s *PostgresStore) FailJob(ctx context.Context, job *models.Job, message string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error = $3, updated_at = now()
		WHERE id = $1 AND claim_token = $2 AND status = 'processing'`,
		job.ID, job.ClaimToken, message)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", job.ID, err)
	}
	if err := expectOne(tag.RowsAffected()); err != nil {
		return err
	}
	job.Status = models.JobStatusFailed
	job.Error = &message
	return nil
}
