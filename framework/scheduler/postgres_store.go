package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/akriventsev/fincore/framework/core"
)

// DB минимальный интерфейс pgx, которому удовлетворяют *pgxpool.Pool, *pgx.Conn и pgx.Tx
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const jobColumns = `id, workflow_type, organization_id, run_at, status, attempts, max_attempts,
	payload, dedupe_key, last_error, version, created_at, updated_at`

// PostgresStore реализация Store поверх таблицы workflow_jobs
type PostgresStore struct {
	db DB
}

// NewPostgresStore создает PostgreSQL хранилище jobs
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert реализует Store
func (s *PostgresStore) Upsert(ctx context.Context, job *Job) (*Job, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return nil, core.Wrap(err, core.ErrValidation, "failed to marshal job payload")
	}
	id := job.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO workflow_jobs (id, workflow_type, organization_id, run_at, status, attempts, max_attempts,
			payload, dedupe_key, last_error, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, NULL, 1, $8, $8)
		ON CONFLICT (dedupe_key) DO UPDATE SET
			workflow_type = EXCLUDED.workflow_type,
			organization_id = EXCLUDED.organization_id,
			run_at = EXCLUDED.run_at,
			payload = EXCLUDED.payload,
			max_attempts = EXCLUDED.max_attempts,
			status = 'queued',
			attempts = 0,
			last_error = NULL,
			version = workflow_jobs.version + 1,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + jobColumns

	row := s.db.QueryRow(ctx, query,
		id, job.WorkflowType, job.OrganizationID, job.RunAt, job.MaxAttempts,
		payload, nullString(job.DedupeKey), job.UpdatedAt)
	stored, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert job: %w", err)
	}
	return stored, nil
}

// Get реализует Store
func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("job %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// GetByDedupeKey реализует Store
func (s *PostgresStore) GetByDedupeKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE dedupe_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewError(core.ErrNotFound, fmt.Sprintf("job with dedupe key %s not found", key))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// DueJobs реализует Store
func (s *PostgresStore) DueJobs(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM workflow_jobs
		WHERE status = 'queued' AND run_at <= $1
		ORDER BY run_at ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkRunning реализует Store
func (s *PostgresStore) MarkRunning(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	return s.exec(ctx, `
		UPDATE workflow_jobs SET status = 'running', version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'queued' AND version = $2`, id, version, now)
}

// Complete реализует Store
func (s *PostgresStore) Complete(ctx context.Context, id string, version int64, now time.Time) (bool, error) {
	return s.exec(ctx, `
		UPDATE workflow_jobs SET status = 'completed', last_error = NULL, version = version + 1, updated_at = $3
		WHERE id = $1 AND status = 'running' AND version = $2`, id, version, now)
}

// Retry реализует Store
func (s *PostgresStore) Retry(ctx context.Context, id string, version int64, attempts int, runAt time.Time, lastError string, now time.Time) (bool, error) {
	return s.exec(ctx, `
		UPDATE workflow_jobs
		SET status = 'queued', attempts = $3, run_at = $4, last_error = $5, version = version + 1, updated_at = $6
		WHERE id = $1 AND status = 'running' AND version = $2`, id, version, attempts, runAt, lastError, now)
}

// Fail реализует Store
func (s *PostgresStore) Fail(ctx context.Context, id string, version int64, attempts int, lastError string, now time.Time) (bool, error) {
	return s.exec(ctx, `
		UPDATE workflow_jobs
		SET status = 'failed', attempts = $3, last_error = $4, version = version + 1, updated_at = $5
		WHERE id = $1 AND status = 'running' AND version = $2`, id, version, attempts, lastError, now)
}

// CancelByDedupeKey реализует Store
func (s *PostgresStore) CancelByDedupeKey(ctx context.Context, key string, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_jobs SET status = 'cancelled', version = version + 1, updated_at = $2
		WHERE dedupe_key = $1 AND status IN ('queued', 'running')`, key, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel job: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanJob(row pgx.Row) (*Job, error) {
	var (
		job       Job
		status    string
		payload   []byte
		dedupeKey *string
		lastError *string
	)
	err := row.Scan(&job.ID, &job.WorkflowType, &job.OrganizationID, &job.RunAt, &status,
		&job.Attempts, &job.MaxAttempts, &payload, &dedupeKey, &lastError, &job.Version,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	if dedupeKey != nil {
		job.DedupeKey = *dedupeKey
	}
	if lastError != nil {
		job.LastError = *lastError
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &job, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
