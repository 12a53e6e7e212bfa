package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/store"
)

const defaultJobsTable = "import_jobs"

// JobStore implements store.JobRepository on Postgres.
type JobStore struct {
	db    DB
	table string
}

// NewJobStore builds a JobStore on db. table defaults to import_jobs.
func NewJobStore(db DB, table string) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultJobsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{db: db, table: table}, nil
}

// Close closes the underlying pool.
func (s *JobStore) Close() {
	s.db.Close()
}

// Ping verifies connectivity for readiness checks.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const jobColumns = `id, owner_id, status, created_at, updated_at, completed_at,
	found, imported, skipped, reward_points, COALESCE(error_message, '')`

// CreateJob inserts a PENDING job with its sealed credentials.
func (s *JobStore) CreateJob(ctx context.Context, job importer.ImportJob, encryptedCredentials string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, owner_id, status, encrypted_credentials, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6);
	`, s.table)
	_, err := s.db.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		string(importer.JobPending),
		encryptedCredentials,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return mapError("insert import job", err, store.ErrExists)
}

// GetJob loads a job by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (importer.ImportJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1;`, jobColumns, s.table)
	job, err := scanJob(s.db.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importer.ImportJob{}, store.ErrNotFound
		}
		return importer.ImportJob{}, mapError("get import job", err, nil)
	}
	return job, nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *JobStore) ListJobsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]importer.ImportJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3;
	`, jobColumns, s.table)
	rows, err := s.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, mapError("list import jobs", err, nil)
	}
	defer rows.Close()

	jobs := []importer.ImportJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan import job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate import jobs", err, nil)
	}
	return jobs, nil
}

// ClaimNext atomically moves the oldest PENDING job to PROCESSING. The
// ciphertext is returned from the pre-update row and cleared in the same
// statement, so it can be handed out only once.
func (s *JobStore) ClaimNext(ctx context.Context, now time.Time) (store.ClaimedJob, error) {
	query := fmt.Sprintf(`
		WITH cte AS (
			SELECT id, encrypted_credentials
			FROM %[1]s
			WHERE status = 'PENDING'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s AS j
		SET status = 'PROCESSING', encrypted_credentials = NULL, updated_at = $1
		FROM cte
		WHERE j.id = cte.id
		RETURNING j.id, j.owner_id, j.status, j.created_at, j.updated_at, j.completed_at,
			j.found, j.imported, j.skipped, j.reward_points, COALESCE(j.error_message, ''),
			COALESCE(cte.encrypted_credentials, '');
	`, s.table)
	var (
		claimed store.ClaimedJob
		status  string
	)
	err := s.db.QueryRow(ctx, query, now).Scan(
		&claimed.Job.ID,
		&claimed.Job.OwnerID,
		&status,
		&claimed.Job.CreatedAt,
		&claimed.Job.UpdatedAt,
		&claimed.Job.CompletedAt,
		&claimed.Job.Metrics.Found,
		&claimed.Job.Metrics.Imported,
		&claimed.Job.Metrics.Skipped,
		&claimed.Job.Metrics.RewardPoints,
		&claimed.Job.Error,
		&claimed.EncryptedCredentials,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ClaimedJob{}, store.ErrNotFound
		}
		return store.ClaimedJob{}, mapError("claim import job", err, nil)
	}
	claimed.Job.Status = importer.JobStatus(status)
	return claimed, nil
}

// UpdateMetrics raises the counters of a PROCESSING job.
func (s *JobStore) UpdateMetrics(ctx context.Context, jobID string, m importer.Metrics, at time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET found = GREATEST(found, $2),
			imported = GREATEST(imported, $3),
			skipped = GREATEST(skipped, $4),
			reward_points = GREATEST(reward_points, $5),
			updated_at = $6
		WHERE id = $1 AND status = 'PROCESSING';
	`, s.table)
	tag, err := s.db.Exec(ctx, query, jobID, m.Found, m.Imported, m.Skipped, m.RewardPoints, at)
	if err != nil {
		return mapError("update import job metrics", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

// CompleteJob marks a PROCESSING job COMPLETED.
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, m importer.Metrics, at time.Time) error {
	return s.finish(ctx, jobID, importer.JobCompleted, m, nil, at, `status = 'PROCESSING'`)
}

// FailJob marks a PENDING or PROCESSING job FAILED.
func (s *JobStore) FailJob(ctx context.Context, jobID string, m importer.Metrics, errMsg string, at time.Time) error {
	return s.finish(ctx, jobID, importer.JobFailed, m, &errMsg, at, `status IN ('PENDING', 'PROCESSING')`)
}

func (s *JobStore) finish(
	ctx context.Context,
	jobID string,
	status importer.JobStatus,
	m importer.Metrics,
	errMsg *string,
	at time.Time,
	guard string,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $2,
			found = GREATEST(found, $3),
			imported = GREATEST(imported, $4),
			skipped = GREATEST(skipped, $5),
			reward_points = GREATEST(reward_points, $6),
			error_message = $7,
			encrypted_credentials = NULL,
			updated_at = $8,
			completed_at = $8
		WHERE id = $1 AND %s;
	`, s.table, guard)
	tag, err := s.db.Exec(ctx, query,
		jobID, string(status), m.Found, m.Imported, m.Skipped, m.RewardPoints, errMsg, at)
	if err != nil {
		return mapError("finish import job", err, nil)
	}
	if tag.RowsAffected() == 0 {
		return s.explainMiss(ctx, jobID)
	}
	return nil
}

// FailInterrupted fails every job left PROCESSING.
func (s *JobStore) FailInterrupted(ctx context.Context, errMsg string, at time.Time) (int, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'FAILED', error_message = $1, encrypted_credentials = NULL,
			updated_at = $2, completed_at = $2
		WHERE status = 'PROCESSING';
	`, s.table)
	tag, err := s.db.Exec(ctx, query, errMsg, at)
	if err != nil {
		return 0, mapError("fail interrupted import jobs", err, nil)
	}
	return int(tag.RowsAffected()), nil
}

// explainMiss tells a missing job apart from one in the wrong status.
func (s *JobStore) explainMiss(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`SELECT status FROM %s WHERE id = $1;`, s.table)
	var status string
	if err := s.db.QueryRow(ctx, query, jobID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		return mapError("check import job status", err, nil)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, store.ErrTerminal)
}

func scanJob(row pgx.Row) (importer.ImportJob, error) {
	var (
		job    importer.ImportJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&status,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.Metrics.Found,
		&job.Metrics.Imported,
		&job.Metrics.Skipped,
		&job.Metrics.RewardPoints,
		&job.Error,
	)
	if err != nil {
		return importer.ImportJob{}, err
	}
	job.Status = importer.JobStatus(status)
	return job, nil
}
