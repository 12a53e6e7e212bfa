// Package store declares interfaces for persisting import jobs.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("import job not found")
	// ErrTerminal signals an attempt to mutate a COMPLETED or FAILED job.
	ErrTerminal = errors.New("import job is terminal")
	// ErrExists signals a duplicate job id on insert.
	ErrExists = errors.New("import job already exists")
)

// InterruptedMessage is recorded on jobs that were PROCESSING when a previous
// worker process died.
const InterruptedMessage = "interrupted: worker stopped before the import finished"

// ClaimedJob is a job handed to the worker together with its sealed
// credentials. The ciphertext is removed from storage by the claim itself.
type ClaimedJob struct {
	Job                  importer.ImportJob
	EncryptedCredentials string
}

// JobRepository persists import jobs. Status only moves forward:
// PENDING to PROCESSING to COMPLETED or FAILED.
type JobRepository interface {
	// CreateJob inserts a PENDING job with its sealed credentials.
	CreateJob(ctx context.Context, job importer.ImportJob, encryptedCredentials string) error
	// GetJob loads a job or returns ErrNotFound. Credentials are never returned.
	GetJob(ctx context.Context, jobID string) (importer.ImportJob, error)
	// ListJobsByOwner returns the owner's jobs, newest first.
	ListJobsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]importer.ImportJob, error)
	// ClaimNext moves the oldest PENDING job to PROCESSING and hands out its
	// credentials exactly once. It returns ErrNotFound when nothing is pending.
	ClaimNext(ctx context.Context, now time.Time) (ClaimedJob, error)
	// UpdateMetrics raises the stored counters of a PROCESSING job. Counters
	// never decrease. Terminal jobs return ErrTerminal.
	UpdateMetrics(ctx context.Context, jobID string, metrics importer.Metrics, at time.Time) error
	// CompleteJob marks a PROCESSING job COMPLETED with its final metrics.
	CompleteJob(ctx context.Context, jobID string, metrics importer.Metrics, at time.Time) error
	// FailJob marks a PENDING or PROCESSING job FAILED with a message.
	FailJob(ctx context.Context, jobID string, metrics importer.Metrics, errMsg string, at time.Time) error
	// FailInterrupted fails every job left PROCESSING and reports how many changed.
	FailInterrupted(ctx context.Context, errMsg string, at time.Time) (int, error)
}
