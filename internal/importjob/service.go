package importjob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/cryptoutil"
	"github.com/JakeFAU/exam-importer/internal/id/uuid"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/metrics"
	"github.com/JakeFAU/exam-importer/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Limiter decides whether an owner may submit another job now.
type Limiter interface {
	Allow(key string) bool
}

// Notifier wakes the worker after a submission.
type Notifier interface {
	Notify()
}

// ServiceDeps are the collaborators of a Service. Only Repo and Encryptor
// are required.
type ServiceDeps struct {
	Repo      store.JobRepository
	Encryptor cryptoutil.Encryptor
	IDs       importer.IDGenerator
	Clock     importer.Clock
	Limiter   Limiter
	Notifier  Notifier
	Logger    *zap.Logger
}

// Service is the client-facing side of detached imports.
type Service struct {
	deps   ServiceDeps
	logger *zap.Logger
}

// NewService validates deps and fills defaults.
func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Repo == nil {
		return nil, errors.New("importjob: job repository is required")
	}
	if deps.Encryptor == nil {
		return nil, errors.New("importjob: encryptor is required")
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{deps: deps, logger: deps.Logger.Named("importjob")}, nil
}

// Create records a PENDING job for ownerID and returns its id. The
// credentials are sealed before they reach the repository.
func (s *Service) Create(ctx context.Context, ownerID string, creds importer.Credentials) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		metrics.ObserveSubmissionRejected("validation")
		return "", fmt.Errorf("%w: owner id is required", importer.ErrValidation)
	}
	creds.Login = strings.TrimSpace(creds.Login)
	if err := creds.Validate(); err != nil {
		metrics.ObserveSubmissionRejected("validation")
		return "", err
	}
	if s.deps.Limiter != nil && !s.deps.Limiter.Allow(ownerID) {
		metrics.ObserveSubmissionRejected("rate_limited")
		return "", fmt.Errorf("too many submissions: %w", importer.ErrRateLimited)
	}

	sealed, err := cryptoutil.SealCredentials(s.deps.Encryptor, creds)
	if err != nil {
		return "", err
	}
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.deps.Clock.Now()
	job := importer.ImportJob{
		ID:        jobID,
		OwnerID:   ownerID,
		Status:    importer.JobPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Repo.CreateJob(ctx, job, sealed); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(importer.JobPending))
	s.logger.Info("import job submitted", zap.String("job_id", jobID), zap.String("owner_id", ownerID))

	if s.deps.Notifier != nil {
		s.deps.Notifier.Notify()
	}
	return jobID, nil
}

// Get returns the job if it belongs to ownerID. Someone else's job is
// reported as store.ErrNotFound.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (importer.ImportJob, error) {
	job, err := s.deps.Repo.GetJob(ctx, jobID)
	if err != nil {
		return importer.ImportJob{}, fmt.Errorf("get job: %w", err)
	}
	if job.OwnerID != ownerID {
		return importer.ImportJob{}, fmt.Errorf("get job: %w", store.ErrNotFound)
	}
	return job, nil
}

// ListMine returns ownerID's jobs, newest first. limit defaults to 50 and
// is capped at 200.
func (s *Service) ListMine(ctx context.Context, ownerID string, limit, offset int) ([]importer.ImportJob, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset = max(offset, 0)
	jobs, err := s.deps.Repo.ListJobsByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
