// Package memory provides in-process storage implementations for development
// and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/store"
)

type jobRecord struct {
	job         importer.ImportJob
	credentials string
	seq         int64
}

// JobStore is an in-memory store.JobRepository with the same transition rules
// as the Postgres implementation.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*jobRecord
	seq  int64
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]*jobRecord)}
}

// CreateJob stores a new PENDING job.
func (s *JobStore) CreateJob(_ context.Context, job importer.ImportJob, encryptedCredentials string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return store.ErrExists
	}
	s.seq++
	job.Status = importer.JobPending
	job.CompletedAt = nil
	s.jobs[job.ID] = &jobRecord{job: job, credentials: encryptedCredentials, seq: s.seq}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (importer.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[jobID]
	if !ok {
		return importer.ImportJob{}, store.ErrNotFound
	}
	return copyJob(rec.job), nil
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *JobStore) ListJobsByOwner(_ context.Context, ownerID string, limit, offset int) ([]importer.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*jobRecord
	for _, rec := range s.jobs {
		if rec.job.OwnerID == ownerID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].job.CreatedAt.Equal(recs[j].job.CreatedAt) {
			return recs[i].job.CreatedAt.After(recs[j].job.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})
	if offset >= len(recs) {
		return []importer.ImportJob{}, nil
	}
	recs = recs[offset:]
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	out := make([]importer.ImportJob, 0, len(recs))
	for _, rec := range recs {
		out = append(out, copyJob(rec.job))
	}
	return out, nil
}

// ClaimNext moves the oldest PENDING job to PROCESSING and hands out its
// credentials, clearing them from the store.
func (s *JobStore) ClaimNext(_ context.Context, now time.Time) (store.ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *jobRecord
	for _, rec := range s.jobs {
		if rec.job.Status != importer.JobPending {
			continue
		}
		if oldest == nil || rec.seq < oldest.seq {
			oldest = rec
		}
	}
	if oldest == nil {
		return store.ClaimedJob{}, store.ErrNotFound
	}
	oldest.job.Status = importer.JobProcessing
	oldest.job.UpdatedAt = now
	claimed := store.ClaimedJob{Job: copyJob(oldest.job), EncryptedCredentials: oldest.credentials}
	oldest.credentials = ""
	return claimed, nil
}

// UpdateMetrics raises the counters of a PROCESSING job.
func (s *JobStore) UpdateMetrics(_ context.Context, jobID string, m importer.Metrics, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	if rec.job.Status != importer.JobProcessing {
		return store.ErrTerminal
	}
	rec.job.Metrics = rec.job.Metrics.Merge(m)
	rec.job.UpdatedAt = at
	return nil
}

// CompleteJob marks a PROCESSING job COMPLETED.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, m importer.Metrics, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	if !rec.job.Status.CanTransition(importer.JobCompleted) {
		return store.ErrTerminal
	}
	s.finish(rec, importer.JobCompleted, m, "", at)
	return nil
}

// FailJob marks a PENDING or PROCESSING job FAILED.
func (s *JobStore) FailJob(_ context.Context, jobID string, m importer.Metrics, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	if rec.job.Status.Terminal() {
		return store.ErrTerminal
	}
	s.finish(rec, importer.JobFailed, m, errMsg, at)
	return nil
}

// FailInterrupted fails every job left PROCESSING.
func (s *JobStore) FailInterrupted(_ context.Context, errMsg string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.jobs {
		if rec.job.Status == importer.JobProcessing {
			s.finish(rec, importer.JobFailed, importer.Metrics{}, errMsg, at)
			n++
		}
	}
	return n, nil
}

func (s *JobStore) lookup(jobID string) (*jobRecord, error) {
	rec, ok := s.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (s *JobStore) finish(rec *jobRecord, status importer.JobStatus, m importer.Metrics, errMsg string, at time.Time) {
	rec.job.Status = status
	rec.job.Metrics = rec.job.Metrics.Merge(m)
	rec.job.Error = errMsg
	rec.job.UpdatedAt = at
	rec.job.CompletedAt = pointerTime(at)
	rec.credentials = ""
}

func copyJob(job importer.ImportJob) importer.ImportJob {
	if job.CompletedAt != nil {
		job.CompletedAt = pointerTime(*job.CompletedAt)
	}
	return job
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
