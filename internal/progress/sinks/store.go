package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/progress"
	"github.com/JakeFAU/exam-importer/internal/store"
)

// StoreSink persists run metrics via a store.JobRepository so that polling
// clients observe progress while a job is PROCESSING. Each batch is collapsed
// to one write per run carrying the newest counters.
type StoreSink struct {
	repo   store.JobRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.JobRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards the latest metrics of each run to the repository. Runs
// unknown to the repository (live CLI runs) and jobs that already reached a
// terminal status are ignored.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[[16]byte]*metricsDelta)
	order := make([][16]byte, 0, 1)
	for _, evt := range batch {
		d, ok := latest[evt.RunID]
		if !ok {
			d = &metricsDelta{}
			latest[evt.RunID] = d
			order = append(order, evt.RunID)
		}
		d.metrics = d.metrics.Merge(evt.Metrics)
		if evt.TS.After(d.at) {
			d.at = evt.TS
		}
	}

	for _, runID := range order {
		d := latest[runID]
		jobID := progress.Event{RunID: runID}.RunUUID().String()
		err := s.repo.UpdateMetrics(ctx, jobID, d.metrics, d.at)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrTerminal):
			s.logger.Debug("skipping metrics for untracked run", zap.String("job_id", jobID), zap.Error(err))
		default:
			return fmt.Errorf("update job metrics: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type metricsDelta struct {
	metrics importer.Metrics
	at      time.Time
}
