package importjob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/store"
)

// DefaultPollInterval is how often a watched job is re-read.
const DefaultPollInterval = 5 * time.Second

// JobReader loads one job by id. *HTTPClient and store.JobRepository
// implementations satisfy it.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (importer.ImportJob, error)
}

// Poller follows jobs until they are terminal.
type Poller struct {
	reader   JobReader
	interval time.Duration
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// NewPoller builds a Poller. interval defaults to DefaultPollInterval.
func NewPoller(reader JobReader, interval time.Duration, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{reader: reader, interval: interval, logger: logger.Named("poller"), sleep: sleepContext}
}

// Watch polls every job in its own goroutine and calls onUpdate with each
// read. A job's loop ends once it is COMPLETED or FAILED; Watch returns when
// all loops have ended, ctx is done, or a job is missing. onUpdate calls are
// serialized. Transient read errors are logged and retried on the next tick.
func (p *Poller) Watch(ctx context.Context, jobIDs []string, onUpdate func(importer.ImportJob)) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range jobIDs {
		g.Go(func() error {
			return p.follow(gctx, id, func(job importer.ImportJob) {
				mu.Lock()
				defer mu.Unlock()
				onUpdate(job)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("watch jobs: %w", err)
	}
	return nil
}

func (p *Poller) follow(ctx context.Context, jobID string, onUpdate func(importer.ImportJob)) error {
	for {
		job, err := p.reader.GetJob(ctx, jobID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("job %s: %w", jobID, err)
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("poll job failed", zap.String("job_id", jobID), zap.Error(err))
		default:
			onUpdate(job)
			if job.Status.Terminal() {
				return nil
			}
		}
		if err := p.sleep(ctx, p.interval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
