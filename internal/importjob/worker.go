package importjob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/backoff"
	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/cryptoutil"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/ingest"
	"github.com/JakeFAU/exam-importer/internal/metrics"
	"github.com/JakeFAU/exam-importer/internal/progress"
	"github.com/JakeFAU/exam-importer/internal/store"
)

var tracer = otel.Tracer("github.com/JakeFAU/exam-importer/internal/importjob")

const (
	defaultFinalizeTimeout = 30 * time.Second
	// FinishedTopicDefault is the notification topic used when none is configured.
	FinishedTopicDefault = "job.finished"
)

// ProgressHub receives run events and can flush them to its sinks. The hub
// is expected to carry a store sink so PROCESSING jobs show live counters.
type ProgressHub interface {
	progress.Emitter
	Flush(ctx context.Context) error
}

// Finished is the notification published when a job reaches a terminal status.
type Finished struct {
	JobID      string             `json:"job_id"`
	OwnerID    string             `json:"owner_id"`
	Status     importer.JobStatus `json:"status"`
	Metrics    importer.Metrics   `json:"metrics"`
	Error      string             `json:"error,omitempty"`
	FinishedAt time.Time          `json:"finished_at"`
}

// WorkerDeps are the collaborators of a Worker. Publisher and History are
// optional.
type WorkerDeps struct {
	Repo      store.JobRepository
	Decryptor cryptoutil.Encryptor
	Connector ingest.Connector
	Persister ingest.ItemPersister
	History   importer.History
	Hub       ProgressHub
	Publisher importer.Publisher
	Clock     importer.Clock
	Logger    *zap.Logger
}

// WorkerConfig tunes a Worker.
//   - OpenRetry: backoff for opening the producer stream; its Stagger spaces
//     consecutive jobs.
//   - FinishedTopic: where Finished notifications go (default job.finished).
//   - FinalizeTimeout: bound on the terminal store write (default 30s).
type WorkerConfig struct {
	OpenRetry       backoff.Config
	FinishedTopic   string
	FinalizeTimeout time.Duration
}

// Worker executes claimed jobs. It is the only holder of the decryption
// capability and runs one job at a time.
type Worker struct {
	deps      WorkerDeps
	cfg       WorkerConfig
	openRetry *backoff.Controller
	logger    *zap.Logger
}

// NewWorker validates deps and fills defaults.
func NewWorker(deps WorkerDeps, cfg WorkerConfig) (*Worker, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("importjob: job repository is required")
	case deps.Decryptor == nil:
		return nil, errors.New("importjob: decryptor is required")
	case deps.Connector == nil:
		return nil, errors.New("importjob: connector is required")
	case deps.Persister == nil:
		return nil, errors.New("importjob: persister is required")
	case deps.Hub == nil:
		return nil, errors.New("importjob: progress hub is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.FinishedTopic == "" {
		cfg.FinishedTopic = FinishedTopicDefault
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.OpenRetry.Name == "" {
		cfg.OpenRetry.Name = "stream_open"
	}
	logger := deps.Logger.Named("worker")
	return &Worker{
		deps:      deps,
		cfg:       cfg,
		openRetry: backoff.New(cfg.OpenRetry, logger),
		logger:    logger,
	}, nil
}

// Recover fails jobs a previous process left PROCESSING. Call it once before
// the first ProcessNext.
func (w *Worker) Recover(ctx context.Context) error {
	n, err := w.deps.Repo.FailInterrupted(ctx, store.InterruptedMessage, w.deps.Clock.Now())
	if err != nil {
		return fmt.Errorf("fail interrupted jobs: %w", err)
	}
	if n > 0 {
		w.logger.Warn("failed jobs interrupted by a previous shutdown", zap.Int("count", n))
		for range n {
			metrics.ObserveJob(string(importer.JobFailed))
		}
	}
	return nil
}

// ProcessNext claims the oldest PENDING job and runs it to a terminal
// status. It reports false when nothing was pending. Cancelling ctx stops
// the run; the job is then failed as interrupted.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	claimed, err := w.deps.Repo.ClaimNext(ctx, w.deps.Clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	job := claimed.Job
	ctx, span := tracer.Start(ctx, "importjob.process", trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("owner_id", job.OwnerID),
	))
	defer span.End()
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("owner_id", job.OwnerID))
	metrics.ObserveJob(string(importer.JobProcessing))
	logger.Info("import job claimed")

	creds, err := cryptoutil.OpenCredentials(w.deps.Decryptor, claimed.EncryptedCredentials)
	if err != nil {
		logger.Error("credentials unreadable", zap.Error(err))
		w.finalize(ctx, job, ingest.Result{Status: importer.RunFailed, Err: errors.New("credentials unreadable")}, logger)
		return true, nil
	}

	run, err := ingest.NewRun(ingest.Deps{
		Connector: w.deps.Connector,
		Persister: w.deps.Persister,
		History:   w.deps.History,
		Emitter:   w.deps.Hub,
		OpenRetry: w.openRetry,
		Clock:     w.deps.Clock,
		Logger:    logger,
	}, ingest.Options{RunID: job.ID, OwnerID: job.OwnerID, Credentials: creds})
	if err != nil {
		w.finalize(ctx, job, ingest.Result{Status: importer.RunFailed, Err: err}, logger)
		return true, nil
	}
	if err := run.Start(ctx); err != nil {
		w.finalize(ctx, job, ingest.Result{Status: importer.RunFailed, Err: err}, logger)
		return true, nil
	}
	// The run always ends once ctx is cancelled, so waiting detached is bounded.
	res, err := run.Wait(context.WithoutCancel(ctx))
	if err != nil {
		res = ingest.Result{Status: importer.RunFailed, Err: err, Metrics: run.Metrics()}
	}
	w.finalize(ctx, job, res, logger)
	return true, nil
}

// finalize writes the terminal status with a context that outlives ctx.
func (w *Worker) finalize(ctx context.Context, job importer.ImportJob, res ingest.Result, logger *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinalizeTimeout)
	defer cancel()

	if err := w.deps.Hub.Flush(fctx); err != nil {
		logger.Warn("flush progress before finalize", zap.Error(err))
	}

	now := w.deps.Clock.Now()
	status := importer.JobCompleted
	errMsg := ""
	var err error
	if res.Status == importer.RunDone {
		err = w.deps.Repo.CompleteJob(fctx, job.ID, res.Metrics, now)
	} else {
		status = importer.JobFailed
		errMsg = failureMessage(ctx, res)
		trace.SpanFromContext(ctx).SetStatus(codes.Error, errMsg)
		err = w.deps.Repo.FailJob(fctx, job.ID, res.Metrics, errMsg, now)
	}
	if err != nil {
		logger.Error("finalize import job", zap.String("status", string(status)), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("status", string(status)),
		attribute.Int64("imported", res.Metrics.Imported),
	)
	logger.Info("import job finished",
		zap.String("status", string(status)),
		zap.Int64("found", res.Metrics.Found),
		zap.Int64("imported", res.Metrics.Imported),
		zap.Int64("skipped", res.Metrics.Skipped),
	)

	if w.deps.Publisher == nil {
		return
	}
	note := Finished{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Status:     status,
		Metrics:    res.Metrics,
		Error:      errMsg,
		FinishedAt: now,
	}
	if _, err := w.deps.Publisher.Publish(fctx, w.cfg.FinishedTopic, note); err != nil {
		logger.Warn("publish job finished", zap.Error(err))
	}
}

func failureMessage(ctx context.Context, res ingest.Result) string {
	if ctx.Err() != nil {
		return store.InterruptedMessage
	}
	if res.Status == importer.RunCancelled {
		return "import cancelled"
	}
	if res.Err == nil {
		return "import failed"
	}
	return res.Err.Error()
}
