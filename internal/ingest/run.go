package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/backoff"
	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/logging"
	"github.com/JakeFAU/exam-importer/internal/metrics"
	"github.com/JakeFAU/exam-importer/internal/progress"
	"github.com/JakeFAU/exam-importer/internal/queue/memory"
	"github.com/JakeFAU/exam-importer/internal/stream"
)

// ErrAlreadyStarted is returned when Start is called on a run that left IDLE.
var ErrAlreadyStarted = errors.New("run already started")

// CancelMode selects how an operator stop treats buffered questions.
type CancelMode int

// Cancel modes. CancelHard escalates an earlier CancelSoft.
const (
	// CancelSoft closes the stream and drains what is already queued.
	CancelSoft CancelMode = iota + 1
	// CancelHard closes the stream and drops what is queued. The in-flight
	// question still completes.
	CancelHard
)

// Connector opens the producer stream. *stream.Client satisfies it.
type Connector interface {
	Connect(ctx context.Context, req stream.Request) (stream.Source, error)
}

// Deps are the collaborators of a Run.
type Deps struct {
	Connector Connector
	Persister ItemPersister
	// History is optional; without it no exams are skipped or recorded.
	History importer.History
	// Emitter is optional; events are dropped without it.
	Emitter progress.Emitter
	// OpenRetry is optional and wraps opening the stream.
	OpenRetry *backoff.Controller
	Clock     importer.Clock
	Logger    *zap.Logger
}

// Options identify one run.
type Options struct {
	// RunID is a UUID string; a random one is used when empty.
	RunID       string
	OwnerID     string
	Credentials importer.Credentials
}

// Result is the final report of a run.
type Result struct {
	RunID    string
	Status   importer.RunStatus
	Metrics  importer.Metrics
	Err      error
	Duration time.Duration
}

// Run is one import from stream open to the last persisted question.
type Run struct {
	deps   Deps
	opts   Options
	runID  [16]byte
	logger *zap.Logger
	queue  *memory.Queue[QueueItem]

	mu           sync.Mutex
	status       importer.RunStatus
	metrics      importer.Metrics
	pending      int
	seq          int64
	streamEnded  bool
	cancelMode   CancelMode
	err          error
	source       stream.Source
	cancelStream context.CancelFunc
	startedAt    time.Time
	result       Result

	// emitMu keeps emitted snapshots in the order they were taken.
	emitMu sync.Mutex

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	done chan struct{}
}

// NewRun validates deps and builds an IDLE run.
func NewRun(deps Deps, opts Options) (*Run, error) {
	if deps.Connector == nil {
		return nil, errors.New("ingest: connector is required")
	}
	if deps.Persister == nil {
		return nil, errors.New("ingest: persister is required")
	}
	if err := opts.Credentials.Validate(); err != nil {
		return nil, err
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	runID, err := progress.ParseRunID(opts.RunID)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	return &Run{
		deps:   deps,
		opts:   opts,
		runID:  runID,
		logger: logging.ForRun(deps.Logger.Named("run"), opts.RunID, opts.OwnerID),
		queue:  memory.NewQueue[QueueItem](),
		status: importer.RunIdle,
		done:   make(chan struct{}),
	}, nil
}

// Start launches the producer and the consumer. The run ends on its own;
// cancelling ctx stops it like a hard cancel.
func (r *Run) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != importer.RunIdle {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.status = importer.RunRunning
	r.startedAt = r.deps.Clock.Now()
	streamCtx, cancelStream := context.WithCancel(ctx)
	r.cancelStream = cancelStream
	r.mu.Unlock()

	r.logger.Info("import run started")
	r.emit(progress.StageRunStart, progress.LevelInfo, "import started", "", 0)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.produce(ctx, streamCtx)
	}()
	go func() {
		defer wg.Done()
		r.consume(ctx)
	}()
	go func() {
		wg.Wait()
		cancelStream()
		r.finish(ctx)
	}()
	return nil
}

// Wait blocks until the run reaches a terminal status or ctx ends.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for run: %w", ctx.Err())
	}
}

// Execute starts the run and waits for it.
func (r *Run) Execute(ctx context.Context) (Result, error) {
	if err := r.Start(ctx); err != nil {
		return Result{}, err
	}
	return r.Wait(ctx)
}

// Done is closed once the run is terminal.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Cancel stops the run. The stream connection is closed at once and no
// further events are accepted; mode decides what happens to queued items.
// Records that were already persisted are never removed.
func (r *Run) Cancel(mode CancelMode) {
	r.mu.Lock()
	if r.status == importer.RunIdle || r.status.Terminal() {
		r.mu.Unlock()
		return
	}
	if mode > r.cancelMode {
		r.cancelMode = mode
	}
	cleared := 0
	if mode == CancelHard {
		cleared = r.dropQueued()
	}
	src := r.source
	cancelStream := r.cancelStream
	r.mu.Unlock()

	if cleared > 0 {
		metrics.AddQueueDepth(-cleared)
	}
	cancelStream()
	if src != nil {
		_ = src.Close()
	}
	label := "soft"
	if mode == CancelHard {
		label = "hard"
	}
	r.logger.Info("cancel requested", zap.String("mode", label), zap.Int("cleared", cleared))
	r.emit(progress.StageStatus, progress.LevelWarning,
		fmt.Sprintf("%s stop requested, %d queued questions dropped", label, cleared), "", 0)
}

// Status reports the current run status.
func (r *Run) Status() importer.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Metrics returns a snapshot of the run counters.
func (r *Run) Metrics() importer.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// Pending reports queued plus in-flight questions.
func (r *Run) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// MaxInFlight reports the highest number of concurrently persisting
// questions observed. It never exceeds 1.
func (r *Run) MaxInFlight() int {
	return int(r.maxInFlight.Load())
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.opts.RunID
}

func (r *Run) produce(ctx, streamCtx context.Context) {
	err := r.readStream(streamCtx)
	r.endStream(ctx, err)
}

func (r *Run) readStream(ctx context.Context) error {
	req := stream.Request{
		Email:        r.opts.Credentials.Login,
		Password:     r.opts.Credentials.Password,
		IgnoredExams: r.ignoredExams(ctx),
	}

	var src stream.Source
	open := func(ctx context.Context) error {
		s, err := r.deps.Connector.Connect(ctx, req)
		if err != nil {
			return err
		}
		src = s
		return nil
	}
	var err error
	if r.deps.OpenRetry != nil {
		err = r.deps.OpenRetry.Do(ctx, "stream "+r.opts.RunID, open)
	} else {
		err = open(ctx)
	}
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	r.mu.Lock()
	if r.cancelMode != 0 {
		r.mu.Unlock()
		_ = src.Close()
		return nil
	}
	r.source = src
	r.mu.Unlock()
	defer func() { _ = src.Close() }()

	for {
		evt, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if r.handleEvent(ctx, evt) {
			return nil
		}
	}
}

// handleEvent applies one stream event and reports whether the stream is done.
func (r *Run) handleEvent(ctx context.Context, evt stream.Event) bool {
	switch e := evt.(type) {
	case stream.StatusEvent:
		r.emit(progress.StageStatus, progress.LevelInfo, e.Message, "", 0)
	case stream.QuestionEvent:
		r.accept(e.Question)
	case stream.ErrorEvent:
		r.logger.Warn("producer reported an item error", zap.String("message", e.Message))
		r.emit(progress.StageRemoteError, progress.LevelWarning, e.Message, "", 0)
	case stream.ExamDoneEvent:
		r.markExam(ctx, e)
	case stream.DoneEvent:
		r.logger.Info("stream done", zap.Int("total", e.Total))
		r.emit(progress.StageStreamDone, progress.LevelInfo,
			fmt.Sprintf("producer finished, %d questions sent", e.Total), "", 0)
		return true
	case stream.KeepaliveEvent:
	}
	return false
}

func (r *Run) accept(q importer.ScrapedQuestion) {
	r.mu.Lock()
	if r.cancelMode != 0 || r.streamEnded {
		r.mu.Unlock()
		return
	}
	r.seq++
	item := QueueItem{Question: q, EnqueuedAt: r.deps.Clock.Now(), Seq: r.seq}
	if err := r.queue.Enqueue(item); err != nil {
		r.mu.Unlock()
		r.logger.Warn("question dropped", zap.String("question_id", q.ID), zap.Error(err))
		return
	}
	r.metrics.Found++
	r.pending++
	r.mu.Unlock()

	metrics.AddQueueDepth(1)
	r.emit(progress.StageQuestionFound, progress.LevelInfo, "found question "+q.ID, "", 0)
}

func (r *Run) markExam(ctx context.Context, e stream.ExamDoneEvent) {
	if r.deps.History != nil {
		if err := r.deps.History.MarkExamCompleted(ctx, r.opts.OwnerID, e.ExamYear, e.ExamID, e.ExamName); err != nil {
			r.logger.Warn("mark exam completed failed", zap.String("exam_id", e.ExamID), zap.Error(err))
		}
	}
	r.emit(progress.StageExamDone, progress.LevelSuccess,
		fmt.Sprintf("exam %s (%d) finished", e.ExamName, e.ExamYear), "", 0)
}

func (r *Run) ignoredExams(ctx context.Context) []string {
	if r.deps.History == nil {
		return []string{}
	}
	exams, err := r.deps.History.CompletedExams(ctx, r.opts.OwnerID)
	if err != nil {
		r.logger.Warn("loading completed exams failed, nothing will be skipped", zap.Error(err))
		return []string{}
	}
	ids := make([]string, 0, len(exams))
	for _, exam := range exams {
		ids = append(ids, exam.ExamID)
	}
	return ids
}

func (r *Run) endStream(ctx context.Context, err error) {
	r.mu.Lock()
	r.streamEnded = true
	r.source = nil
	cleared := 0
	switch {
	case ctx.Err() != nil:
		// A cancelled parent is a hard stop.
		r.cancelMode = CancelHard
		cleared = r.dropQueued()
	case err != nil && r.cancelMode == 0:
		r.err = err
	}
	if r.pending > 0 && r.status == importer.RunRunning {
		r.status = importer.RunDraining
	}
	pending := r.pending
	failure := r.err
	r.mu.Unlock()
	r.queue.Close()

	if cleared > 0 {
		metrics.AddQueueDepth(-cleared)
		r.logger.Info("parent context done, queued questions dropped", zap.Int("cleared", cleared))
	}

	if failure != nil {
		r.logger.Error("stream failed, draining received questions",
			zap.String("kind", string(importer.Classify(failure))),
			zap.Int("pending", pending),
			zap.Error(failure),
		)
		r.emit(progress.StageStatus, progress.LevelError, "stream failed: "+failure.Error(), "", 0)
		return
	}
	if pending > 0 {
		r.logger.Info("stream ended, draining", zap.Int("pending", pending))
	}
}

func (r *Run) consume(ctx context.Context) {
	for {
		item, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		metrics.AddQueueDepth(-1)
		if ctx.Err() != nil {
			// Dequeued after the parent was cancelled: dropped, not persisted.
			r.mu.Lock()
			r.cancelMode = CancelHard
			r.pending--
			r.mu.Unlock()
			continue
		}
		r.persist(ctx, item)
	}
}

// dropQueued empties the queue and returns how many items it held. r.mu must
// be held.
func (r *Run) dropQueued() int {
	cleared := r.queue.Clear()
	r.pending -= cleared
	return cleared
}

func (r *Run) persist(ctx context.Context, item QueueItem) {
	n := r.inFlight.Add(1)
	for {
		peak := r.maxInFlight.Load()
		if n <= peak || r.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	out := r.deps.Persister.Persist(ctx, r.opts.OwnerID, item)
	r.inFlight.Add(-1)

	r.mu.Lock()
	r.pending--
	if out.Imported {
		r.metrics.Imported++
		r.metrics.RewardPoints += int64(out.Points)
	} else {
		r.metrics.Skipped++
	}
	r.mu.Unlock()

	qid := item.Question.ID
	if out.Imported {
		r.emit(progress.StageQuestionImported, progress.LevelSuccess, "imported question "+qid, "", out.Dur)
		return
	}
	reason := out.Reason
	if reason == "" {
		reason = ReasonOther
	}
	r.emit(progress.StageQuestionSkipped, progress.LevelWarning, "skipped question "+qid, reason, out.Dur)
}

func (r *Run) finish(ctx context.Context) {
	if leftover := r.queue.Clear(); leftover > 0 {
		metrics.AddQueueDepth(-leftover)
	}
	r.mu.Lock()
	switch {
	case r.err != nil:
		r.status = importer.RunFailed
	case r.cancelMode != 0:
		r.status = importer.RunCancelled
	default:
		r.status = importer.RunDone
	}
	runErr := r.err
	if runErr == nil && r.cancelMode != 0 && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	dur := r.deps.Clock.Now().Sub(r.startedAt)
	if dur < 0 {
		dur = 0
	}
	r.result = Result{
		RunID:    r.opts.RunID,
		Status:   r.status,
		Metrics:  r.metrics,
		Err:      runErr,
		Duration: dur,
	}
	res := r.result
	r.mu.Unlock()

	switch res.Status {
	case importer.RunDone:
		r.logger.Info("import run done",
			zap.Int64("found", res.Metrics.Found),
			zap.Int64("imported", res.Metrics.Imported),
			zap.Int64("skipped", res.Metrics.Skipped),
		)
		r.emit(progress.StageRunDone, progress.LevelSuccess, "import finished", "", dur)
	case importer.RunCancelled:
		r.logger.Info("import run cancelled")
		r.emit(progress.StageRunCancelled, progress.LevelWarning, "import cancelled", "", dur)
	default:
		r.logger.Error("import run failed", zap.Error(res.Err))
		r.emit(progress.StageRunFailed, progress.LevelError, "import failed: "+errorText(res.Err), "", dur)
	}
	close(r.done)
}

func (r *Run) emit(stage progress.Stage, level progress.Level, msg, reason string, dur time.Duration) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	r.mu.Lock()
	snapshot := r.metrics
	r.mu.Unlock()
	r.deps.Emitter.Emit(progress.Event{
		RunID:   r.runID,
		TS:      r.deps.Clock.Now(),
		Stage:   stage,
		Level:   level,
		Message: msg,
		Reason:  reason,
		Metrics: snapshot,
		Dur:     dur,
	})
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
