package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/exam-importer/internal/backoff"
	"github.com/JakeFAU/exam-importer/internal/clock/system"
	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/metrics"
)

// Skip reasons attached to outcomes and progress events.
const (
	ReasonDuplicate = "duplicate"
	ReasonOther     = "other"
)

const (
	defaultSubjectColor = "#6366F1"
	defaultSubjectIcon  = "book"
	defaultRewardPoints = 10
	defaultRewardReason = "question_imported"
)

// QueueItem is one buffered question awaiting persistence.
type QueueItem struct {
	Question   importer.ScrapedQuestion
	EnqueuedAt time.Time
	Seq        int64
}

// Outcome is the result of persisting one QueueItem.
type Outcome struct {
	Imported   bool
	QuestionID string
	Points     int
	Reason     string
	Err        error
	Dur        time.Duration
}

// ItemPersister persists queued questions. Persister is the production
// implementation; tests substitute fakes.
type ItemPersister interface {
	Persist(ctx context.Context, ownerID string, item QueueItem) Outcome
}

// PersisterConfig tunes how questions are written.
type PersisterConfig struct {
	TitleMaxLength int
	SubjectColor   string
	SubjectIcon    string
	RewardPoints   int
	RewardReason   string
	// ArchivePrefix is the object prefix for raw payloads when an archive is set.
	ArchivePrefix string
}

// Persister writes one scraped question at a time through a QuestionStore.
type Persister struct {
	store      importer.QuestionStore
	reputation importer.Reputation
	archive    importer.BlobStore
	retry      *backoff.Controller
	clock      importer.Clock
	cfg        PersisterConfig
	logger     *zap.Logger
}

// PersisterOption customizes a Persister.
type PersisterOption func(*Persister)

// WithArchive stores every raw payload before it is persisted.
func WithArchive(bs importer.BlobStore) PersisterOption {
	return func(p *Persister) { p.archive = bs }
}

// WithRetry wraps every item in the given backoff controller.
func WithRetry(c *backoff.Controller) PersisterOption {
	return func(p *Persister) { p.retry = c }
}

// WithClock overrides the clock used for fallback titles and timings.
func WithClock(c importer.Clock) PersisterOption {
	return func(p *Persister) { p.clock = c }
}

// NewPersister builds a Persister. A nil reputation disables awards.
func NewPersister(
	store importer.QuestionStore,
	reputation importer.Reputation,
	cfg PersisterConfig,
	logger *zap.Logger,
	opts ...PersisterOption,
) *Persister {
	if cfg.TitleMaxLength <= 0 {
		cfg.TitleMaxLength = importer.DefaultTitleMaxLength
	}
	if cfg.SubjectColor == "" {
		cfg.SubjectColor = defaultSubjectColor
	}
	if cfg.SubjectIcon == "" {
		cfg.SubjectIcon = defaultSubjectIcon
	}
	if cfg.RewardPoints <= 0 {
		cfg.RewardPoints = defaultRewardPoints
	}
	if cfg.RewardReason == "" {
		cfg.RewardReason = defaultRewardReason
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "raw"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Persister{
		store:      store,
		reputation: reputation,
		cfg:        cfg,
		clock:      system.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.retry == nil {
		p.retry = backoff.New(backoff.Config{Name: "persist"}, logger)
	}
	return p
}

// Persist writes item for ownerID. It never panics on store failures: every
// failure is reported as a skipped Outcome with a reason.
func (p *Persister) Persist(ctx context.Context, ownerID string, item QueueItem) Outcome {
	start := time.Now()
	q := item.Question
	logger := p.logger.With(zap.String("question_id", q.ID), zap.Int64("seq", item.Seq))

	p.archiveRaw(ctx, ownerID, item, logger)

	var questionID string
	unit := fmt.Sprintf("question %s", q.ID)
	err := p.retry.Do(ctx, unit, func(ctx context.Context) error {
		id, err := p.write(ctx, ownerID, q, logger)
		if err != nil {
			return err
		}
		questionID = id
		return nil
	})
	out := Outcome{Dur: time.Since(start)}
	if err != nil {
		out.Err = err
		out.Reason = ReasonOther
		if importer.IsDuplicate(err) {
			out.Reason = ReasonDuplicate
		}
		metrics.ObservePersist(out.Reason, out.Dur)
		logger.Info("question skipped", zap.String("reason", out.Reason), zap.Error(err))
		return out
	}

	out.Imported = true
	out.QuestionID = questionID
	out.Points = p.cfg.RewardPoints
	metrics.ObservePersist("imported", out.Dur)
	if p.reputation != nil {
		p.reputation.Award(ctx, ownerID, p.cfg.RewardPoints, p.cfg.RewardReason)
	}
	return out
}

func (p *Persister) write(ctx context.Context, ownerID string, q importer.ScrapedQuestion, logger *zap.Logger) (string, error) {
	subjectID, err := p.resolveSubject(ctx, q.SubjectName, logger)
	if err != nil {
		return "", err
	}
	nq := importer.NewQuestion{
		Title:        importer.DeriveTitle(q.Statement, p.cfg.TitleMaxLength, p.clock.Now()),
		Body:         importer.ComposeBody(q.Statement, q.Images),
		SubjectID:    subjectID,
		Week:         q.Metadata.Week,
		Alternatives: q.Alternatives,
		AuthorID:     ownerID,
	}
	id, err := p.store.CreateQuestion(ctx, nq)
	if err != nil {
		return "", fmt.Errorf("create question: %w", err)
	}
	if text := strings.TrimSpace(q.Justification); text != "" {
		if err := p.store.CreateComment(ctx, id, text); err != nil {
			logger.Warn("justification comment failed", zap.String("stored_id", id), zap.Error(err))
		}
	}
	return id, nil
}

// resolveSubject finds or creates the named subject. A lost creation race is
// resolved by re-reading. Throttling is returned so the item is retried;
// any other failure degrades to no subject.
func (p *Persister) resolveSubject(ctx context.Context, name string, logger *zap.Logger) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	logger = logger.With(zap.String("subject", name))

	subject, err := p.store.FindSubjectByName(ctx, name)
	if err == nil {
		return subject.ID, nil
	}
	if !errors.Is(err, importer.ErrNotFound) {
		return "", degradeSubject(err, "subject lookup failed, importing without subject", logger)
	}

	subject, err = p.store.CreateSubject(ctx, name, p.cfg.SubjectColor, p.cfg.SubjectIcon)
	if err == nil {
		return subject.ID, nil
	}
	if !errors.Is(err, importer.ErrConflict) {
		return "", degradeSubject(err, "subject create failed, importing without subject", logger)
	}

	subject, err = p.store.FindSubjectByName(ctx, name)
	if err != nil {
		return "", degradeSubject(err, "subject missing after conflict, importing without subject", logger)
	}
	return subject.ID, nil
}

func degradeSubject(err error, msg string, logger *zap.Logger) error {
	if errors.Is(err, importer.ErrRateLimited) {
		return fmt.Errorf("resolve subject: %w", err)
	}
	logger.Warn(msg, zap.Error(err))
	return nil
}

func (p *Persister) archiveRaw(ctx context.Context, ownerID string, item QueueItem, logger *zap.Logger) {
	if p.archive == nil {
		return
	}
	payload, err := json.Marshal(item.Question)
	if err != nil {
		logger.Warn("archive encode failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("%06d-%s.json", item.Seq, safeSegment(item.Question.ID))
	objectPath := path.Join(p.cfg.ArchivePrefix, safeSegment(ownerID), name)
	if _, err := p.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload)); err != nil {
		logger.Warn("archive write failed", zap.String("path", objectPath), zap.Error(err))
	}
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
