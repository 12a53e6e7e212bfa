package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/exam-importer/internal/importer"
	"github.com/JakeFAU/exam-importer/internal/progress"
	"github.com/JakeFAU/exam-importer/internal/stream"
)

// fakeSource replays scripted events, then blocks until closed.
type fakeSource struct {
	events    chan stream.Event
	errs      chan error
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan stream.Event, 64),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) push(evts ...stream.Event) {
	for _, e := range evts {
		s.events <- e
	}
}

func (s *fakeSource) fail(err error) { s.errs <- err }

func (s *fakeSource) Next(ctx context.Context) (stream.Event, error) {
	select {
	case evt := <-s.events:
		return evt, nil
	default:
	}
	select {
	case evt := <-s.events:
		return evt, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, stream.ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("stream next: %w", ctx.Err())
	}
}

func (s *fakeSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeConnector struct {
	mu    sync.Mutex
	src   stream.Source
	err   error
	reqs  []stream.Request
	calls int
}

func (c *fakeConnector) Connect(_ context.Context, req stream.Request) (stream.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return nil, c.err
	}
	return c.src, nil
}

func (c *fakeConnector) requests() []stream.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Request(nil), c.reqs...)
}

// fakePersister records order and concurrency. When gate is set, each call
// blocks until a value is received from it.
type fakePersister struct {
	mu       sync.Mutex
	order    []string
	inFlight atomic.Int32
	peak     atomic.Int32
	gate     chan struct{}
	started  chan string
	fail     map[string]error
}

func (p *fakePersister) Persist(ctx context.Context, _ string, item QueueItem) Outcome {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	if n > p.peak.Load() {
		p.peak.Store(n)
	}
	if p.started != nil {
		p.started <- item.Question.ID
	}
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	p.order = append(p.order, item.Question.ID)
	err := p.fail[item.Question.ID]
	p.mu.Unlock()
	if err != nil {
		reason := ReasonOther
		if importer.IsDuplicate(err) {
			reason = ReasonDuplicate
		}
		return Outcome{Err: err, Reason: reason}
	}
	return Outcome{Imported: true, QuestionID: "db-" + item.Question.ID, Points: 10}
}

func (p *fakePersister) persisted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

type fakeHistory struct {
	mu        sync.Mutex
	completed []importer.CompletedExam
	marked    []string
	err       error
}

func (h *fakeHistory) CompletedExams(context.Context, string) ([]importer.CompletedExam, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]importer.CompletedExam(nil), h.completed...), h.err
}

func (h *fakeHistory) MarkExamCompleted(_ context.Context, _ string, _ int, examID, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marked = append(h.marked, examID)
	return nil
}

func (h *fakeHistory) markedExams() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.marked...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) all() []progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]progress.Event(nil), e.events...)
}

func (e *recordingEmitter) stages() []progress.Stage {
	var out []progress.Stage
	for _, evt := range e.all() {
		out = append(out, evt.Stage)
	}
	return out
}

// fakeQuestionStore is an in-memory QuestionStore with scriptable failures.
type fakeQuestionStore struct {
	mu            sync.Mutex
	subjects      map[string]importer.Subject
	questions     map[string]importer.NewQuestion
	comments      map[string]string
	createCalls   map[string]int
	questionErr   map[string]error
	commentErr    error
	findErrs      []error
	conflictOnce  bool
	subjectCreate int
}

func newFakeQuestionStore() *fakeQuestionStore {
	return &fakeQuestionStore{
		subjects:    map[string]importer.Subject{},
		questions:   map[string]importer.NewQuestion{},
		comments:    map[string]string{},
		createCalls: map[string]int{},
		questionErr: map[string]error{},
	}
}

func (s *fakeQuestionStore) FindSubjectByName(_ context.Context, name string) (importer.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.findErrs) > 0 {
		err := s.findErrs[0]
		s.findErrs = s.findErrs[1:]
		return importer.Subject{}, err
	}
	sub, ok := s.subjects[strings.ToLower(name)]
	if !ok {
		return importer.Subject{}, importer.ErrNotFound
	}
	return sub, nil
}

func (s *fakeQuestionStore) CreateSubject(_ context.Context, name, color, icon string) (importer.Subject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(name)
	if s.conflictOnce {
		// Another writer won the race.
		s.conflictOnce = false
		s.subjects[key] = importer.Subject{ID: "subject-racer", Name: name, Color: color, Icon: icon}
		return importer.Subject{}, importer.ErrConflict
	}
	if _, ok := s.subjects[key]; ok {
		return importer.Subject{}, importer.ErrConflict
	}
	s.subjectCreate++
	sub := importer.Subject{ID: fmt.Sprintf("subject-%d", s.subjectCreate), Name: name, Color: color, Icon: icon}
	s.subjects[key] = sub
	return sub, nil
}

func (s *fakeQuestionStore) CreateQuestion(_ context.Context, q importer.NewQuestion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls[q.Title]++
	if err := s.questionErr[q.Title]; err != nil {
		return "", err
	}
	for _, existing := range s.questions {
		if existing.Title == q.Title || existing.Body == q.Body {
			return "", importer.ErrDuplicate
		}
	}
	id := fmt.Sprintf("q-%d", len(s.questions)+1)
	s.questions[id] = q
	return id, nil
}

func (s *fakeQuestionStore) CreateComment(_ context.Context, questionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commentErr != nil {
		return s.commentErr
	}
	s.comments[questionID] = text
	return nil
}

type fakeReputation struct {
	mu     sync.Mutex
	points int
	calls  int
}

func (r *fakeReputation) Award(_ context.Context, _ string, points int, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points += points
	r.calls++
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, r io.Reader) (string, error) {
	if _, err := io.ReadAll(r); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

var errBoom = errors.New("boom")

func question(id, subject string) importer.ScrapedQuestion {
	return importer.ScrapedQuestion{
		ID:          id,
		SubjectName: subject,
		Statement:   "Statement for " + id,
		Alternatives: []importer.Alternative{
			{Letter: "A", Text: "yes", IsCorrect: true},
			{Letter: "B", Text: "no"},
		},
	}
}
