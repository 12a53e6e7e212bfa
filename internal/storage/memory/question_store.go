package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// StoredQuestion is a persisted question as seen by tests and dev tooling.
type StoredQuestion struct {
	ID string
	importer.NewQuestion
	Comments []string
}

// QuestionStore is an in-memory importer.QuestionStore. Subjects are unique by
// trimmed, case-folded name; questions are unique by title or body.
type QuestionStore struct {
	mu        sync.RWMutex
	subjects  map[string]importer.Subject
	questions map[string]*StoredQuestion
	titles    map[string]string
	bodies    map[string]string
	order     []string
	nextID    int
}

// NewQuestionStore constructs an empty QuestionStore.
func NewQuestionStore() *QuestionStore {
	return &QuestionStore{
		subjects:  make(map[string]importer.Subject),
		questions: make(map[string]*StoredQuestion),
		titles:    make(map[string]string),
		bodies:    make(map[string]string),
	}
}

// FindSubjectByName looks a subject up by normalized name.
func (s *QuestionStore) FindSubjectByName(_ context.Context, name string) (importer.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[subjectKey(name)]
	if !ok {
		return importer.Subject{}, importer.ErrNotFound
	}
	return sub, nil
}

// CreateSubject inserts a subject or returns ErrConflict if the name is taken.
func (s *QuestionStore) CreateSubject(_ context.Context, name, color, icon string) (importer.Subject, error) {
	key := subjectKey(name)
	if key == "" {
		return importer.Subject{}, fmt.Errorf("%w: subject name is required", importer.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[key]; ok {
		return importer.Subject{}, fmt.Errorf("subject %q: %w", name, importer.ErrConflict)
	}
	s.nextID++
	sub := importer.Subject{
		ID:    fmt.Sprintf("subject-%d", s.nextID),
		Name:  strings.TrimSpace(name),
		Color: color,
		Icon:  icon,
	}
	s.subjects[key] = sub
	return sub, nil
}

// CreateQuestion inserts a question unless its title or body already exists.
func (s *QuestionStore) CreateQuestion(_ context.Context, q importer.NewQuestion) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.titles[q.Title]; ok {
		return "", fmt.Errorf("title %q: %w", q.Title, importer.ErrDuplicate)
	}
	if _, ok := s.bodies[q.Body]; ok {
		return "", fmt.Errorf("body of %q: %w", q.Title, importer.ErrDuplicate)
	}
	s.nextID++
	id := fmt.Sprintf("question-%d", s.nextID)
	q.Alternatives = append([]importer.Alternative(nil), q.Alternatives...)
	s.questions[id] = &StoredQuestion{ID: id, NewQuestion: q}
	s.titles[q.Title] = id
	s.bodies[q.Body] = id
	s.order = append(s.order, id)
	return id, nil
}

// CreateComment attaches text to a stored question.
func (s *QuestionStore) CreateComment(_ context.Context, questionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[questionID]
	if !ok {
		return fmt.Errorf("question %s: %w", questionID, importer.ErrNotFound)
	}
	q.Comments = append(q.Comments, text)
	return nil
}

// Questions returns the stored questions in insertion order.
func (s *QuestionStore) Questions() []StoredQuestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoredQuestion, 0, len(s.order))
	for _, id := range s.order {
		q := *s.questions[id]
		q.Comments = append([]string(nil), q.Comments...)
		out = append(out, q)
	}
	return out
}

// Subjects returns every subject sorted by name.
func (s *QuestionStore) Subjects() []importer.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]importer.Subject, 0, len(s.subjects))
	for _, sub := range s.subjects {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func subjectKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
