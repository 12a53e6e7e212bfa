package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

type examKey struct {
	owner  string
	year   int
	examID string
}

// History is an in-memory importer.History.
type History struct {
	mu    sync.RWMutex
	exams map[examKey]importer.CompletedExam
	now   func() time.Time
}

// NewHistory constructs an empty History.
func NewHistory() *History {
	return &History{
		exams: make(map[examKey]importer.CompletedExam),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CompletedExams lists the owner's completed exams, oldest first.
func (h *History) CompletedExams(_ context.Context, ownerID string) ([]importer.CompletedExam, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []importer.CompletedExam{}
	for key, exam := range h.exams {
		if key.owner == ownerID {
			out = append(out, exam)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

// MarkExamCompleted records an exam once; repeated calls keep the first entry.
func (h *History) MarkExamCompleted(_ context.Context, ownerID string, year int, examID, examName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := examKey{owner: ownerID, year: year, examID: examID}
	if _, ok := h.exams[key]; ok {
		return nil
	}
	h.exams[key] = importer.CompletedExam{
		Year:        year,
		ExamID:      examID,
		ExamName:    examName,
		CompletedAt: h.now(),
	}
	return nil
}
