package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

func TestQuestionStoreSubjects(t *testing.T) {
	t.Parallel()

	s := NewQuestionStore()
	ctx := context.Background()

	_, err := s.FindSubjectByName(ctx, "Anatomy")
	require.ErrorIs(t, err, importer.ErrNotFound)

	created, err := s.CreateSubject(ctx, " Anatomy ", "#fff", "book")
	require.NoError(t, err)
	require.Equal(t, "Anatomy", created.Name)

	_, err = s.CreateSubject(ctx, "anatomy", "#fff", "book")
	require.ErrorIs(t, err, importer.ErrConflict)

	found, err := s.FindSubjectByName(ctx, "ANATOMY")
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = s.CreateSubject(ctx, "  ", "", "")
	require.ErrorIs(t, err, importer.ErrValidation)
}

func TestQuestionStoreConcurrentSubjectCreation(t *testing.T) {
	t.Parallel()

	s := NewQuestionStore()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ids := map[string]int{}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub, err := s.CreateSubject(ctx, "Genetics", "", "")
			if err != nil {
				sub, err = s.FindSubjectByName(ctx, "Genetics")
			}
			if err == nil {
				mu.Lock()
				ids[sub.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, s.Subjects(), 1)
	require.Len(t, ids, 1)
}

func TestQuestionStoreDuplicates(t *testing.T) {
	t.Parallel()

	s := NewQuestionStore()
	ctx := context.Background()

	id, err := s.CreateQuestion(ctx, importer.NewQuestion{Title: "T1", Body: "B1"})
	require.NoError(t, err)
	require.NoError(t, s.CreateComment(ctx, id, "because"))

	_, err = s.CreateQuestion(ctx, importer.NewQuestion{Title: "T1", Body: "B2"})
	require.ErrorIs(t, err, importer.ErrDuplicate)
	_, err = s.CreateQuestion(ctx, importer.NewQuestion{Title: "T2", Body: "B1"})
	require.ErrorIs(t, err, importer.ErrDuplicate)

	require.ErrorIs(t, s.CreateComment(ctx, "missing", "x"), importer.ErrNotFound)

	qs := s.Questions()
	require.Len(t, qs, 1)
	require.Equal(t, []string{"because"}, qs[0].Comments)
}

func TestHistoryIsIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHistory()
	ctx := context.Background()
	require.NoError(t, h.MarkExamCompleted(ctx, "u1", 2024, "e1", "Finals"))
	require.NoError(t, h.MarkExamCompleted(ctx, "u1", 2024, "e1", "Finals"))
	require.NoError(t, h.MarkExamCompleted(ctx, "u2", 2024, "e2", "Midterm"))

	exams, err := h.CompletedExams(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, exams, 1)
	require.Equal(t, "e1", exams[0].ExamID)

	none, err := h.CompletedExams(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, none)
}
