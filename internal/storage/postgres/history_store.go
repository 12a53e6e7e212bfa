package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// HistoryStore implements importer.History on the exam_history table.
type HistoryStore struct {
	db DB
}

// NewHistoryStore builds a HistoryStore on db.
func NewHistoryStore(db DB) (*HistoryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &HistoryStore{db: db}, nil
}

// CompletedExams lists the owner's completed exams, oldest first.
func (s *HistoryStore) CompletedExams(ctx context.Context, ownerID string) ([]importer.CompletedExam, error) {
	query := `
		SELECT exam_year, exam_id, exam_name, completed_at
		FROM exam_history
		WHERE owner_id = $1
		ORDER BY completed_at, exam_id;
	`
	rows, err := s.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, mapError("list exam history", err, nil)
	}
	defer rows.Close()

	exams := []importer.CompletedExam{}
	for rows.Next() {
		var exam importer.CompletedExam
		if err := rows.Scan(&exam.Year, &exam.ExamID, &exam.ExamName, &exam.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan exam history row: %w", err)
		}
		exams = append(exams, exam)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate exam history", err, nil)
	}
	return exams, nil
}

// MarkExamCompleted records an exam once; repeats are ignored.
func (s *HistoryStore) MarkExamCompleted(ctx context.Context, ownerID string, year int, examID, examName string) error {
	query := `
		INSERT INTO exam_history (owner_id, exam_year, exam_id, exam_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, exam_year, exam_id) DO NOTHING;
	`
	if _, err := s.db.Exec(ctx, query, ownerID, year, examID, examName); err != nil {
		return mapError("insert exam history", err, nil)
	}
	return nil
}
