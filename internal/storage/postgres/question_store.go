package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// QuestionStore implements importer.QuestionStore on Postgres. Subject names
// are unique case-insensitively; question titles and bodies are unique.
type QuestionStore struct {
	db DB
}

// NewQuestionStore builds a QuestionStore on db.
func NewQuestionStore(db DB) (*QuestionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &QuestionStore{db: db}, nil
}

// FindSubjectByName looks a subject up by trimmed, case-folded name.
func (s *QuestionStore) FindSubjectByName(ctx context.Context, name string) (importer.Subject, error) {
	query := `
		SELECT id::text, name, color, icon
		FROM subjects
		WHERE lower(btrim(name)) = lower(btrim($1));
	`
	var sub importer.Subject
	err := s.db.QueryRow(ctx, query, name).Scan(&sub.ID, &sub.Name, &sub.Color, &sub.Icon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return importer.Subject{}, fmt.Errorf("subject %q: %w", name, importer.ErrNotFound)
		}
		return importer.Subject{}, mapError("find subject", err, nil)
	}
	return sub, nil
}

// CreateSubject inserts a subject. A concurrent insert of the same name
// surfaces as importer.ErrConflict.
func (s *QuestionStore) CreateSubject(ctx context.Context, name, color, icon string) (importer.Subject, error) {
	query := `
		INSERT INTO subjects (name, color, icon)
		VALUES ($1, $2, $3)
		RETURNING id::text;
	`
	sub := importer.Subject{Name: strings.TrimSpace(name), Color: color, Icon: icon}
	if err := s.db.QueryRow(ctx, query, sub.Name, color, icon).Scan(&sub.ID); err != nil {
		return importer.Subject{}, mapError("insert subject", err, importer.ErrConflict)
	}
	return sub, nil
}

// CreateQuestion inserts the question and its alternatives in one statement.
func (s *QuestionStore) CreateQuestion(ctx context.Context, q importer.NewQuestion) (string, error) {
	query := `
		WITH q AS (
			INSERT INTO questions (title, body, subject_id, week, author_id)
			VALUES ($1, $2, NULLIF($3, '')::bigint, $4, $5)
			RETURNING id
		), alts AS (
			INSERT INTO alternatives (question_id, letter, text, is_correct)
			SELECT q.id, a.letter, a.text, a.is_correct
			FROM q, unnest($6::text[], $7::text[], $8::bool[]) AS a(letter, text, is_correct)
		)
		SELECT id::text FROM q;
	`
	letters := make([]string, 0, len(q.Alternatives))
	texts := make([]string, 0, len(q.Alternatives))
	correct := make([]bool, 0, len(q.Alternatives))
	for _, alt := range q.Alternatives {
		letters = append(letters, alt.Letter)
		texts = append(texts, alt.Text)
		correct = append(correct, alt.IsCorrect)
	}
	var id string
	err := s.db.QueryRow(ctx, query,
		q.Title, q.Body, q.SubjectID, q.Week, q.AuthorID, letters, texts, correct,
	).Scan(&id)
	if err != nil {
		return "", mapError("insert question", err, importer.ErrDuplicate, "questions_title_uniq", "questions_body_uniq")
	}
	return id, nil
}

// CreateComment attaches a comment to a question.
func (s *QuestionStore) CreateComment(ctx context.Context, questionID, text string) error {
	query := `INSERT INTO question_comments (question_id, body) VALUES ($1::bigint, $2);`
	if _, err := s.db.Exec(ctx, query, questionID, text); err != nil {
		return mapError("insert question comment", err, nil)
	}
	return nil
}
