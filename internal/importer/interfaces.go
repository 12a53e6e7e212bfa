package importer

import (
	"context"
	"io"
	"time"
)

// QuestionStore persists questions and the subjects they reference. It is
// owned by the surrounding application; the pipeline only writes through it.
type QuestionStore interface {
	// FindSubjectByName returns ErrNotFound when no subject has that name.
	FindSubjectByName(ctx context.Context, name string) (Subject, error)
	// CreateSubject returns ErrConflict when the name is already taken.
	CreateSubject(ctx context.Context, name, color, icon string) (Subject, error)
	// CreateQuestion returns ErrDuplicate when a question with the same title
	// or body already exists.
	CreateQuestion(ctx context.Context, q NewQuestion) (string, error)
	CreateComment(ctx context.Context, questionID, text string) error
}

// History records which exams were fully imported so later runs can ask the
// producer to skip them.
type History interface {
	CompletedExams(ctx context.Context, ownerID string) ([]CompletedExam, error)
	MarkExamCompleted(ctx context.Context, ownerID string, year int, examID, examName string) error
}

// Reputation receives fire-and-forget point awards.
type Reputation interface {
	Award(ctx context.Context, userID string, points int, reason string)
}

// Publisher emits notifications about finished work.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore stores raw artifacts such as archived payloads.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
