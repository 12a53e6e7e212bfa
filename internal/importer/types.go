package importer

import (
	"fmt"
	"strings"
	"time"
)

// Alternative is one answer option of a scraped question.
type Alternative struct {
	Letter    string `json:"letter"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"isCorrect"`
}

// QuestionMetadata carries optional producer annotations.
type QuestionMetadata struct {
	Week *int `json:"week,omitempty"`
}

// ScrapedQuestion is the producer-owned payload carried by a question event.
type ScrapedQuestion struct {
	ID            string           `json:"id"`
	SubjectName   string           `json:"subjectName"`
	Statement     string           `json:"statement"`
	Alternatives  []Alternative    `json:"alternatives"`
	Justification string           `json:"justification,omitempty"`
	Metadata      QuestionMetadata `json:"metadata"`
	ExamYear      int              `json:"examYear"`
	ExamID        string           `json:"examId"`
	ExamName      string           `json:"examName"`
	Images        []string         `json:"images"`
}

// Metrics are the monotonically increasing counters of a run.
type Metrics struct {
	Found        int64 `json:"found"`
	Imported     int64 `json:"imported"`
	Skipped      int64 `json:"skipped"`
	RewardPoints int64 `json:"rewardPoints"`
}

// Processed returns the number of items that left the queue with an outcome.
func (m Metrics) Processed() int64 {
	return m.Imported + m.Skipped
}

// Merge returns the per-counter maximum of m and other.
func (m Metrics) Merge(other Metrics) Metrics {
	return Metrics{
		Found:        max(m.Found, other.Found),
		Imported:     max(m.Imported, other.Imported),
		Skipped:      max(m.Skipped, other.Skipped),
		RewardPoints: max(m.RewardPoints, other.RewardPoints),
	}
}

// RunStatus is the lifecycle state of a live streaming run.
type RunStatus string

// Run lifecycle states.
const (
	RunIdle      RunStatus = "IDLE"
	RunRunning   RunStatus = "RUNNING"
	RunDraining  RunStatus = "DRAINING"
	RunDone      RunStatus = "DONE"
	RunCancelled RunStatus = "CANCELLED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunCancelled, RunFailed:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle state of a detached import job.
type JobStatus string

// Job lifecycle states.
const (
	JobPending    JobStatus = "PENDING"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
	JobFailed     JobStatus = "FAILED"
)

// Terminal reports whether the job is COMPLETED or FAILED.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a job may move from s to next. Jobs only move
// forward: PENDING -> PROCESSING -> COMPLETED|FAILED.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobPending:
		return next == JobProcessing
	case JobProcessing:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// ParseJobStatus converts user input into a JobStatus.
func ParseJobStatus(raw string) (JobStatus, error) {
	status := JobStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown job status %q", ErrValidation, raw)
	}
	return status, nil
}

// ImportJob is the read projection of a detached import. It never carries
// credentials.
type ImportJob struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Metrics     Metrics    `json:"metrics"`
	Error       string     `json:"error,omitempty"`
}

// Credentials are the source-system login forwarded to the producer.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Validate requires both login and password.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Login) == "" {
		return fmt.Errorf("%w: login is required", ErrValidation)
	}
	if strings.TrimSpace(c.Password) == "" {
		return fmt.Errorf("%w: password is required", ErrValidation)
	}
	return nil
}

// String hides the password so credentials are safe to print.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Login:%q, Password:<redacted>}", c.Login)
}

// Subject is the reference entity questions are filed under.
type Subject struct {
	ID    string
	Name  string
	Color string
	Icon  string
}

// NewQuestion is the write model handed to a QuestionStore.
type NewQuestion struct {
	Title        string
	Body         string
	SubjectID    string
	Week         *int
	Alternatives []Alternative
	AuthorID     string
}

// CompletedExam is a history entry for an exam whose import finished.
type CompletedExam struct {
	Year        int       `json:"year"`
	ExamID      string    `json:"exam_id"`
	ExamName    string    `json:"exam_name"`
	CompletedAt time.Time `json:"completed_at"`
}
