// Package progress defines the event structures emitted by import runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageStatus           Stage = "STATUS"
	StageQuestionFound    Stage = "QUESTION_FOUND"
	StageQuestionImported Stage = "QUESTION_IMPORTED"
	StageQuestionSkipped  Stage = "QUESTION_SKIPPED"
	StageRemoteError      Stage = "REMOTE_ERROR"
	StageExamDone         Stage = "EXAM_DONE"
	StageStreamDone       Stage = "STREAM_DONE"
	StageRunDone          Stage = "RUN_DONE"
	StageRunCancelled     Stage = "RUN_CANCELLED"
	StageRunFailed        Stage = "RUN_FAILED"
)

// Level is the severity a human-facing reporter attaches to an Event.
type Level string

// Supported levels.
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event captures a single milestone of an import run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or item milestone occurred.
	Stage Stage
	// Level classifies the event for reporters.
	Level Level
	// Message is a short human-readable description. It never carries credentials.
	Message string
	// Reason optionally labels why a question was skipped (duplicate, other).
	Reason string
	// Metrics is the run's counter snapshot at the time of the event.
	Metrics importer.Metrics
	// Dur captures per-item persistence time or total run time.
	Dur time.Duration
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageStatus, StageQuestionFound, StageQuestionImported,
		StageRemoteError, StageExamDone, StageStreamDone, StageRunDone,
		StageRunCancelled, StageRunFailed:
	case StageQuestionSkipped:
		if e.Reason == "" {
			return errors.New("question skipped requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageRunDone, StageRunCancelled, StageRunFailed:
		return true
	default:
		return false
	}
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual UUID (such as a job id) into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id: %w", err)
	}
	return UUIDToBytes(id), nil
}
