package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/exam-importer/internal/importer"
)

// Event names on the wire.
const (
	NameStatus    = "status"
	NameQuestion  = "question"
	NameError     = "error"
	NameExamDone  = "exam_done"
	NameDone      = "done"
	NameKeepalive = "keepalive"
)

var (
	// ErrUnknownEvent is returned for event names outside the contract.
	ErrUnknownEvent = errors.New("unknown stream event")
	// ErrMalformedEvent is returned when an event payload cannot be decoded.
	ErrMalformedEvent = errors.New("malformed stream event")
)

// Event is one decoded stream event. The set of implementations is closed;
// consumers switch over the concrete types.
type Event interface {
	Name() string
	isEvent()
}

// StatusEvent reports producer progress.
type StatusEvent struct {
	Message string `json:"message"`
	Step    string `json:"step"`
}

// QuestionEvent carries one scraped question.
type QuestionEvent struct {
	Question importer.ScrapedQuestion
}

// ErrorEvent is a producer-side, per-item failure. It does not end the stream.
type ErrorEvent struct {
	Message string `json:"message"`
}

// ExamDoneEvent marks an exam as fully scraped.
type ExamDoneEvent struct {
	ExamYear int    `json:"examYear"`
	ExamID   string `json:"examId"`
	ExamName string `json:"examName"`
}

// DoneEvent is the application-level end of the stream.
type DoneEvent struct {
	Total int `json:"total"`
}

// KeepaliveEvent only proves the connection is alive.
type KeepaliveEvent struct{}

func (StatusEvent) Name() string    { return NameStatus }
func (QuestionEvent) Name() string  { return NameQuestion }
func (ErrorEvent) Name() string     { return NameError }
func (ExamDoneEvent) Name() string  { return NameExamDone }
func (DoneEvent) Name() string      { return NameDone }
func (KeepaliveEvent) Name() string { return NameKeepalive }

func (StatusEvent) isEvent()    {}
func (QuestionEvent) isEvent()  {}
func (ErrorEvent) isEvent()     {}
func (ExamDoneEvent) isEvent()  {}
func (DoneEvent) isEvent()      {}
func (KeepaliveEvent) isEvent() {}

// Parse converts a raw frame into a typed Event.
func Parse(name string, data []byte) (Event, error) {
	switch name {
	case NameStatus:
		var evt StatusEvent
		return decodeInto(name, data, &evt, func() Event { return evt })
	case NameQuestion:
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedEvent, name)
		}
		var q importer.ScrapedQuestion
		return decodeInto(name, data, &q, func() Event { return QuestionEvent{Question: q} })
	case NameError:
		var evt ErrorEvent
		return decodeInto(name, data, &evt, func() Event { return evt })
	case NameExamDone:
		var evt ExamDoneEvent
		return decodeInto(name, data, &evt, func() Event { return evt })
	case NameDone:
		var evt DoneEvent
		return decodeInto(name, data, &evt, func() Event { return evt })
	case NameKeepalive:
		return KeepaliveEvent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}

func decodeInto(name string, data []byte, dst any, build func() Event) (Event, error) {
	if len(data) == 0 {
		return build(), nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, name, err)
	}
	return build(), nil
}
