package importer

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by the stream client, the persistence queue and the
// job store.
var (
	// ErrUnauthorized means the producer rejected the API key or credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadRequest means the producer rejected the request; usually bad credentials.
	ErrBadRequest = errors.New("bad request: check credentials")
	// ErrRateLimited means the remote side asked us to slow down.
	ErrRateLimited = errors.New("rate limited")
	// ErrRemote covers disconnects and unexpected remote responses.
	ErrRemote = errors.New("remote failure")
	// ErrStalled means no event arrived within the stall timeout.
	ErrStalled = errors.New("stream stalled")
	// ErrConflict signals a uniqueness violation on a reference entity.
	ErrConflict = errors.New("conflict")
	// ErrDuplicate signals that identical question content already exists.
	ErrDuplicate = errors.New("duplicate question")
	// ErrValidation rejects input before any work starts.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)

// RemoteError carries the status code of an unexpected producer response.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote failure: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote failure: status %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is(err, ErrRemote) match.
func (e *RemoteError) Unwrap() error {
	return ErrRemote
}

// Kind is the coarse class of a failure.
type Kind string

// Failure classes.
const (
	KindAuthorization Kind = "authorization"
	KindThrottling    Kind = "throttling"
	KindTransient     Kind = "transient"
	KindConflict      Kind = "conflict"
	KindValidation    Kind = "validation"
	KindCanceled      Kind = "canceled"
	KindUnknown       Kind = "unknown"
)

// Classify maps err onto the taxonomy.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrBadRequest):
		return KindAuthorization
	case errors.Is(err, ErrRateLimited):
		return KindThrottling
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicate):
		return KindConflict
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrRemote), errors.Is(err, ErrStalled), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsDuplicate reports whether a persistence failure was a content conflict.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate) || errors.Is(err, ErrConflict)
}
