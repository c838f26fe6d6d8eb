/*
Package errs holds the error taxonomy shared by the sync engine.

Transport and fetch errors are absorbed where they happen and only logged.
Conflicts are retried once.  Hard write errors and a feed read where every
source failed are the only ones a caller ever sees.
*/
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrSuperseded is returned for a page read that a newer read of the
	// same query replaced before it finished.  Its result was not cached.
	ErrSuperseded = errors.New("superseded by a newer request")

	// ErrAllSourcesFailed means a feed page had no source that produced
	// anything, not even a cached fallback.
	ErrAllSourcesFailed = errors.New("all feed sources failed")
)

// TransportError is a push-connection failure.  It is retried internally.
type TransportError struct {
	Target string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FetchError is one source's page fetch failing.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch from source %s: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ConflictError is a write rejected because the version tag it was based on
// is no longer current.
type ConflictError struct {
	Key        string
	VersionTag string
}

func (e *ConflictError) Error() string {
	if e.VersionTag == "" {
		return fmt.Sprintf("version conflict on %s", e.Key)
	}
	return fmt.Sprintf("version conflict on %s (sent %s)", e.Key, e.VersionTag)
}

// HardWriteError is a write that failed for good.  The optimistic value has
// been rolled back by the time the caller sees this.
type HardWriteError struct {
	Key string
	Err error
}

func (e *HardWriteError) Error() string {
	return fmt.Sprintf("can't write %s: %v", e.Key, e.Err)
}

func (e *HardWriteError) Unwrap() error { return e.Err }

// IsConflict reports whether err is, or wraps, a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// StatusError carries an HTTP status alongside the error.  The query client
// produces these from node responses, and the api package turns them back
// into responses.
type StatusError struct {
	Code int
	Err  error
}

func Statusf(code int, f string, more ...any) *StatusError {
	return &StatusError{Code: code, Err: fmt.Errorf(f, more...)}
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s: %v", e.Code, http.StatusText(e.Code), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Status picks an HTTP status for err.  Anything we didn't classify is on us.
func Status(err error) int {
	var se *StatusError
	var hw *HardWriteError
	switch {
	case errors.As(err, &se):
		return se.Code
	case IsConflict(err), errors.Is(err, ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, ErrAllSourcesFailed):
		return http.StatusBadGateway
	case errors.As(err, &hw):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
