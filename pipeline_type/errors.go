package pipeline_type

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorClass string

const (
	// ErrorTransient covers network failures, timeouts and service
	// unavailability. Retried with exponential backoff up to the ceiling.
	ErrorTransient ErrorClass = "transient"
	// ErrorFatal covers corrupt input, unsupported formats and malformed
	// responses. Never retried.
	ErrorFatal ErrorClass = "fatal"
	// ErrorQuota marks rate-limit/quota responses. Not retried
	// automatically; surfaced so a billing collaborator can react.
	ErrorQuota ErrorClass = "quota"
)

var (
	ErrDocumentBusy = errors.New("document already has a task in flight")
	ErrUnknownStage = errors.New("unknown pipeline stage")
	ErrQueueFull    = errors.New("stage queue is full")
)

// StageError attaches a classification to an underlying error.
type StageError struct {
	Class ErrorClass
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Class: ErrorTransient, Err: err}
}

func Transientf(format string, args ...interface{}) error {
	return &StageError{Class: ErrorTransient, Err: fmt.Errorf(format, args...)}
}

func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Class: ErrorFatal, Err: err}
}

func Fatalf(format string, args ...interface{}) error {
	return &StageError{Class: ErrorFatal, Err: fmt.Errorf(format, args...)}
}

func Quotaf(format string, args ...interface{}) error {
	return &StageError{Class: ErrorQuota, Err: fmt.Errorf(format, args...)}
}

// ClassOf classifies an error for retry handling. Unclassified errors are
// treated as transient so they get the benefit of a retry before the
// document is marked failed.
func ClassOf(err error) ErrorClass {
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTransient
	}
	return ErrorTransient
}

// ClassFromStatusCode maps an HTTP status from an external adapter to an
// error class: 429 is a quota condition, 408 and server errors are
// transient, any other client error is fatal.
func ClassFromStatusCode(code int) ErrorClass {
	switch {
	case code == 429:
		return ErrorQuota
	case code == 408 || code >= 500:
		return ErrorTransient
	default:
		return ErrorFatal
	}
}
