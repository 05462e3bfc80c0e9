package testrequest

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every rejection returned by the engine wraps exactly one
// of these, so callers classify with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrForbidden         = errors.New("forbidden")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrNotFound          = errors.New("test request not found")
)

// ErrorKind names the failure axis of a rejected operation.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation_error"
	KindForbidden         ErrorKind = "forbidden"
	KindIllegalTransition ErrorKind = "illegal_transition"
	KindVersionConflict   ErrorKind = "version_conflict"
	KindNotFound          ErrorKind = "not_found"
	KindInternal          ErrorKind = "internal"
)

var kindSentinels = map[ErrorKind]error{
	KindValidation:        ErrValidation,
	KindForbidden:         ErrForbidden,
	KindIllegalTransition: ErrIllegalTransition,
	KindVersionConflict:   ErrVersionConflict,
	KindNotFound:          ErrNotFound,
}

// WorkflowError describes a rejected operation.
type WorkflowError struct {
	Kind    ErrorKind `json:"kind"`
	Event   Event     `json:"event,omitempty"`
	State   Status    `json:"state,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

func (e *WorkflowError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	case e.Event != "" && e.State != "":
		return fmt.Sprintf("%s: %s from %s: %s", e.Kind, e.Event, e.State, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the sentinel matching the kind.
func (e *WorkflowError) Unwrap() error {
	return kindSentinels[e.Kind]
}

func validationError(field, format string, args ...any) *WorkflowError {
	return &WorkflowError{Kind: KindValidation, Field: field, Message: fmt.Sprintf(format, args...)}
}

func forbiddenError(role Role, event Event, msg string) *WorkflowError {
	return &WorkflowError{Kind: KindForbidden, Event: event, Message: fmt.Sprintf("role %q: %s", role, msg)}
}

func illegalTransitionError(state Status, event Event) *WorkflowError {
	return &WorkflowError{
		Kind:    KindIllegalTransition,
		Event:   event,
		State:   state,
		Message: "event is not permitted in the current state",
	}
}

// versionConflictError reports a lost commit race. actual is negative when
// the winning version is unknown.
func versionConflictError(expected, actual int) *WorkflowError {
	msg := fmt.Sprintf("expected version %d but request is at version %d", expected, actual)
	if actual < 0 {
		msg = fmt.Sprintf("version %d was committed concurrently", expected)
	}
	return &WorkflowError{Kind: KindVersionConflict, Message: msg}
}

func notFoundError(id string) *WorkflowError {
	return &WorkflowError{Kind: KindNotFound, Message: fmt.Sprintf("test request %s does not exist", id)}
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) ErrorKind {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may retry after refetching.
// Only lost commit races qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
