package engine

import "fmt"

// ErrorKind is the error taxonomy shared by the credential store, OAuth2
// handler and tool adapters for routing/reporting decisions (retry
// eligibility, HTTP status mapping) without a per-kind Go type hierarchy.
type ErrorKind string

const (
	ErrKindValidation  ErrorKind = "validation"
	ErrKindTimeout     ErrorKind = "timeout"
	ErrKindCanceled    ErrorKind = "canceled"
	ErrKindAuth        ErrorKind = "auth"
	ErrKindUpstream    ErrorKind = "upstream"
	ErrKindInternal    ErrorKind = "internal"
	ErrKindNotFound    ErrorKind = "not_found"
	ErrKindConflict    ErrorKind = "conflict"
	ErrKindRateLimited ErrorKind = "rate_limited"
)

// Error pairs a Kind with a message and optional wrapped cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error with no wrapped cause.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// WrapError builds a classified Error wrapping an underlying cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to ErrKindInternal otherwise.
func KindOf(err error) ErrorKind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return ErrKindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Detail converts err into a persistable ErrorDetail, classifying unknown
// errors as internal.
func Detail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{Kind: KindOf(err), Message: err.Error()}
}

// IsRetryable reports whether an error kind is worth a retry attempt.
// Validation, auth and not_found errors are never retried; timeouts,
// upstream failures and rate limiting are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrKindTimeout, ErrKindUpstream, ErrKindRateLimited:
		return true
	default:
		return false
	}
}
