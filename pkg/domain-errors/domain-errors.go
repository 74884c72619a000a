package domainerrors

import "errors"

// Code classifies a failure independently of the transport that reports it.
// The websocket transport turns codes into close or shutdown notices, the
// admin API into HTTP statuses.
type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeBadRequest   Code = "bad_request"
	CodeInvalidInput Code = "invalid_input"
	CodeValidation   Code = "validation_failed"
	CodeInternal     Code = "internal_error"
	CodeConflict     Code = "conflict"
	CodeUnauthorized Code = "unauthorized"
	CodeUnavailable  Code = "unavailable"

	// Site runtime codes. CodeRestart is the retryable outcome: affected endpoints
	// reconnect and re-resolve state. CodeDataIntegrity is always fatal to a site.
	CodeRestart       Code = "restart"
	CodeDataIntegrity Code = "data_integrity"
	CodeInvalidState  Code = "invalid_state"
	CodeUnsupported   Code = "unsupported"
)

// Error carries a Code, a message safe to show to callers and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code so errors.Is(err, &Error{Code: c}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches msg to err. A code already present in err's chain wins over
// code, so the outermost layer never downgrades a classification.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the first code in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether err should be surfaced to endpoints as a restart
// rather than a fatal teardown. Only data-integrity failures are non-retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !HasCode(err, CodeDataIntegrity)
}
