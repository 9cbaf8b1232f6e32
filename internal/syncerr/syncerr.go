// Package syncerr classifies failures of a sync run into a closed taxonomy.
//
// Every failure carries where it came from (From), what went wrong (Code) and
// what the scheduler should do about it (FinishWork):
//
//	var se *syncerr.Error
//	if errors.As(err, &se) && se.FinishWork == syncerr.Stop {
//	    // disable the user's sync
//	}
//
//	if errors.Is(err, syncerr.ErrRateLimited) {
//	    // any source, rate limited
//	}
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// From identifies the system a failure originated in.
type From string

const (
	FromGoogle  From = "GOOGLE_CALENDAR"
	FromNotion  From = "NOTION"
	FromSyncbot From = "SYNCBOT"
	FromUnknown From = "UNKNOWN"
)

// Code is a machine-readable failure code.
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeGone               Code = "GONE"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeServerError        Code = "SERVER_ERROR"
	CodeTimeout            Code = "TIMEOUT"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAlreadyWorking     Code = "ALREADY_WORKING"
	CodeUnknown            Code = "UNKNOWN"
)

// FinishWork tells the scheduler whether to keep the user eligible.
type FinishWork string

const (
	Retry FinishWork = "RETRY"
	Stop  FinishWork = "STOP"
)

// Level is the severity recorded in the error log.
type Level string

const (
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelCrit  Level = "CRIT"
)

// FinishWork returns the scheduler decision for the code.
func (c Code) FinishWork() FinishWork {
	switch c {
	case CodeInvalidRequest, CodeInvalidCredentials, CodeForbidden, CodeValidation, CodeUnknown:
		return Stop
	default:
		return Retry
	}
}

// Transient reports whether an immediate retry of the same call may succeed.
func (c Code) Transient() bool {
	switch c {
	case CodeRateLimited, CodeServerError, CodeTimeout:
		return true
	default:
		return false
	}
}

// Level returns the log severity for the code.
func (c Code) Level() Level {
	switch {
	case c == CodeUnknown:
		return LevelCrit
	case c.FinishWork() == Retry:
		return LevelWarn
	default:
		return LevelError
	}
}

// Error is a classified failure.
type Error struct {
	From       From
	Code       Code
	FinishWork FinishWork
	Level      Level
	Status     int
	Message    string
	// RetryAfter is a server hint for rate-limited responses, zero when absent.
	RetryAfter time.Duration
	cause      error
}

// New creates a classified error with the defaults for code.
func New(from From, code Code, msg string) *Error {
	return &Error{
		From:       from,
		Code:       code,
		FinishWork: code.FinishWork(),
		Level:      code.Level(),
		Message:    msg,
	}
}

// Newf creates a classified error with a formatted message.
func Newf(from From, code Code, format string, args ...any) *Error {
	return New(from, code, fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s/%s", e.From, e.Code)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, and by source unless the target's source is empty.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.From != "" && t.From != e.From {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithStatus returns a copy of e recording the HTTP status.
func (e *Error) WithStatus(status int) *Error {
	c := *e
	c.Status = status
	return &c
}

// Archive reports whether the error log row must survive retention pruning.
func (e *Error) Archive() bool {
	return e.Level == LevelCrit || e.Code == CodeValidation
}

// Sentinels for errors.Is, matching any source.
var (
	ErrInvalidRequest     = &Error{Code: CodeInvalidRequest}
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials}
	ErrForbidden          = &Error{Code: CodeForbidden}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrGone               = &Error{Code: CodeGone}
	ErrConflict           = &Error{Code: CodeConflict}
	ErrRateLimited        = &Error{Code: CodeRateLimited}
	ErrServerError        = &Error{Code: CodeServerError}
	ErrTimeout            = &Error{Code: CodeTimeout}
	ErrValidation         = &Error{Code: CodeValidation}
	ErrAlreadyWorking     = &Error{Code: CodeAlreadyWorking}
)

// CodeForStatus maps an HTTP status to the shared part of every classification table.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusBadRequest:
		return CodeInvalidRequest
	case status == http.StatusUnauthorized:
		return CodeInvalidCredentials
	case status == http.StatusForbidden:
		return CodeForbidden
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusGone:
		return CodeGone
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeServerError
	default:
		return CodeUnknown
	}
}

// Classify returns err as a classified error. Already classified errors pass
// through, context expiry becomes a timeout, anything else is UNKNOWN.
func Classify(from From, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(from, CodeTimeout, "deadline exceeded").WithCause(err)
	}
	return New(FromUnknown, CodeUnknown, "unclassified failure").WithCause(err)
}
