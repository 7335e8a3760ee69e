package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is implemented by errors that map onto an HTTP status code.
type HTTPError interface {
	error
	StatusCode() int
}

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

type (
	// NotFoundError reports a missing resource, or one hidden by access rules.
	NotFoundError struct {
		Message string
	}

	// ForbiddenError reports a resolved role below the required one.
	ForbiddenError struct {
		Message string
	}

	// ValidationError reports malformed input or an illegal transition.
	ValidationError struct {
		Message string
	}
)

func (e *NotFoundError) Error() string   { return e.Message }
func (e *ForbiddenError) Error() string  { return e.Message }
func (e *ValidationError) Error() string { return e.Message }

func (e *NotFoundError) StatusCode() int   { return http.StatusNotFound }
func (e *ForbiddenError) StatusCode() int  { return http.StatusForbidden }
func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

func (e *NotFoundError) Is(target error) bool   { return target == ErrNotFound }
func (e *ForbiddenError) Is(target error) bool  { return target == ErrForbidden }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ConflictError reports an optimistic version mismatch.
type ConflictError struct {
	Message         string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return e.Message
}

func (e *ConflictError) StatusCode() int {
	return http.StatusConflict
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func NotFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &ForbiddenError{Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// VersionConflict builds the conflict reported when expected and stored versions differ.
func VersionConflict(expected, current int64) error {
	return &ConflictError{
		Message:         fmt.Sprintf("Version mismatch: expected %d, got %d", expected, current),
		ExpectedVersion: expected,
		CurrentVersion:  current,
	}
}

// IsDomainError reports whether err belongs to the user-actionable taxonomy
// rather than being an unexpected failure.
func IsDomainError(err error) bool {
	var httpErr HTTPError
	return errors.As(err, &httpErr)
}
