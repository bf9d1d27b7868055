// Package apperr defines the error kinds shared across the run execution core
// and the HTTP plane.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Wrap them with fmt.Errorf("...: %w", ErrX) and test with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrConflict           = errors.New("conflict")
	ErrStorage            = errors.New("storage error")
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrRegistryAuth       = errors.New("registry authentication failed")
	ErrRegistryPull       = errors.New("registry pull failed")
	ErrTaskFailure        = errors.New("task failure")
	ErrFatal              = errors.New("fatal error")
	ErrValidation         = errors.New("validation error")
)

// ValidationError reports which field of a request failed validation.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// Is lets errors.Is(err, ErrValidation) match any *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validation builds a *ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Kind returns the sentinel that classifies err, or ErrFatal when none matches.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{
		ErrValidation,
		ErrNotFound,
		ErrPermissionDenied,
		ErrConflict,
		ErrBackendUnavailable,
		ErrStorage,
		ErrRegistryAuth,
		ErrRegistryPull,
		ErrTaskFailure,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrFatal
}

// HTTPStatus maps an error to the status code the HTTP plane responds with.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case nil:
		return http.StatusOK
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrConflict:
		return http.StatusConflict
	case ErrBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRecoverableRunError reports whether err is one of the failures a run
// recovers from locally by failing cleanly.
func IsRecoverableRunError(err error) bool {
	return errors.Is(err, ErrRegistryAuth) || errors.Is(err, ErrRegistryPull)
}
