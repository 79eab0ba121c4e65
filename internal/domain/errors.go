package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound means the tenant has no such record.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when inserting a record whose key is taken.
var ErrAlreadyExists = errors.New("already exists")

// ErrRunInProgress is returned when a retention run for the same tenant is
// already in flight.
var ErrRunInProgress = errors.New("retention run already in progress")

// ValidationError rejects a request before any work is done.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is a shorthand for building a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientProviderError is a provider failure worth retrying (timeouts,
// rate limits, 5xx responses).
type TransientProviderError struct {
	Provider string
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient %s provider error: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentFailure is a failure that will not succeed on retry.
type PermanentFailure struct {
	Reason string
	Err    error
}

func (e *PermanentFailure) Error() string {
	if e.Err == nil {
		return "permanent failure: " + e.Reason
	}
	return fmt.Sprintf("permanent failure: %s: %v", e.Reason, e.Err)
}

func (e *PermanentFailure) Unwrap() error { return e.Err }

// SearchUnavailable is returned when the query embedding cannot be computed.
type SearchUnavailable struct {
	Err error
}

func (e *SearchUnavailable) Error() string {
	return fmt.Sprintf("search unavailable: %v", e.Err)
}

func (e *SearchUnavailable) Unwrap() error { return e.Err }

// ItemError records the failure of a single message inside a batch.
type ItemError struct {
	MessageID string `json:"message_id"`
	Action    Action `json:"action"`
	Error     string `json:"error"`
}

// RetentionPartialFailure aggregates per-message failures of a retention run.
type RetentionPartialFailure struct {
	TenantID string
	Failures []ItemError
}

func (e *RetentionPartialFailure) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		ids = append(ids, f.MessageID)
	}
	return fmt.Sprintf("retention for tenant %s failed on %d message(s): %s",
		e.TenantID, len(e.Failures), strings.Join(ids, ", "))
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientProviderError
	return errors.As(err, &t)
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentFailure
	return errors.As(err, &p)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
