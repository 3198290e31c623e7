package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTimezone is returned when a batch declares an unknown IANA timezone.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrSessionNotFound is returned when a sleep stage references a session dedupe key
	// that has not been normalized yet.
	ErrSessionNotFound = errors.New("sleep session not found for dedupe key")
)

// NormalizationError is a per-record failure raised while interpreting a raw record.
// It carries the record identity so the orchestrator can count it as skipped and
// continue with the remaining records.
type NormalizationError struct {
	DedupeKey string
	Reason    string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %s", e.DedupeKey, e.Reason)
}

// NewNormalizationError builds a NormalizationError with a formatted reason.
func NewNormalizationError(dedupeKey, format string, args ...interface{}) *NormalizationError {
	return &NormalizationError{DedupeKey: dedupeKey, Reason: fmt.Sprintf(format, args...)}
}
