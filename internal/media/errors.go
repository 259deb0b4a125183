package media

import (
	"errors"
	"fmt"
)

// Extraction failure causes.
const (
	CauseIPRestricted     = "ip-restricted"
	CauseUnparseableState = "unparseable-state"
	CauseNoHLSVariants    = "no-hls-variants"
	CauseNoVideoEntry     = "no-video-entry"
	CauseBackend          = "backend-error"
	CauseAPI              = "api-error"
)

// ErrNotFound is returned when a stored artifact does not exist.
var ErrNotFound = errors.New("not found")

// InvalidInputError reports a missing or malformed request field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ExtractionFailure is a terminal, reportable extraction error.
type ExtractionFailure struct {
	Cause string
	Hint  string
	Err   error
}

func (e *ExtractionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s): %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s)", e.Cause)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }

// UnsupportedOperationError reports an operation a provider cannot serve.
type UnsupportedOperationError struct {
	Operation string
	Provider  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s is not supported for %s URLs", e.Operation, e.Provider)
}

// CauseOf returns the failure cause tag of err, or "" when err is not an ExtractionFailure.
func CauseOf(err error) string {
	var ef *ExtractionFailure
	if errors.As(err, &ef) {
		return ef.Cause
	}
	return ""
}
