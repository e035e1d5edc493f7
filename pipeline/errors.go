// Package pipeline executes the per-project research stage sequence: query
// generation, search with caching and dedup, content extraction, relevancy
// scoring, cross-source analysis, and report compilation, ending in a pending
// delivery log.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind tags a pipeline failure so the worker contract can decide between
// retry and record-and-skip.
type Kind string

const (
	// KindTransient marks exhausted retries of rate limits, timeouts, and 5xx.
	KindTransient Kind = "transient"

	// KindParse marks LLM output that stayed malformed after re-asking.
	KindParse Kind = "parse"

	// KindValidation marks failed-fast input errors; never retried.
	KindValidation Kind = "validation"

	// KindProviderExhausted marks every search provider unhealthy or failed.
	KindProviderExhausted Kind = "provider_exhausted"

	// KindStorage marks project or delivery log store failures.
	KindStorage Kind = "storage"
)

// StageError is a failure in a named pipeline stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// IsValidation reports whether err is a validation failure that must not be
// retried.
func IsValidation(err error) bool {
	var se *StageError
	return errors.As(err, &se) && se.Kind == KindValidation
}
