// Package errors defines the error records exchanged between pipeline
// modules and the engine, and the sentinel errors used at run barriers.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrCriticalFailure is returned by the ledger's error check when one or
	// more critical errors were recorded. Callers must stop the run.
	ErrCriticalFailure = errors.New("critical error found, aborting run")

	// ErrMetadataFilter indicates that exactly one of the metadata filter
	// key/value pair was supplied to a container retrieval.
	ErrMetadataFilter = errors.New("metadata filter requires both key and value")

	// ErrUnknownModule indicates that a recipe names a module that is not
	// present in the registry.
	ErrUnknownModule = errors.New("module not found in registry")
)

// PipelineError is the error record modules and the engine exchange.
//
// Critical errors set the run-wide abort flag. Unexpected errors are
// failures of an unrecognized kind that escaped a module call; the engine
// always forces those to critical.
type PipelineError struct {
	// Message is a human-readable description of the failure.
	Message string

	// Source is the runtime name of the module that produced the error.
	Source string

	// Critical triggers the run-wide abort flag when recorded.
	Critical bool

	// Unexpected marks failures of an unrecognized kind.
	Unexpected bool

	// Stacktrace optionally carries the goroutine stack at capture time.
	Stacktrace string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a pipeline error raised by the named module.
func New(source, message string, critical bool) *PipelineError {
	return &PipelineError{
		Message:  message,
		Source:   source,
		Critical: critical,
	}
}

// Wrap creates a pipeline error around an underlying cause.
func Wrap(source, message string, critical bool, err error) *PipelineError {
	return &PipelineError{
		Message:  message,
		Source:   source,
		Critical: critical,
		Err:      err,
	}
}

// AsPipelineError extracts a *PipelineError from err's chain, or nil.
func AsPipelineError(err error) *PipelineError {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return nil
}

// IsCritical reports whether err carries a critical pipeline error.
func IsCritical(err error) bool {
	if perr := AsPipelineError(err); perr != nil {
		return perr.Critical
	}
	return false
}
