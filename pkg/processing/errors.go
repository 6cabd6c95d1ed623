package processing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMode is returned when the mode string is neither
	// append nor overwrite.
	ErrInvalidMode = errors.New("the provided `mode` should be either `append` or `overwrite`")

	// ErrDatasetExists is returned when the output already holds a
	// committed dataset and no mode was chosen.
	ErrDatasetExists = errors.New("dataset already exists")
)

// WorkerError ties a failure to the worker rank it happened on.
type WorkerError struct {
	Rank int
	Err  error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.Rank, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// WorkersError aggregates the failures of a run. The orchestrator
// returns one of these after every worker has reached a terminal
// state, so no failure is silently dropped.
type WorkersError struct {
	Errs []error
}

func (e *WorkersError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return "we found the following errors during processing: " + strings.Join(msgs, "; ")
}

func (e *WorkersError) Unwrap() []error { return e.Errs }
