package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch reports source and target lists of different lengths.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrShape reports a sequence longer than its padded length.
	ErrShape = errors.New("sequence exceeds padded length")
	// ErrNotInitialized is returned by Next before the first Initialize.
	ErrNotInitialized = errors.New("iterator not initialized")
	// ErrClosed is returned by an iterator after Close.
	ErrClosed = errors.New("iterator closed")
)

// RecordError attaches the failing record to an error raised while
// preparing it.
type RecordError struct {
	// Index is the record's line in the input files.
	Index int
	Path  string
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d (%s): %v", e.Index, e.Path, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
