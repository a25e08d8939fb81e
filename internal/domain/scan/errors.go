package scan

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument marks operator input that prevents a scan from starting.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrFatal marks a run that aborted; the checkpoint keeps its last
	// persisted value.
	ErrFatal = errors.New("fatal scan error")
	// ErrRetriesExhausted is wrapped by the FatalError returned once the retry
	// budget for a page is spent.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

// FatalError reports the operation that aborted the run and its cause.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Is makes every FatalError match ErrFatal.
func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// NewFatalError wraps err as a FatalError for op.
func NewFatalError(op string, err error) error { return &FatalError{Op: op, Err: err} }
