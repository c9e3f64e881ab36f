package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

// TransientError marks a failure that retrying may resolve
// (network timeout, rate limit, service unavailable).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix
// (invalid URL, unsupported format, rejected API key).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// EngineError is an invariant violation inside the engine. It is always a bug.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *EngineError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a TransientError.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Permanent wraps err as a PermanentError. nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a PermanentError.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// Classify maps an executor error onto the failure taxonomy.
// Unclassified errors count as transient; context expiry is transient.
func Classify(err error) types.ErrorKind {
	var perm *PermanentError
	var eng *EngineError
	var tr *TransientError
	switch {
	case errors.As(err, &eng):
		return types.ErrorEngine
	case errors.As(err, &perm):
		return types.ErrorPermanent
	case errors.As(err, &tr):
		return types.ErrorTransient
	case errors.Is(err, context.DeadlineExceeded):
		return types.ErrorTransient
	default:
		return types.ErrorTransient
	}
}
