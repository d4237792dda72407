package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies a consumer failure for the retry state machine.
type FailureKind int

const (
	// Retryable failures are rescheduled until attempts exceed max_attempts.
	Retryable FailureKind = iota
	// Unretryable failures go straight to the failed store.
	Unretryable
)

func (k FailureKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Unretryable:
		return "unretryable"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// ConsumeError is a consumer failure with an explicit kind.
type ConsumeError struct {
	Kind FailureKind
	Err  error
}

func (e *ConsumeError) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " failure"
	}
	return e.Err.Error()
}

func (e *ConsumeError) Unwrap() error { return e.Err }

// UnretryableError marks err as terminal regardless of the remaining attempts budget.
func UnretryableError(err error) error {
	if err == nil {
		return nil
	}
	return &ConsumeError{Kind: Unretryable, Err: err}
}

// Unretryablef formats an unretryable failure.
func Unretryablef(format string, args ...any) error {
	return &ConsumeError{Kind: Unretryable, Err: fmt.Errorf(format, args...)}
}

// RetryableError marks err as retryable. Plain errors are retryable already.
func RetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &ConsumeError{Kind: Retryable, Err: err}
}

// KindOf returns the failure kind carried by err; untagged errors are Retryable.
func KindOf(err error) FailureKind {
	var ce *ConsumeError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return Retryable
}
