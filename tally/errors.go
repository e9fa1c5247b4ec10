// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package tally

import (
	"errors"

	"github.com/danielhkuo/escrutinio/reconcile"
)

var (
	ErrValidationFailed       = errors.New("validation failed")
	ErrAlreadyReported        = errors.New("table already reported")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// ValidationError carries the reconcile result that blocked a submission.
// It matches ErrValidationFailed with errors.Is.
type ValidationError struct {
	Result reconcile.Result
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// IsRetryable reports whether resubmitting the same command may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistenceUnavailable)
}
