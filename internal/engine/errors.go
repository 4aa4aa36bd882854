package engine

import (
	"errors"

	"relay/internal/domain"
	"relay/internal/repo"
)

var (
	// ErrPoolAtCapacity is returned when admission is refused. Callers may retry later.
	ErrPoolAtCapacity = errors.New("pool at capacity")
	// ErrPoolNotAccepting is returned when the pool is paused or draining.
	ErrPoolNotAccepting = errors.New("pool not accepting sessions")
	// ErrNotDelegable is returned for work items an agent session may not take.
	ErrNotDelegable = errors.New("work item is not delegable")
	// ErrVersionConflict is retryable: re-read and reapply.
	ErrVersionConflict = repo.ErrVersionConflict

	ErrInvalidTransition = domain.ErrInvalidTransition
	ErrPolicyViolation   = domain.ErrPolicyViolation
)

type (
	InvalidTransitionError = domain.InvalidTransitionError
	PolicyViolationError   = domain.PolicyViolationError
)

// IsRetryable reports whether an operation failing with err may succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrPoolAtCapacity) || repo.IsBusy(err)
}

const maxConflictRetries = 5

// retryOnConflict reruns fn while it fails with a version conflict.
func retryOnConflict(fn func() error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err = fn(); !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}
