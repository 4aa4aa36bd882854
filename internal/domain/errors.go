package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition matches every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPolicyViolation matches every PolicyViolationError.
	ErrPolicyViolation = errors.New("policy violation")
)

// InvalidTransitionError reports an operation not permitted from the entity's
// current state. The entity is left unchanged.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// PolicyViolationError rejects configuration outside allowed bounds.
type PolicyViolationError struct {
	Field  string
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s: %s", e.Field, e.Reason)
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

func invalid(entity, id, from, to string) error {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}
