package counseling

import (
	"context"
	"errors"
	"fmt"
)

// Kind discriminates the errors returned by engine operations.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindIllegalTransition
	KindNotFound
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	}
	return "unknown"
}

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// ConflictReason names the first scheduling rule a candidate slot violated.
type ConflictReason string

const (
	ReasonPast                ConflictReason = "past"
	ReasonAvailability        ConflictReason = "availability"
	ReasonBlocked             ConflictReason = "blocked"
	ReasonExistingAppointment ConflictReason = "existing appointment"
)

// ConflictError reports a candidate time that cannot be booked.
type ConflictError struct {
	Reason ConflictReason
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return "conflict: " + string(e.Reason)
	}
	return fmt.Sprintf("conflict: %s (%s)", e.Reason, e.Detail)
}

// IllegalTransitionError reports an action that is not permitted from the
// appointment's current status.
type IllegalTransitionError struct {
	From   Status
	Action Action
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: cannot %s from %s", e.Action, e.From)
}

// NotFoundError reports a missing entity, or one the caller does not own.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// TransientError wraps a storage or timeout failure. Retrying is safe.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// KindOf classifies err. Context expiry is Transient.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		ce *ConflictError
		ie *IllegalTransitionError
		ne *NotFoundError
		te *TransientError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &ie):
		return KindIllegalTransition
	case errors.As(err, &ne):
		return KindNotFound
	case errors.As(err, &te):
		return KindTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindTransient
	}
	return KindUnknown
}

// classify leaves typed errors alone and wraps anything else as Transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &TransientError{Op: op, Err: err}
}
