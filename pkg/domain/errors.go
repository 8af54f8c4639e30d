package domain

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrder             = errors.New("signing order not reached")
	ErrAlreadySigned          = errors.New("already signed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrUnauthorized           = errors.New("unauthorized")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation attempted from a state the
// state machine does not permit. State is the state observed at the
// time the operation was rejected.
type InvalidStateError struct {
	Kind  string
	ID    string
	State string
	Op    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %q in state %s", e.Op, e.Kind, e.ID, e.State)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsInvalidState(err error) bool {
	var is *InvalidStateError
	return errors.As(err, &is)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
