package contracts

import (
	"errors"
	"fmt"
)

// Validation errors. They are returned synchronously and leave state untouched.
var (
	ErrInvalidOption   = errors.New("invalid vote option")
	ErrDuplicateVote   = errors.New("voter has already voted")
	ErrNotActive       = errors.New("instance is not active")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyBorrowed = errors.New("item already borrowed by this borrower")
	ErrAlreadyExists   = errors.New("already exists")
	ErrInvalidArgument = errors.New("invalid argument")
)

// IsValidation reports whether err belongs to the validation class.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidOption, ErrDuplicateVote, ErrNotActive, ErrNotFound,
		ErrAlreadyBorrowed, ErrAlreadyExists, ErrInvalidArgument,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StoreError wraps a failure of the persistent store (unavailable, write
// conflict, corrupt row).
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore tags err as a StoreError unless it is nil or a validation error.
func WrapStore(op string, err error) error {
	if err == nil || IsValidation(err) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
