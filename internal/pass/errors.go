package pass

import "errors"

var (
	// ErrValidation wraps malformed or inconsistent input.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound covers missing passes, students, and teachers.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyOut is the invariant violation: the student already has an
	// active pass. The storage layer translates its unique-violation error
	// into this so callers never see driver error types.
	ErrAlreadyOut = errors.New("student already has an active pass")
	// ErrAlreadyReturned is a double return.
	ErrAlreadyReturned = errors.New("pass already returned")
	// ErrNotOut is any other transition attempted on a terminal pass.
	ErrNotOut = errors.New("pass is not active")
)
