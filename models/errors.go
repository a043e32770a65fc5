package models

import (
	"errors"
	"strings"

	"go.uber.org/multierr"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotReady          = errors.New("job is not in a terminal state")
	ErrAlreadyTerminal   = errors.New("file already reached a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidJob        = errors.New("invalid job")
	ErrInvalidFile       = errors.New("invalid file")
	ErrInvalidOutcome    = errors.New("invalid outcome")
)

// ValidationError reports every problem found in a rejected submission.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}

	return "validation failed: " + strings.Join(e.Problems, "; ")
}

// NewValidationError flattens err (possibly a multierr chain) into a ValidationError.
func NewValidationError(err error) *ValidationError {
	ve := &ValidationError{}

	for _, e := range multierr.Errors(err) {
		ve.Problems = append(ve.Problems, e.Error())
	}

	return ve
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError

	return errors.As(err, &ve)
}
