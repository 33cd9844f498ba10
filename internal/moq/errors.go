package moq

import (
	"errors"
	"fmt"
)

// Sentinel errors for setup handling.
var (
	ErrVersionMismatch = errors.New("moq: no compatible version")
	ErrUnexpectedMsg   = errors.New("moq: unexpected message")
	ErrMissingPath     = errors.New("moq: setup without path")
)

// ParseError indicates a failure to parse a control message field.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("moq: parse %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
