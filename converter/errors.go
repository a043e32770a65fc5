package converter

import (
	"errors"
	"fmt"
)

// Kind classifies why a conversion failed.
type Kind string

// Conversion error kinds
const (
	EngineUnavailable Kind = "EngineUnavailable"
	Timeout           Kind = "Timeout"
	InvalidInput      Kind = "InvalidInput"
	EngineFault       Kind = "EngineFault"
)

// ConversionError is returned by an Executor for every failed conversion.
type ConversionError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Msg == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	if e.Msg == "" {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *ConversionError {
	return &ConversionError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the conversion error kind from err.
func KindOf(err error) (Kind, bool) {
	var ce *ConversionError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}

	return "", false
}

// IsRetryable reports whether err looks transient. Only EngineUnavailable and
// EngineFault qualify; a slow or malformed document will not succeed on retry.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}

	return kind == EngineUnavailable || kind == EngineFault
}
