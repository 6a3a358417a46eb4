// Package errors holds the coarse error taxonomy used across this module.
// Every package that needs to signal a specific failure mode returns a
// *BoulderError rather than an opaque error, so the transport layer can
// map it to the right ACME problem document.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorType provides a coarse category for BoulderErrors
type ErrorType int

const (
	InternalServer ErrorType = iota
	NotSupported
	Malformed
	Unauthorized
	NotFound
	RateLimit
	RejectedIdentifier
	InvalidEmail
	ConnectionFailure
)

// BoulderError represents internal Boulder errors
type BoulderError struct {
	Type   ErrorType
	Detail string
}

func (be *BoulderError) Error() string {
	return be.Detail
}

// New is a convenience function for creating a new BoulderError
func New(errType ErrorType, msg string, args ...interface{}) error {
	return &BoulderError{
		Type:   errType,
		Detail: fmt.Sprintf(msg, args...),
	}
}

// Is is a convenience function for testing the internal type of an
// BoulderError, unwrapping any Wrap annotations first.
func Is(err error, errType ErrorType) bool {
	bErr, ok := pkgerrors.Cause(err).(*BoulderError)
	if !ok {
		return false
	}
	return bErr.Type == errType
}

func InternalServerError(msg string, args ...interface{}) error {
	return New(InternalServer, msg, args...)
}

func NotSupportedError(msg string, args ...interface{}) error {
	return New(NotSupported, msg, args...)
}

func MalformedError(msg string, args ...interface{}) error {
	return New(Malformed, msg, args...)
}

func UnauthorizedError(msg string, args ...interface{}) error {
	return New(Unauthorized, msg, args...)
}

func NotFoundError(msg string, args ...interface{}) error {
	return New(NotFound, msg, args...)
}

func RateLimitError(msg string, args ...interface{}) error {
	return New(RateLimit, msg, args...)
}

func RejectedIdentifierError(msg string, args ...interface{}) error {
	return New(RejectedIdentifier, msg, args...)
}

func InvalidEmailError(msg string, args ...interface{}) error {
	return New(InvalidEmail, msg, args...)
}

func ConnectionFailureError(msg string, args ...interface{}) error {
	return New(ConnectionFailure, msg, args...)
}

// Wrap annotates err with a message while preserving its BoulderError type,
// if any, so that a later Is check still sees through the wrapping.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrap(err, msg)
}

// Cause unwraps err to the underlying BoulderError, if Wrap was used to
// annotate it one or more times.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}
