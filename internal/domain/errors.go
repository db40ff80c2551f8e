package domain

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline errors so callers can branch without string matching.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindDuplicate    Kind = "duplicate"
	KindStorage      Kind = "storage"
	KindOracle       Kind = "oracle"
	KindLink         Kind = "link"
	KindQualityCheck Kind = "quality_check"
	KindRevert       Kind = "revert"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Error is the typed error returned across the pipeline boundary.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds an Error with a message and no cause.
func NewError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Message: msg}
}

// Wrap builds an Error around cause. A nil cause yields nil.
func Wrap(kind Kind, op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Validation is shorthand for a KindValidation error.
func Validation(op, msg string) *Error {
	return NewError(KindValidation, op, msg)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsValidationClass reports whether err was a caller mistake rather than a fault.
func IsValidationClass(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindRevert:
		return true
	}
	return false
}
