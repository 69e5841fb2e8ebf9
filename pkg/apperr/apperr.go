// Package apperr defines the typed failures every core operation returns.
// Callers branch on the machine-readable kind; the message is for humans.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION"
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindOutOfStock        Kind = "OUT_OF_STOCK"
	KindMissingAddress    Kind = "MISSING_ADDRESS"
	KindDuplicateReceipt  Kind = "DUPLICATE_RECEIPT"
	KindConflict          Kind = "CONFLICT"
	KindUnavailable       Kind = "UNAVAILABLE"
)

type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return New(KindInvalidTransition, format, args...)
}

func OutOfStock(format string, args ...interface{}) *Error {
	return New(KindOutOfStock, format, args...)
}

func MissingAddress(format string, args ...interface{}) *Error {
	return New(KindMissingAddress, format, args...)
}

func DuplicateReceipt(format string, args ...interface{}) *Error {
	return New(KindDuplicateReceipt, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func Unavailable(format string, args ...interface{}) *Error {
	return New(KindUnavailable, format, args...)
}

// KindOf reports the kind carried by err, or KindUnavailable for
// anything that is not an *Error (storage-layer faults and the like).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
