// Package apperr holds the error kinds shared by the ledger, the position
// engine and the transport layer. Callers wrap a kind with fmt.Errorf("%w")
// and classify with errors.Is.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrStateConflict       = errors.New("state conflict")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

var kinds = []error{
	ErrValidation,
	ErrNotFound,
	ErrStateConflict,
	ErrInsufficientFunds,
	ErrInsufficientMargin,
	ErrUpstreamUnavailable,
	ErrInternal,
}

// Validation returns a validation error carrying msg.
func Validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func NotFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}

func Conflict(msg string) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, msg)
}

// Kind returns the sentinel err belongs to. Anything unclassified is
// ErrInternal.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// Code is the wire name of the error kind, e.g. "INSUFFICIENT_MARGIN".
func Code(err error) string {
	switch Kind(err) {
	case nil:
		return ""
	case ErrValidation:
		return "VALIDATION"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrStateConflict:
		return "STATE_CONFLICT"
	case ErrInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case ErrInsufficientMargin:
		return "INSUFFICIENT_MARGIN"
	case ErrUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
