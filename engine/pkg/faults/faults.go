// Package faults classifies engine errors into the categories the job and
// HTTP layers act on: validation failures are rejected synchronously,
// conflicts are benign races, transient failures are retried, and integrity
// faults block further processing until resolved.
package faults

import (
	"errors"
	"fmt"
)

// Kind is the failure category of an engine error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindConflict
	KindTransient
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }
func (c *classified) Kind() Kind    { return c.kind }

// Validation marks err as a validation failure.
func Validation(err error) error { return classify(KindValidation, err) }

// Conflict marks err as a concurrency conflict.
func Conflict(err error) error { return classify(KindConflict, err) }

// Transient marks err as a transient infrastructure failure.
func Transient(err error) error { return classify(KindTransient, err) }

// Integrity marks err as a data-integrity fault.
func Integrity(err error) error { return classify(KindIntegrity, err) }

// Validationf is Validation with fmt.Errorf formatting.
func Validationf(format string, args ...any) error {
	return Validation(fmt.Errorf(format, args...))
}

// Conflictf is Conflict with fmt.Errorf formatting.
func Conflictf(format string, args ...any) error {
	return Conflict(fmt.Errorf(format, args...))
}

// Integrityf is Integrity with fmt.Errorf formatting.
func Integrityf(format string, args ...any) error {
	return Integrity(fmt.Errorf(format, args...))
}

// Transientf is Transient with fmt.Errorf formatting.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

func classify(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// KindOf returns the category of err, KindUnknown when unclassified.
func KindOf(err error) Kind {
	var c interface{ Kind() Kind }
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// IsRetryable reports whether a job failing with err should be attempted
// again. Only transient and unclassified failures are retried; validation,
// conflict, and integrity failures never resolve on their own.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindValidation, KindConflict, KindIntegrity:
		return false
	default:
		return true
	}
}
