package core

import (
	"errors"
	"fmt"
)

var (
	// ErrConstraintViolation covers duplicate or missing primary keys and rows
	// that do not match the table definition.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrNotInitialized is returned by operations issued before a successful open
	// or after close.
	ErrNotInitialized = errors.New("not initialized")
	// ErrUnsupportedEncoding is returned for unknown column or key types and
	// values that cannot be represented in the binary format.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	// ErrBackendUnavailable means neither WAL backend could be opened. It is fatal.
	ErrBackendUnavailable = errors.New("wal backend unavailable")
	// ErrIOFailure marks a propagated file-operation error.
	ErrIOFailure = errors.New("io failure")
	// ErrCorruptRecord is returned when persisted bytes cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt record")

	ErrTableNotFound      = errors.New("table not found")
	ErrTableExists        = errors.New("table already exists")
	ErrTransactionActive  = errors.New("a transaction is already active")
	ErrNoTransaction      = errors.New("no active transaction")
	ErrEngineClosed       = errors.New("engine is closed")
	ErrPrimaryKeyRequired = errors.New("table has no primary key")
)

// ConstraintError describes a rejected mutation. It matches
// ErrConstraintViolation with errors.Is.
type ConstraintError struct {
	Table  string
	Column string
	Reason string
}

func (e *ConstraintError) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("constraint violation on %s.%s: %s", e.Table, e.Column, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("constraint violation on %s: %s", e.Table, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("constraint violation on column %s: %s", e.Column, e.Reason)
	}
	return "constraint violation: " + e.Reason
}

func (e *ConstraintError) Is(target error) bool {
	return target == ErrConstraintViolation
}

// IOError wraps a failed file operation. It matches ErrIOFailure with errors.Is
// and unwraps to the underlying error.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool {
	return target == ErrIOFailure
}

// NewIOError returns nil when err is nil so it can wrap call results directly.
func NewIOError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// IsConstraintViolation checks if err (or any error in its chain) is a constraint violation.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

func IsIOFailure(err error) bool {
	return errors.Is(err, ErrIOFailure)
}
