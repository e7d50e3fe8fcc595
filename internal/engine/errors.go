package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/confine/internal/ir"
	"github.com/roach88/confine/internal/schema"
)

var (
	// ErrManagerClosed is returned by a Manager after Close or DeleteStore.
	ErrManagerClosed = errors.New("context manager is closed")

	// ErrThreadStopped is returned when work is submitted to a stopped Thread.
	ErrThreadStopped = errors.New("thread is stopped")

	// ErrNotConfined is the panic value raised when a Context or one of its
	// entities is used outside a task of the owning Thread.
	ErrNotConfined = errors.New("context used outside its owning thread")

	// ErrInvalidEntity is returned by operations on an entity that was
	// merge-deleted, rolled back out of existence, or whose Context was
	// discarded.
	ErrInvalidEntity = errors.New("entity is no longer valid")

	// ErrForeignEntity is returned when an entity from another Context is
	// used where one from the receiving Context is required.
	ErrForeignEntity = errors.New("entity belongs to a different context")

	// ErrRegistryClosed is returned by a Registry after Close.
	ErrRegistryClosed = errors.New("registry is closed")

	// ErrUnknownModel is returned for a model name the Registry was not
	// configured with.
	ErrUnknownModel = errors.New("unknown model")
)

// UnknownAttributeError reports an attribute key that is not part of an
// entity's schema.
type UnknownAttributeError = schema.UnknownAttributeError

// UnknownEntityError reports an entity name that is not part of the model.
type UnknownEntityError = schema.UnknownEntityError

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeStoreOpen indicates the physical store could not be opened.
	ErrCodeStoreOpen ErrorCode = "STORE_OPEN"

	// ErrCodeIncompatibleSchema indicates the persisted schema differs from
	// the in-process model and lightweight migration is disabled.
	ErrCodeIncompatibleSchema ErrorCode = "INCOMPATIBLE_SCHEMA"

	// ErrCodeValidation indicates pending changes failed schema validation.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeStoreWrite indicates the store rejected the change set.
	ErrCodeStoreWrite ErrorCode = "STORE_WRITE"
)

// StoreOpenError is returned when a Manager cannot open its store.
type StoreOpenError struct {
	Code  ErrorCode
	Model string
	Path  string
	Err   error
}

func (e *StoreOpenError) Error() string {
	return fmt.Sprintf("%s: open store for model %s at %s: %v", e.Code, e.Model, e.Path, e.Err)
}

func (e *StoreOpenError) Unwrap() error { return e.Err }

// CommitError is returned when a commit fails. The Context's pending
// changes are left exactly as they were, so the commit can be retried.
type CommitError struct {
	Code    ErrorCode
	Pending int // pending change count at the time of the attempt
	Err     error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s: commit of %d pending changes failed: %v", e.Code, e.Pending, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// NotFoundError is returned when an identity, or any record matching a
// single-object fetch, is absent from the store.
type NotFoundError struct {
	ID     ir.ObjectID // zero for single-object fetches
	Entity string
}

func (e *NotFoundError) Error() string {
	if !e.ID.IsZero() {
		return fmt.Sprintf("%s not found", e.ID)
	}
	return fmt.Sprintf("no %s matches", e.Entity)
}

// IoError reports a file-system failure while deleting a store.
type IoError struct {
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("delete store %s: %v", e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// TypeMismatchError reports a value that cannot be stored in an attribute.
type TypeMismatchError struct {
	Entity string
	Key    string
	Want   ir.Type
	Value  ir.Value
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("entity %s attribute %q is %s, got %s", e.Entity, e.Key, e.Want, ir.Format(e.Value))
}

// IsStoreOpenError returns true if err is or wraps a *StoreOpenError.
func IsStoreOpenError(err error) bool {
	var se *StoreOpenError
	return errors.As(err, &se)
}

// IsCommitError returns true if err is or wraps a *CommitError.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}

// IsNotFound returns true if err is or wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnknownAttribute returns true if err is or wraps an
// *UnknownAttributeError.
func IsUnknownAttribute(err error) bool {
	var ua *UnknownAttributeError
	return errors.As(err, &ua)
}

// IsIoError returns true if err is or wraps an *IoError.
func IsIoError(err error) bool {
	var ie *IoError
	return errors.As(err, &ie)
}

// IsIncompatibleSchema returns true if err is a *StoreOpenError caused by
// a schema version mismatch.
// Uses errors.As to handle wrapped errors.
func IsIncompatibleSchema(err error) bool {
	var se *StoreOpenError
	if errors.As(err, &se) {
		return se.Code == ErrCodeIncompatibleSchema
	}
	return false
}
