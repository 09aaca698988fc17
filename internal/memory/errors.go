package memory

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories callers are expected to branch on.
// Callers receive a kind plus a human-readable message; raw driver errors
// are never passed through verbatim.
type Kind string

const (
	// KindValidation is a bad input shape or range. Never retried.
	KindValidation Kind = "validation"

	// KindUnrecognizedSchema means the mapper cannot interpret a legacy
	// record. Recorded in the migration report, does not abort the batch.
	KindUnrecognizedSchema Kind = "unrecognized_schema"

	// KindTenantIsolation means a result crossed a tenant boundary. Logged
	// at the highest severity and never returned to the caller.
	KindTenantIsolation Kind = "tenant_isolation"

	// KindTransientStore is a network or timeout failure. Retried with
	// backoff up to a fixed cap.
	KindTransientStore Kind = "transient_store"

	// KindStoreUnavailable is a transient failure that exhausted its
	// retry budget.
	KindStoreUnavailable Kind = "store_unavailable"

	// KindSchemaVersionMismatch is fatal: all traffic is blocked until the
	// schema is brought to the expected version.
	KindSchemaVersionMismatch Kind = "schema_version_mismatch"

	// KindReadOnly is a write to a read-only tier. Rejected immediately.
	KindReadOnly Kind = "read_only_violation"

	// KindNotFound means no memory exists for the id within the caller's
	// tenant.
	KindNotFound Kind = "not_found"

	// KindConflict is an optimistic-concurrency failure: the record's
	// version changed between read and write.
	KindConflict Kind = "version_conflict"
)

// Sentinel errors, one per kind, for errors.Is checks.
//
// Example:
//
//	m, err := store.Get(ctx, id, tenant)
//	if errors.Is(err, memory.ErrNotFound) {
//	    // handle missing memory
//	}
var (
	ErrValidation            = errors.New("validation failed")
	ErrUnrecognizedSchema    = errors.New("unrecognized legacy schema")
	ErrTenantIsolation       = errors.New("tenant isolation violation")
	ErrTransientStore        = errors.New("transient store error")
	ErrStoreUnavailable      = errors.New("store unavailable")
	ErrSchemaVersionMismatch = errors.New("schema version mismatch")
	ErrReadOnly              = errors.New("read-only tier violation")
	ErrNotFound              = errors.New("memory not found")
	ErrConflict              = errors.New("memory version conflict")
)

var sentinels = map[Kind]error{
	KindValidation:            ErrValidation,
	KindUnrecognizedSchema:    ErrUnrecognizedSchema,
	KindTenantIsolation:       ErrTenantIsolation,
	KindTransientStore:        ErrTransientStore,
	KindStoreUnavailable:      ErrStoreUnavailable,
	KindSchemaVersionMismatch: ErrSchemaVersionMismatch,
	KindReadOnly:              ErrReadOnly,
	KindNotFound:              ErrNotFound,
	KindConflict:              ErrConflict,
}

// Error is the structured error returned across the engine's boundaries.
// It carries the kind, the affected memory id when known, and a message
// safe to show to callers (no other tenant's data, no driver internals).
type Error struct {
	Kind    Kind
	ID      string // affected memory id, may be empty
	Message string
	Err     error // underlying cause, for logs only
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s: %s (memory %s)", e.Kind, e.Message, e.ID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind so callers can use errors.Is with
// the package sentinels regardless of wrapping.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// E constructs a structured Error without an underlying cause.
func E(kind Kind, id, message string) *Error {
	return &Error{Kind: kind, ID: id, Message: message}
}

// Wrap constructs a structured Error around an underlying cause.
func Wrap(kind Kind, id, message string, err error) *Error {
	return &Error{Kind: kind, ID: id, Message: message, Err: err}
}

// KindOf extracts the Kind from err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStore)
}
