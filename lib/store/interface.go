package store

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/rKV/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the generic interface for interacting with a typed key–value store.
// Keys and values are converted with the codecs the store was configured with.
// "Not found" is a normal result: (zero value, false, nil).
type IStore[K, V any] interface {
	// Get returns the value for a key. The boolean return value indicates whether a value for the key was found.
	Get(ctx context.Context, key K) (value V, found bool, err error)
	// Put inserts or updates a key–value pair and returns the previous value.
	Put(ctx context.Context, key K, value V) (previous V, replaced bool, err error)
	// Remove deletes a key–value pair and returns the previous value. Removing an absent key is a no-op.
	Remove(ctx context.Context, key K) (previous V, removed bool, err error)
	// AcquireForUpdate locks the key and returns a handle that keeps the lock until Close.
	AcquireForUpdate(ctx context.Context, key K) (handle Handle[K, V], err error)
	// Acquire is like AcquireForUpdate, but stores def first if the key has no value.
	Acquire(ctx context.Context, key K, def V) (handle Handle[K, V], err error)
	// GetInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetInfo() (info db.DatabaseInfo, err error)
	// Close closes the underlying database.
	Close() (err error)
}

// Handle is the typed counterpart of db.Handle. It must be closed by the goroutine that acquired it.
type Handle[K, V any] interface {
	// Key returns the key the handle was acquired for.
	Key() K
	// Value returns the current value and whether one is present.
	Value() (value V, present bool, err error)
	// Meta returns the replication metadata of the current entry.
	Meta() (meta db.Meta, exists bool)
	// Set writes a new value.
	Set(value V) (err error)
	// Remove deletes the value.
	Remove() (removed bool, err error)
	// Context marks the handle's lock as held, nested operations on the same segment fail fast.
	Context(parent context.Context) context.Context
	// Close releases the lock. Close is idempotent.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code (of type RetCode) and an error message.
// Errors of the underlying database are kept as Cause, so errors.Is still
// matches the db sentinels.
type Error struct {
	Code  RetCode // The return code
	Msg   string  // The error message.
	Cause error   // The underlying error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("KVStoreError (code %s): %s", e.Code, e.Msg)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new KVStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a KVStoreError for a failed database or codec call.
func WrapError(code RetCode, msg string, cause error) *Error {
	return &Error{
		Code:  code,
		Msg:   msg,
		Cause: cause,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying database.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCEncodingError                       // 4: A key or value could not be encoded or decoded.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCEncodingError:
		return "EncodingError"
	default:
		return "Unknown"
	}
}
