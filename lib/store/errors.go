package store

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and a message. Two Errors match with errors.Is
// when their codes are equal.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("EPStoreError (code %s): %s", e.Code, e.Msg)
}

// Is matches on the return code only.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Sentinels for errors.Is
var (
	ErrNotMyVBucket = NewError(RetCNotMyVBucket, "not my vbucket")
	ErrKeyNotFound  = NewError(RetCKeyNotFound, "key not found")
	ErrInvalidCAS   = NewError(RetCInvalidCAS, "cas mismatch")
	ErrLocked       = NewError(RetCLocked, "key is locked")
	ErrInvalidKey   = NewError(RetCInvalidKey, "invalid key")
)

// ErrDirtyAfterFlush is returned by Close when values are still dirty after
// the final flush. Data that should be durable was not persisted.
var ErrDirtyAfterFlush = errors.New("internal error, dirty objects exist after flushing")

// ErrNoDispatcher is returned by operations that need background workers when
// the store was created without a dispatcher.
var ErrNoDispatcher = errors.New("store has no dispatcher")

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCNotMyVBucket                    // 3: The vbucket does not exist or is dead.
	RetCKeyNotFound                     // 4: The key does not exist.
	RetCInvalidCAS                      // 5: The cas does not match the stored value.
	RetCLocked                          // 6: The value is locked by another client.
	RetCInvalidKey                      // 7: The key is empty.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCNotMyVBucket:
		return "NotMyVBucket"
	case RetCKeyNotFound:
		return "KeyNotFound"
	case RetCInvalidCAS:
		return "InvalidCAS"
	case RetCLocked:
		return "Locked"
	case RetCInvalidKey:
		return "InvalidKey"
	default:
		return "Unknown"
	}
}
