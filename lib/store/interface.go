package store

import (
	"fmt"

	"github.com/ValentinKolb/rfcunit/lib/db"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// DBFactory creates the db used by a store. Opening an on-disk engine can fail.
type DBFactory func() (db.KVDB, error)

// Write is a single entry of an atomic SetMany call.
// Delete removes the key, otherwise Value is written with the given ttl.
type Write struct {
	Key      string
	Value    []byte
	ExpireIn uint64
	DeleteIn uint64
	Delete   bool
}

// IStore is the generic interface for interacting with a key–value store.
// All write operations return only an error (nil on success),
// while read operations return the requested data along with an error (nil on success).
// Errors returned by implementations are of type *Error.
type IStore interface {
	// Set inserts or updates a key–value pair.
	Set(key string, value []byte) (err error)
	// SetE inserts or updates a key–value pair with expiration and or deletion offsets.
	// A zero value for expireIn and deleteIn means no expiration or deletion.
	SetE(key string, value []byte, expireIn, deleteIn uint64) (err error)
	// SetEIfUnset inserts a key–value pair if the key does not exist.
	// If the key already exists, the old value is not updated, no matter the value of expireIn and deleteIn.
	// No error is returned if the key already exists.
	SetEIfUnset(key string, value []byte, expireIn, deleteIn uint64) (err error)
	// SetMany applies all writes atomically.
	SetMany(writes []Write) (err error)
	// Expire expires the value for a key. The key is still findable with the Has() method.
	Expire(key string) (err error)
	// Delete deletes a key–value pair. The key is removed from the store.
	Delete(key string) (err error)
	// Get returns the value for a key. The boolean return value indicates whether a value for the key was found.
	Get(key string) (value []byte, loaded bool, err error)
	// Has returns whether a key exists in the store, even if its value is expired.
	Has(key string) (loaded bool, err error)
	// Scan returns all readable entries whose key starts with prefix.
	Scan(prefix string) (entries map[string][]byte, err error)
	// GetDBInfo returns metadata about the database underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)
	// Close releases the underlying database.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
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
	default:
		return "Unknown"
	}
}
