package db

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplBadger Implementation = "badger"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet            Feature = 1 << iota // Support for Set operations
	FeatureSetE                               // Support for SetE operations
	FeatureSetEIfUnset                        // Support for SetEIfUnset operations
	FeatureGet                                // Support for Get operations
	FeatureExpire                             // Support for Expire operations
	FeatureDelete                             // Support for Delete operations
	FeatureHas                                // Support for Has operations
	FeatureSave                               // Support for Save operations
	FeatureLoad                               // Support for Load operations
	FeatureGarbageCollect                     // Support for GarbageCollect operations
	FeatureScan                               // Support for Scan operations
	FeatureBatch                              // Support for atomic Batch writes
)

func (f Feature) String() string {
	switch f {
	case FeatureSet:
		return "Set"
	case FeatureGet:
		return "Get"
	case FeatureSetE:
		return "SetE"
	case FeatureSetEIfUnset:
		return "SetEIfUnset"
	case FeatureExpire:
		return "Expire"
	case FeatureDelete:
		return "Delete"
	case FeatureHas:
		return "Has"
	case FeatureSave:
		return "Save"
	case FeatureLoad:
		return "Load"
	case FeatureGarbageCollect:
		return "GarbageCollect"
	case FeatureScan:
		return "Scan"
	case FeatureBatch:
		return "Batch"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// BatchEntry is one write of an atomic Batch. A nil Value with Delete set removes the key.
type BatchEntry struct {
	Key      string
	Value    []byte
	ExpireIn uint64
	DeleteIn uint64
	Delete   bool
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for key-value database implementations.
// It provides methods for basic operations like Set, Get, Delete, and various utility functions.
// Any implementation of this interface must manage keys in a consistent way.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
//
// The writeIndex parameter of all write operations is a logical timestamp. Expiration and
// deletion times are relative to it, and an entry expires once the database's write index
// (see SetWriteIdx) reaches its expiration index. Writes with an index lower than the
// stored entry's index are ignored.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry with the given key, value, and writeIndex.
	// If the key already exists, the old value should be overwritten.
	Set(key string, value []byte, writeIndex uint64) (err error)

	// SetEIfUnset inserts an entry with the given key, value, and writeIndex.
	// If the key already exists and is not logically deleted, the old value is not updated.
	// Note: expireIn=0 and deleteIn=0 means no expiration or deletion. Setting expireIn=0 and deleteIn=N is equivalent to expireIn=N and deleteIn=N.
	SetEIfUnset(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) (err error)

	// SetE inserts or updates an entry with the given key, value, writeIndex and a ttl (time to live).
	// The expireIn parameter is used to set an expiration time for the entry, the entry is still findable after expiration with the Has() method.
	// The deleteIn parameter is used to set a deletion time for the entry, the entry is not findable after deletion.
	SetE(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) (err error)

	// Expire marks the entry with the specified key as expired.
	// The entry is key findable with the Has() method.
	Expire(key string, writeIndex uint64) (err error)

	// Delete removes an entry with the specified key.
	// The key should be removed from the database and not be findable anymore.
	Delete(key string, writeIndex uint64) (err error)

	// Batch applies all entries atomically: either every entry is written or none is.
	Batch(entries []BatchEntry, writeIndex uint64) (err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// The boolean return value indicates whether a value for the key was found.
	// The returned slice is a copy.
	Get(key string) (value []byte, loaded bool)

	// Has checks whether a key exists in the database.
	// This method should return true even if the value for the key is expired.
	Has(key string) (loaded bool)

	// Scan returns all live (not expired, not deleted) entries whose key starts with prefix.
	Scan(prefix string) (entries map[string][]byte, err error)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load restores the database state data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// GarbageCollect physically removes entries whose deletion index has passed.
	// It returns the number of removed entries.
	GarbageCollect() (removed int, err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx sets the current index of the database only if the provided index is greater than the current index.
	SetWriteIdx(index uint64)

	// WriteIdx returns the current index of the database .
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}
