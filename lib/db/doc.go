// Package db provides a standardized interface for key-value database implementations.
// The unit endpoint keeps its bookkeeping (unit records, staged table rows, locks)
// behind this interface so the storage engine can be swapped without touching the
// endpoint logic.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides methods for basic operations (Set, Get, Has, Delete),
//     time-based operations (SetE, Expire, GarbageCollect), the conditional write
//     SetEIfUnset, prefix Scan, atomic Batch writes and persistence (Save, Load).
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method.
//
//   - Database Information: DatabaseInfo reports size, implementation type and
//     implementation specific metadata. Sizes are estimates.
//
// Note on Time-Based Operations:
//   - All write operations take a write-index used as a logical timestamp. Expiration
//     and deletion times are computed by adding offsets to it, and it advances the
//     database's logical clock.
//   - Reads always operate against the most recent write-index. Use SetWriteIdx to
//     advance the clock without writing.
//   - The write-index only increases; lower values passed to SetWriteIdx are ignored.
//   - The store layer decides what the index means. The local store uses unix seconds,
//     which turns expireIn and deleteIn into durations in seconds.
//
// Note on Garbage Collection:
//   - Get() never returns a logically expired entry and Has() never reports a logically
//     deleted entry, even while the entry still exists physically.
//   - GarbageCollect removes logically deleted entries for good.
//
// Related Packages:
//
// The engines/badger package implements KVDB on top of github.com/dgraph-io/badger/v3,
// either purely in memory or on disk. The testing package provides the conformance
// suite (RunKVDBTests) and benchmarks (RunKVDBBenchmarks) every engine must pass.
package db
