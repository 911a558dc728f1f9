// Package badger implements db.KVDB on top of github.com/dgraph-io/badger/v3.
//
// Every value is stored in an envelope carrying the write index of the last write
// together with the absolute expiration and deletion indices, so the logical clock
// of the db package survives restarts and Save/Load round trips. Keys are stored
// under an internal prefix, which also makes the empty key valid.
//
// Writes run in badger read-write transactions. A transaction that loses a conflict
// against a concurrent writer is retried, which makes SetEIfUnset a proper
// compare-and-set. Batch applies all entries in a single transaction.
//
// An empty Options.Dir opens a purely in-memory database. On disk the background
// garbage collector additionally runs badger's value log GC.
package badger
