// Package store provides the key-value abstraction the unit endpoint keeps its
// records in: unit states, staged table rows, sessions and locks.
//
// It sits on top of the lower level db.KVDB engines and hides the write index,
// so callers deal in plain keys and ttl offsets.
//
// Key Components:
//
//   - IStore Interface: Set, SetE, SetEIfUnset, Expire, Delete, Get, Has, prefix Scan and
//     the atomic SetMany used to commit a unit's staged writes in one step.
//
//   - Error System: every failure is a *Error carrying a RetCode, so callers can tell an
//     unsupported engine feature from an internal failure.
//
//   - DBFactory: a function that opens the db.KVDB a store runs on.
//
// Implementations:
//
//	The local store (lstore) drives a single db.KVDB with a unix seconds clock, which
//	makes every expireIn and deleteIn a duration in seconds.
package store
