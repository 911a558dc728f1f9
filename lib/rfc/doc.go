// Package rfc defines the contract between the unit-of-work client and the
// transport that carries remote function calls, together with the error
// taxonomy shared by both sides.
//
// Core Components:
//   - IConnector / IConnection: open, call, ping and close a connection
//   - Pool: a caller-owned, bounded connection pool with scoped acquire/release
//   - Error: a tagged error carrying an ErrorKind, the RFC return code and the
//     structured ABAP message fields (class, type, number, v1 to v4)
//
// Error Handling:
//
//	Every error produced by a connection is an *Error. Callers match on the kind,
//	either with KindOf and an exhaustive switch or with errors.Is against the
//	sentinels (ErrTimeout, ErrNotFound, ...). Retryable reports whether repeating
//	the identical request may succeed; nothing in this package retries on its own.
//
// Usage Example:
//
//	pool := rfc.NewPool(connector, rfc.ConnectionParams{"user": "demo", "passwd": "secret", "client": "100"}, 4)
//	defer pool.Close()
//
//	result, err := pool.Call(ctx, "STFC_CONNECTION", rfc.Parameters{"REQUTEXT": "hello"})
//	switch rfc.KindOf(err) {
//	case rfc.KindTimeout, rfc.KindCommunication:
//		// retry later
//	}
package rfc
