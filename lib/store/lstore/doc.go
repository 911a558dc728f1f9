// Package lstore implements store.IStore on a single db.KVDB.
//
// The write index handed to the engine is the current unix time in seconds. It is
// advanced before every read and write and never moves backwards, so entries written
// with SetE expire after expireIn seconds and disappear after deleteIn seconds of wall
// clock time. Whether data survives a restart depends on the engine the factory opens:
// the in-memory badger engine loses everything, the on-disk one keeps it.
//
// Before executing an operation the store checks that the engine supports it and
// returns a store.RetCUnsupportedOperation error otherwise.
//
// Usage Example:
//
//	factory := func() (db.KVDB, error) {
//		return badger.NewBadgerDB(&badger.Options{Dir: "/var/lib/rfcunit/100"})
//	}
//	s, err := lstore.NewLocalStore(factory)
//
//	// a session record that expires after five minutes
//	err = s.SetE("session/123", data, 300, 0)
package lstore
