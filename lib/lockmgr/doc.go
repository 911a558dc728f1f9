// Package lockmgr implements named locks on top of a store.IStore.
//
// The endpoint uses it to serialize state transitions of a single unit: submit,
// commit, confirm and destroy of the same unit ID never interleave, even when the
// requests arrive on different sessions.
//
// The lock manager keeps no state of its own, every lock lives in the store:
//
//   - AcquireLock writes a fresh random owner ID with SetEIfUnset and reads the key
//     back. The lock is ours only if the stored value is our owner ID.
//
//   - A timeout is stored as the entry's deleteIn, so a lock left behind by a crashed
//     holder disappears on its own.
//
//   - ReleaseLock deletes the key only if it still holds the caller's owner ID.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(s, "lock/")
//	err := locks.WithLock(ctx, string(unitID), 30, func() error {
//		// transition the unit
//		return nil
//	})
package lockmgr
