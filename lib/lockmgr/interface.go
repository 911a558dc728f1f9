package lockmgr

import "context"

// ILockManager defines the interface for a lock provider.
type ILockManager interface {
	// AcquireLock acquires the lock for the given key. A non-zero timeout releases the
	// lock automatically after that many seconds.
	// Returns whether the lock was acquired and the owner ID needed to release it.
	AcquireLock(key string, timeout uint64) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock for the given key if ownerID still owns it.
	// It also returns true if the lock did not exist.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)

	// WithLock runs fn while holding the lock for key, polling until it is acquired
	// or ctx is done. The lock is released when fn returns.
	WithLock(ctx context.Context, key string, timeout uint64, fn func() error) (err error)
}
