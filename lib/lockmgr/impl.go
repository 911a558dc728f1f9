package lockmgr

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/google/uuid"
)

// ErrLockHeld is returned by WithLock when the lock stays held by someone else
// until the context is done.
var ErrLockHeld = errors.New("lock held by another owner")

const retryInterval = 5 * time.Millisecond

type lockMgrImpl struct {
	store  store.IStore
	prefix string
}

// NewLockManager creates a lock manager storing its locks in s under prefix.
func NewLockManager(s store.IStore, prefix string) ILockManager {
	return &lockMgrImpl{
		store:  s,
		prefix: prefix,
	}
}

func (lm *lockMgrImpl) AcquireLock(key string, timeout uint64) (bool, []byte, error) {
	ownerID, err := uuid.New().MarshalBinary()
	if err != nil {
		return false, nil, err
	}

	// only one contender can create the key
	if err := lm.store.SetEIfUnset(lm.prefix+key, ownerID, 0, timeout); err != nil {
		return false, nil, err
	}

	value, found, err := lm.store.Get(lm.prefix + key)
	if err != nil {
		return false, nil, err
	}
	if found && bytes.Equal(value, ownerID) {
		return true, ownerID, nil
	}
	return false, nil, nil
}

func (lm *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	value, ok, err := lm.store.Get(lm.prefix + key)
	if err != nil || !ok {
		return err == nil, err
	}
	if !bytes.Equal(ownerID, value) {
		return false, nil
	}
	err = lm.store.Delete(lm.prefix + key)
	return err == nil, err
}

func (lm *lockMgrImpl) WithLock(ctx context.Context, key string, timeout uint64, fn func() error) error {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		ok, ownerID, err := lm.AcquireLock(key, timeout)
		if err != nil {
			return err
		}
		if ok {
			defer func() { _, _ = lm.ReleaseLock(key, ownerID) }()
			return fn()
		}

		select {
		case <-ctx.Done():
			return errors.Join(ErrLockHeld, ctx.Err())
		case <-ticker.C:
		}
	}
}
