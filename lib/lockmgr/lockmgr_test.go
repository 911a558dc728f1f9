package lockmgr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/ValentinKolb/rfcunit/lib/db/engines/badger"
	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/ValentinKolb/rfcunit/lib/store/lstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) store.IStore {
	s, err := lstore.NewLocalStore(func() (db.KVDB, error) {
		return badger.NewBadgerDB(&badger.Options{})
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAcquireRelease(t *testing.T) {
	lm := NewLockManager(newStore(t), "lock/")

	ok, owner, err := lm.AcquireLock("unit-1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = lm.AcquireLock("unit-1", 0)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail")

	released, err := lm.ReleaseLock("unit-1", []byte("someone else"))
	require.NoError(t, err)
	assert.False(t, released)

	released, err = lm.ReleaseLock("unit-1", owner)
	require.NoError(t, err)
	assert.True(t, released)

	ok, _, err = lm.AcquireLock("unit-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	released, err = lm.ReleaseLock("never-locked", owner)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestSharedStore(t *testing.T) {
	s := newStore(t)
	a := NewLockManager(s, "lock/")
	b := NewLockManager(s, "lock/")
	other := NewLockManager(s, "other/")

	ok, _, err := a.AcquireLock("k", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, _ = b.AcquireLock("k", 0)
	assert.False(t, ok)
	ok, _, _ = other.AcquireLock("k", 0)
	assert.True(t, ok)
}

func TestWithLockSerializes(t *testing.T) {
	lm := NewLockManager(newStore(t), "lock/")
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
		total   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lm.WithLock(ctx, "unit", 30, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				total++
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 8, total)
}

func TestWithLockContextDone(t *testing.T) {
	lm := NewLockManager(newStore(t), "lock/")

	ok, _, err := lm.AcquireLock("unit", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	called := false
	err = lm.WithLock(ctx, "unit", 0, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
}
