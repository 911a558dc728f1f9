package lstore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/ValentinKolb/rfcunit/lib/db/engines/badger"
	"github.com/ValentinKolb/rfcunit/lib/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	sec atomic.Int64
}

func (c *fakeClock) now() time.Time        { return time.Unix(c.sec.Load(), 0) }
func (c *fakeClock) advance(seconds int64) { c.sec.Add(seconds) }

func newStore(t *testing.T) (store.IStore, *fakeClock) {
	clock := &fakeClock{}
	clock.sec.Store(1_700_000_000)
	s, err := NewLocalStore(func() (db.KVDB, error) {
		return badger.NewBadgerDB(&badger.Options{})
	}, WithClock(clock.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestSetGet(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.Set("a", []byte("1")))
	value, ok, err := s.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), value)

	require.NoError(t, s.Delete("a"))
	_, ok, err = s.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTTLInSeconds(t *testing.T) {
	s, clock := newStore(t)

	require.NoError(t, s.SetE("session", []byte("x"), 10, 20))

	clock.advance(9)
	_, ok, _ := s.Get("session")
	assert.True(t, ok)

	clock.advance(1)
	_, ok, _ = s.Get("session")
	assert.False(t, ok)
	has, _ := s.Has("session")
	assert.True(t, has)

	clock.advance(10)
	has, _ = s.Has("session")
	assert.False(t, has)
}

func TestClockNeverMovesBackwards(t *testing.T) {
	s, clock := newStore(t)

	require.NoError(t, s.Set("k", []byte("new")))
	clock.advance(-100)
	require.NoError(t, s.Set("k", []byte("newer")))

	value, _, _ := s.Get("k")
	assert.Equal(t, []byte("newer"), value)
}

func TestSetManyAndScan(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.Set("row/stale", []byte("x")))
	require.NoError(t, s.SetMany([]store.Write{
		{Key: "row/1", Value: []byte("a")},
		{Key: "row/2", Value: []byte("b")},
		{Key: "row/stale", Delete: true},
	}))
	require.NoError(t, s.SetMany(nil))

	rows, err := s.Scan("row/")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"row/1": []byte("a"), "row/2": []byte("b")}, rows)
}

func TestSetEIfUnset(t *testing.T) {
	s, clock := newStore(t)

	require.NoError(t, s.SetEIfUnset("lock", []byte("a"), 0, 5))
	require.NoError(t, s.SetEIfUnset("lock", []byte("b"), 0, 5))
	value, _, _ := s.Get("lock")
	assert.Equal(t, []byte("a"), value)

	clock.advance(5)
	require.NoError(t, s.SetEIfUnset("lock", []byte("b"), 0, 5))
	value, _, _ = s.Get("lock")
	assert.Equal(t, []byte("b"), value)
}

func TestOpenFailure(t *testing.T) {
	_, err := NewLocalStore(func() (db.KVDB, error) {
		return nil, assert.AnError
	})
	var storeErr *store.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, store.RetCInternalError, storeErr.Code)
}
