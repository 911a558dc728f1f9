package testing

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs the conformance suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("KeyExpiry", func(t *testing.T) {
			testKeyExpiry(t, factory())
		})

		t.Run("Expire", func(t *testing.T) {
			testExpire(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("StaleWrite", func(t *testing.T) {
			testStaleWrite(t, factory())
		})

		t.Run("SetEIfUnset", func(t *testing.T) {
			testSetEIfUnset(t, factory())
		})

		t.Run("SetEIfUnsetSingleWinner", func(t *testing.T) {
			testSetEIfUnsetSingleWinner(t, factory())
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory())
		})

		t.Run("Batch", func(t *testing.T) {
			testBatch(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("GarbageCollect", func(t *testing.T) {
			testGarbageCollect(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ConcurrentUsage", func(t *testing.T) {
			testConcurrentUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// requireFeature skips the test if the database does not support the feature.
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skipf("feature %s not supported", feature)
	}
}

func requireValue(t *testing.T, database db.KVDB, key string, expected []byte) {
	t.Helper()
	value, ok := database.Get(key)
	require.True(t, ok, "key %q should exist", key)
	require.True(t, bytes.Equal(expected, value), "key %q: expected %q, got %q", key, expected, value)
}

func requireMissing(t *testing.T, database db.KVDB, key string) {
	t.Helper()
	_, ok := database.Get(key)
	require.False(t, ok, "key %q should not be readable", key)
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	require.NoError(t, database.Set("unit/A", []byte("v1"), 0))
	requireValue(t, database, "unit/A", []byte("v1"))

	require.NoError(t, database.Set("unit/A", []byte("v2"), 0))
	requireValue(t, database, "unit/A", []byte("v2"))

	requireMissing(t, database, "unit/B")

	// the returned slice must be a copy
	value, _ := database.Get("unit/A")
	value[0] = 'X'
	requireValue(t, database, "unit/A", []byte("v2"))
}

func testKeyExpiry(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetE|db.FeatureGet|db.FeatureHas)

	require.NoError(t, database.SetE("session", []byte("open"), 100, 10, 20))

	database.SetWriteIdx(109)
	requireValue(t, database, "session", []byte("open"))
	assert.True(t, database.Has("session"))

	database.SetWriteIdx(110)
	requireMissing(t, database, "session")
	assert.True(t, database.Has("session"), "expired keys are still known")

	database.SetWriteIdx(120)
	requireMissing(t, database, "session")
	assert.False(t, database.Has("session"), "deleted keys are gone")

	// deleteIn alone also expires
	require.NoError(t, database.SetE("lock", []byte("owner"), 200, 0, 10))
	database.SetWriteIdx(209)
	requireValue(t, database, "lock", []byte("owner"))
	database.SetWriteIdx(210)
	requireMissing(t, database, "lock")
	assert.False(t, database.Has("lock"))

	require.NoError(t, database.SetE("forever", []byte("x"), 300, 0, 0))
	database.SetWriteIdx(100000)
	requireValue(t, database, "forever", []byte("x"))
}

func testExpire(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureExpire|db.FeatureHas)

	require.NoError(t, database.Set("k", []byte("v"), 1))
	require.NoError(t, database.Expire("k", 10))
	requireMissing(t, database, "k")
	assert.True(t, database.Has("k"))

	require.NoError(t, database.Expire("nonexistent", 11))
	assert.False(t, database.Has("nonexistent"))
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureDelete|db.FeatureHas)

	require.NoError(t, database.Set("k", []byte("v"), 1))
	require.NoError(t, database.Delete("k", 10))
	requireMissing(t, database, "k")
	assert.False(t, database.Has("k"))

	require.NoError(t, database.Delete("nonexistent", 11))
}

func testStaleWrite(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	require.NoError(t, database.Set("k", []byte("new"), 50))
	require.NoError(t, database.Set("k", []byte("old"), 40))
	requireValue(t, database, "k", []byte("new"))

	require.NoError(t, database.Set("k", []byte("newer"), 50))
	requireValue(t, database, "k", []byte("newer"))
}

func testSetEIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetEIfUnset|db.FeatureGet)

	require.NoError(t, database.SetEIfUnset("k", []byte("first"), 0, 10, 0))
	requireValue(t, database, "k", []byte("first"))

	require.NoError(t, database.SetEIfUnset("k", []byte("second"), 5, 20, 0))
	requireValue(t, database, "k", []byte("first"))

	database.SetWriteIdx(11)
	requireMissing(t, database, "k")

	// a logically deleted entry counts as unset
	require.NoError(t, database.SetEIfUnset("lock", []byte("a"), 100, 0, 10))
	require.NoError(t, database.SetEIfUnset("lock", []byte("b"), 105, 0, 10))
	requireValue(t, database, "lock", []byte("a"))
	require.NoError(t, database.SetEIfUnset("lock", []byte("b"), 110, 0, 10))
	requireValue(t, database, "lock", []byte("b"))
}

func testSetEIfUnsetSingleWinner(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetEIfUnset|db.FeatureGet)

	const contenders = 32
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			own := []byte(fmt.Sprintf("owner-%d", i))
			if err := database.SetEIfUnset("unit-lock", own, 1, 0, 0); err != nil {
				t.Errorf("SetEIfUnset: %v", err)
				return
			}
			if current, ok := database.Get("unit-lock"); ok && bytes.Equal(current, own) {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func testScan(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureScan|db.FeatureSetE)

	require.NoError(t, database.Set("unit/1", []byte("a"), 10))
	require.NoError(t, database.Set("unit/2", []byte("b"), 10))
	require.NoError(t, database.SetE("unit/3", []byte("c"), 10, 5, 0))
	require.NoError(t, database.Set("table/1", []byte("x"), 10))

	entries, err := database.Scan("unit/")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"unit/1": []byte("a"), "unit/2": []byte("b"), "unit/3": []byte("c")}, entries)

	database.SetWriteIdx(15)
	entries, err = database.Scan("unit/")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = database.Scan("")
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = database.Scan("nothing/")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testBatch(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureBatch|db.FeatureGet|db.FeatureHas)

	require.NoError(t, database.Set("row/old", []byte("gone"), 1))

	err := database.Batch([]db.BatchEntry{
		{Key: "row/1", Value: []byte("one")},
		{Key: "row/2", Value: []byte("two"), DeleteIn: 10},
		{Key: "row/old", Delete: true},
	}, 5)
	require.NoError(t, err)

	requireValue(t, database, "row/1", []byte("one"))
	requireValue(t, database, "row/2", []byte("two"))
	assert.False(t, database.Has("row/old"))

	database.SetWriteIdx(15)
	assert.False(t, database.Has("row/2"))
	assert.Equal(t, uint64(15), database.WriteIdx())
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	database2 := factory()
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureSave|db.FeatureLoad|db.FeatureSetE)

	const numEntries = 500
	for i := 0; i < numEntries; i++ {
		require.NoError(t, database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i)))
	}
	require.NoError(t, database.SetE("ttl", []byte("soon"), numEntries, 100, 200))

	var buf bytes.Buffer
	require.NoError(t, database.Save(&buf))
	require.NoError(t, database2.Load(&buf))

	for i := 0; i < numEntries; i++ {
		requireValue(t, database2, fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)))
	}

	// ttl metadata survives the round trip
	database2.SetWriteIdx(numEntries + 100)
	requireMissing(t, database2, "ttl")
	assert.True(t, database2.Has("ttl"))
	database2.SetWriteIdx(numEntries + 200)
	assert.False(t, database2.Has("ttl"))
}

func testGarbageCollect(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureGarbageCollect|db.FeatureSetE)

	for i := 0; i < 10; i++ {
		require.NoError(t, database.SetE(fmt.Sprintf("tmp-%d", i), []byte("x"), 10, 0, 5))
	}
	require.NoError(t, database.Set("keep", []byte("y"), 10))

	removed, err := database.GarbageCollect()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	database.SetWriteIdx(15)
	removed, err = database.GarbageCollect()
	require.NoError(t, err)
	assert.Equal(t, 10, removed)
	requireValue(t, database, "keep", []byte("y"))
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	require.NoError(t, database.Set("", []byte("empty-key"), 0))
	requireValue(t, database, "", []byte("empty-key"))

	require.NoError(t, database.Set("nil-value", nil, 0))
	requireValue(t, database, "nil-value", nil)

	large := bytes.Repeat([]byte{0xAB}, 512*1024)
	require.NoError(t, database.Set("large", large, 0))
	requireValue(t, database, "large", large)

	long := strings.Repeat("K", 4096)
	require.NoError(t, database.Set(long, []byte("long-key"), 0))
	requireValue(t, database, long, []byte("long-key"))

	for _, key := range []string{"ÜMLAUT", "键", "with space", "slash/in/key", "\x00bin"} {
		require.NoError(t, database.Set(key, []byte(key), 0))
		requireValue(t, database, key, []byte(key))
	}
}

func testConcurrentUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	const (
		workers = 8
		perWork = 200
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWork; i++ {
				key := fmt.Sprintf("w%d/k%d", w, i)
				if err := database.Set(key, []byte(key), uint64(i)); err != nil {
					t.Errorf("Set %s: %v", key, err)
					return
				}
				if i%4 == 0 {
					if err := database.Delete(key, uint64(i)); err != nil {
						t.Errorf("Delete %s: %v", key, err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < workers; w++ {
		for i := 0; i < perWork; i++ {
			key := fmt.Sprintf("w%d/k%d", w, i)
			value, ok := database.Get(key)
			if i%4 == 0 {
				assert.False(t, ok, key)
			} else if assert.True(t, ok, key) {
				assert.Equal(t, []byte(key), value)
			}
		}
	}
}
