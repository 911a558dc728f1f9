package badger

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/rfcunit/lib/db"
	dbtesting "github.com/ValentinKolb/rfcunit/lib/db/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInMemory(tb testing.TB) db.KVDB {
	database, err := NewBadgerDB(&Options{})
	require.NoError(tb, err)
	return database
}

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "BadgerInMemory", func() db.KVDB {
		return newInMemory(t)
	})

	dir := t.TempDir()
	n := 0
	dbtesting.RunKVDBTests(t, "BadgerOnDisk", func() db.KVDB {
		n++
		database, err := NewBadgerDB(&Options{Dir: filepath.Join(dir, fmt.Sprintf("db-%d", n))})
		require.NoError(t, err)
		return database
	})
}

func TestEntryEncoding(t *testing.T) {
	e := newEntry([]byte("payload"), 10, 5, 7)
	assert.Equal(t, uint64(15), e.ExpireAt)
	assert.Equal(t, uint64(17), e.DeleteAt)

	decoded, err := decodeEntry(e.encode())
	require.NoError(t, err)
	assert.Equal(t, e, decoded)

	_, err = decodeEntry([]byte{1, 2, 3})
	assert.ErrorIs(t, err, errCorruptEntry)

	expired, deleted := decoded.ttlInfo(16)
	assert.True(t, expired)
	assert.False(t, deleted)
	expired, deleted = decoded.ttlInfo(17)
	assert.True(t, expired)
	assert.True(t, deleted)
}

func TestInfo(t *testing.T) {
	database := newInMemory(t)
	defer database.Close()

	info := database.GetInfo()
	assert.Equal(t, db.ImplBadger, info.DbType)
	assert.Contains(t, info.SupportedFeatures, db.FeatureBatch)
	assert.True(t, database.SupportsFeature(db.FeatureScan|db.FeatureSetEIfUnset))
}

func TestCloseTwice(t *testing.T) {
	database, err := NewBadgerDB(DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, database.Close())
	require.NoError(t, database.Close())
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "BadgerInMemory", func() db.KVDB {
		return newInMemory(b)
	})
}
