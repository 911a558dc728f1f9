package tlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "tlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendHistory(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "U1", "CREATED", ""))
	require.NoError(t, l.Append(ctx, "U2", "CREATED", ""))
	require.NoError(t, l.Append(ctx, "U1", "SUBMITTED", "2 calls"))

	history, err := l.History(ctx, "U1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "CREATED", history[0].State)
	assert.Equal(t, "SUBMITTED", history[1].State)
	assert.Equal(t, "2 calls", history[1].Note)
	assert.Less(t, history[0].Seq, history[1].Seq)

	known, err := l.Known(ctx, "U2")
	require.NoError(t, err)
	assert.True(t, known)
	known, err = l.Known(ctx, "U3")
	require.NoError(t, err)
	assert.False(t, known)

	history, err = l.History(ctx, "U3")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLatest(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "U1", "SUBMITTED", ""))
	require.NoError(t, l.Append(ctx, "U1", "CONFIRMED", ""))
	require.NoError(t, l.Append(ctx, "U2", "SUBMITTED", ""))
	require.NoError(t, l.Append(ctx, "U3", "UNCERTAIN", ""))

	pending, err := l.Latest(ctx, "SUBMITTED", "UNCERTAIN")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "U2", pending[0].UnitID)
	assert.Equal(t, "U3", pending[1].UnitID)

	all, err := l.Latest(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestPrune(t *testing.T) {
	l := createTestLog(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return base }
	require.NoError(t, l.Append(ctx, "old", "COMMITTED", ""))
	require.NoError(t, l.Append(ctx, "old", "CONFIRMED", ""))
	require.NoError(t, l.Append(ctx, "stuck", "IN_PROCESS", ""))
	require.NoError(t, l.Append(ctx, "reused", "CONFIRMED", ""))
	l.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, l.Append(ctx, "new", "CONFIRMED", ""))
	require.NoError(t, l.Append(ctx, "reused", "DESTROYED", ""))

	n, err := l.Prune(ctx, base.Add(time.Minute), "CONFIRMED", "DESTROYED")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	known, _ := l.Known(ctx, "old")
	assert.False(t, known)
	for _, id := range []string{"stuck", "reused", "new"} {
		known, _ = l.Known(ctx, id)
		assert.True(t, known, id)
	}

	// without states every unit idle since before is pruned
	n, err = l.Prune(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	known, _ = l.Known(ctx, "stuck")
	assert.False(t, known)
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tlog.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(ctx, "U1", "COMMITTED", ""))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	history, err := l.History(ctx, "U1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	var version int
	require.NoError(t, l.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestInMemory(t *testing.T) {
	l, err := Open(":memory:")
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, l.Append(context.Background(), "U1", "CREATED", ""))
}
