package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/rfcunit/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementation.
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Set", func(b *testing.B) {
			benchmarkSet(b, factory())
		})

		b.Run("SetExisting", func(b *testing.B) {
			benchmarkSetExisting(b, factory())
		})

		b.Run("SetEIfUnset", func(b *testing.B) {
			benchmarkSetEIfUnset(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Batch", func(b *testing.B) {
			benchmarkBatch(b, factory())
		})

		b.Run("Scan", func(b *testing.B) {
			benchmarkScan(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkSet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet)

	var counter atomic.Uint64
	value := []byte("benchmark-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_ = database.Set(fmt.Sprintf("key-%d", i), value, i)
		}
	})
}

func benchmarkSetExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet)

	const keys = 1000
	for i := 0; i < keys; i++ {
		_ = database.Set(fmt.Sprintf("key-%d", i), []byte("initial"), 0)
	}

	var counter atomic.Uint64
	value := []byte("updated-value")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_ = database.Set(fmt.Sprintf("key-%d", i%keys), value, i)
		}
	})
}

func benchmarkSetEIfUnset(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSetEIfUnset)

	var counter atomic.Uint64
	value := []byte("owner")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_ = database.SetEIfUnset(fmt.Sprintf("lock-%d", i%64), value, i, 0, 10)
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet|db.FeatureGet)

	const keys = 10000
	for i := 0; i < keys; i++ {
		_ = database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), 0)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			database.Get(fmt.Sprintf("key-%d", r.Intn(keys)))
		}
	})
}

func benchmarkBatch(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureBatch)

	entries := make([]db.BatchEntry, 16)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := range entries {
			entries[j] = db.BatchEntry{Key: fmt.Sprintf("row-%d-%d", i, j), Value: []byte("row")}
		}
		if err := database.Batch(entries, uint64(i)); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkScan(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureScan)

	for i := 0; i < 1000; i++ {
		_ = database.Set(fmt.Sprintf("unit/%04d", i), []byte("state"), 0)
		_ = database.Set(fmt.Sprintf("other/%04d", i), []byte("state"), 0)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := database.Scan("unit/"); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 10000; i++ {
		_ = database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), 0)
	}

	var snapshot bytes.Buffer
	if err := database.Save(&snapshot); err != nil {
		b.Fatal(err)
	}

	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var buf bytes.Buffer
			if err := database.Save(&buf); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			b.StopTimer()
			target := factory()
			b.StartTimer()
			if err := target.Load(bytes.NewReader(snapshot.Bytes())); err != nil {
				b.Fatal(err)
			}
			b.StopTimer()
			target.Close()
			b.StartTimer()
		}
	})
}

func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() { database.Close() })
	requireFeature(b, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete|db.FeatureHas)

	const keys = 1000
	var counter atomic.Uint64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			i := counter.Add(1)
			key := fmt.Sprintf("key-%d", r.Intn(keys))
			switch op := r.Intn(10); {
			case op < 6:
				database.Get(key)
			case op < 8:
				_ = database.Set(key, []byte("value"), i)
			case op < 9:
				database.Has(key)
			default:
				_ = database.Delete(key, i)
			}
		}
	})
}
