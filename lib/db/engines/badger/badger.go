package badger

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/dgraph-io/badger/v3"
	"github.com/lni/dragonboat/v4/logger"
)

const (
	// dataPrefix separates user keys from anything badger or we store internally,
	// it also makes the empty key a valid key.
	dataPrefix = "k/"

	maxConflictRetries = 16
	loadMaxPending     = 256
	valueLogGCRatio    = 0.5
)

// Options configures the badger engine.
type Options struct {
	// Dir is the data directory. Empty means a purely in-memory database.
	Dir string
	// GCInterval is the period of the background garbage collector. Zero disables it.
	GCInterval time.Duration
	// Logger receives badger's log output. Nil means the "badger" dragonboat logger.
	Logger badger.Logger
}

// DefaultOptions returns options for an in-memory database with background GC.
func DefaultOptions() *Options {
	return &Options{GCInterval: time.Minute}
}

type badgerImpl struct {
	db       *badger.DB
	opts     Options
	writeIdx atomic.Uint64

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewBadgerDB opens a badger backed db.KVDB. A nil opts uses DefaultOptions.
func NewBadgerDB(opts *Options) (db.KVDB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	var bopts badger.Options
	if opts.Dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(opts.Dir)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(opts.Logger)
	} else {
		bopts = bopts.WithLogger(logger.GetLogger("badger"))
	}

	bdb, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}

	impl := &badgerImpl{
		db:   bdb,
		opts: *opts,
		stop: make(chan struct{}),
	}
	if opts.GCInterval > 0 {
		impl.wg.Add(1)
		go impl.runGC(opts.GCInterval)
	}
	return impl, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (b *badgerImpl) Set(key string, value []byte, writeIndex uint64) error {
	return b.SetE(key, value, writeIndex, 0, 0)
}

func (b *badgerImpl) SetE(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) error {
	next := newEntry(value, writeIndex, expireIn, deleteIn)
	return b.compute(key, writeIndex, func(_ entry, _ bool) (*entry, bool) {
		return &next, false
	})
}

func (b *badgerImpl) SetEIfUnset(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64) error {
	next := newEntry(value, writeIndex, expireIn, deleteIn)
	return b.compute(key, writeIndex, func(_ entry, loaded bool) (*entry, bool) {
		if loaded {
			return nil, false
		}
		return &next, false
	})
}

func (b *badgerImpl) Expire(key string, writeIndex uint64) error {
	return b.compute(key, writeIndex, func(old entry, loaded bool) (*entry, bool) {
		if !loaded {
			return nil, false
		}
		old.ExpireAt = writeIndex
		old.Value = nil
		return &old, false
	})
}

func (b *badgerImpl) Delete(key string, writeIndex uint64) error {
	return b.compute(key, writeIndex, func(_ entry, _ bool) (*entry, bool) {
		return nil, true
	})
}

func (b *badgerImpl) Batch(entries []db.BatchEntry, writeIndex uint64) error {
	b.SetWriteIdx(writeIndex)
	return b.update(func(txn *badger.Txn) error {
		for _, be := range entries {
			be := be
			err := b.computeTxn(txn, be.Key, writeIndex, func(_ entry, _ bool) (*entry, bool) {
				if be.Delete {
					return nil, true
				}
				next := newEntry(be.Value, writeIndex, be.ExpireIn, be.DeleteIn)
				return &next, false
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// compute runs fn inside a read-write transaction on key. fn sees the old entry and
// whether it is logically present; it returns the entry to store, or del to remove it.
// A nil entry without del leaves the key untouched. Writes older than the stored
// entry are ignored.
func (b *badgerImpl) compute(key string, writeIndex uint64, fn func(old entry, loaded bool) (next *entry, del bool)) error {
	b.SetWriteIdx(writeIndex)
	return b.update(func(txn *badger.Txn) error {
		return b.computeTxn(txn, key, writeIndex, fn)
	})
}

func (b *badgerImpl) computeTxn(txn *badger.Txn, key string, writeIndex uint64, fn func(old entry, loaded bool) (next *entry, del bool)) error {
	k := []byte(dataPrefix + key)

	old, exists, err := readEntry(txn, k)
	if err != nil {
		return err
	}
	if exists && writeIndex < old.Index {
		return nil
	}

	loaded := exists
	if exists {
		expired, deleted := old.ttlInfo(writeIndex)
		loaded = !deleted
		if expired {
			old.Value = nil
			old.ExpireAt = writeIndex
		}
	}

	next, del := fn(old, loaded)
	if del {
		if exists {
			return txn.Delete(k)
		}
		return nil
	}
	if next == nil {
		return nil
	}
	return txn.Set(k, next.encode())
}

// update retries transactions that lost a conflict against a concurrent writer.
func (b *badgerImpl) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (b *badgerImpl) Get(key string) ([]byte, bool) {
	var (
		value  []byte
		loaded bool
	)
	_ = b.db.View(func(txn *badger.Txn) error {
		e, exists, err := readEntry(txn, []byte(dataPrefix+key))
		if err != nil || !exists {
			return err
		}
		if expired, _ := e.ttlInfo(b.WriteIdx()); expired {
			return nil
		}
		value, loaded = e.Value, true
		return nil
	})
	return value, loaded
}

func (b *badgerImpl) Has(key string) bool {
	var loaded bool
	_ = b.db.View(func(txn *badger.Txn) error {
		e, exists, err := readEntry(txn, []byte(dataPrefix+key))
		if err != nil || !exists {
			return err
		}
		_, deleted := e.ttlInfo(b.WriteIdx())
		loaded = !deleted
		return nil
	})
	return loaded
}

func (b *badgerImpl) Scan(prefix string) (map[string][]byte, error) {
	result := map[string][]byte{}
	idx := b.WriteIdx()
	err := b.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = []byte(dataPrefix + prefix)
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			if expired, _ := e.ttlInfo(idx); expired {
				continue
			}
			result[string(item.Key()[len(dataPrefix):])] = e.Value
		}
		return nil
	})
	return result, err
}

func readEntry(txn *badger.Txn, k []byte) (entry, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, err
	}
	var e entry
	err = item.Value(func(val []byte) error {
		var derr error
		e, derr = decodeEntry(val)
		return derr
	})
	return e, err == nil, err
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (b *badgerImpl) Save(w io.Writer) error {
	_, err := b.db.Backup(w, 0)
	return err
}

func (b *badgerImpl) Load(r io.Reader) error {
	return b.db.Load(r, loadMaxPending)
}

func (b *badgerImpl) GarbageCollect() (int, error) {
	idx := b.WriteIdx()
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.Prefix = []byte(dataPrefix)
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				if _, deleted := e.ttlInfo(idx); deleted {
					keys = append(keys, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}

	if b.opts.Dir != "" {
		if err := b.db.RunValueLogGC(valueLogGCRatio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			return len(keys), err
		}
	}
	return len(keys), nil
}

func (b *badgerImpl) runGC(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			if n, err := b.GarbageCollect(); err != nil {
				logger.GetLogger("badger").Warningf("garbage collection failed: %v", err)
			} else if n > 0 {
				logger.GetLogger("badger").Debugf("garbage collected %d entries", n)
			}
		}
	}
}

// --------------------------------------------------------------------------
// Feature Support
// --------------------------------------------------------------------------

const supportedFeatures = db.FeatureSet | db.FeatureSetE | db.FeatureSetEIfUnset | db.FeatureGet |
	db.FeatureExpire | db.FeatureDelete | db.FeatureHas | db.FeatureSave | db.FeatureLoad |
	db.FeatureGarbageCollect | db.FeatureScan | db.FeatureBatch

func (b *badgerImpl) SupportsFeature(feature db.Feature) bool {
	return feature&supportedFeatures == feature
}

func (b *badgerImpl) GetInfo() db.DatabaseInfo {
	lsm, vlog := b.db.Size()

	var features []db.Feature
	for f := db.FeatureSet; f <= db.FeatureBatch; f <<= 1 {
		if b.SupportsFeature(f) {
			features = append(features, f)
		}
	}

	return db.DatabaseInfo{
		SizeBytes:         int(lsm + vlog),
		DbType:            db.ImplBadger,
		SupportedFeatures: features,
		Metadata: map[string]interface{}{
			"dir":       b.opts.Dir,
			"in_memory": b.opts.Dir == "",
			"write_idx": b.WriteIdx(),
		},
	}
}

// --------------------------------------------------------------------------
// Write Index Operations
// --------------------------------------------------------------------------

func (b *badgerImpl) SetWriteIdx(index uint64) {
	for {
		current := b.writeIdx.Load()
		if index <= current || b.writeIdx.CompareAndSwap(current, index) {
			return
		}
	}
}

func (b *badgerImpl) WriteIdx() uint64 {
	return b.writeIdx.Load()
}

func (b *badgerImpl) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}
