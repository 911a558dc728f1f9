package lstore

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/rfcunit/lib/db"
	"github.com/ValentinKolb/rfcunit/lib/store"
)

type storeImpl struct {
	db    db.KVDB
	index atomic.Uint64
	now   func() time.Time
}

// Option configures a local store.
type Option func(*storeImpl)

// WithClock replaces the wall clock the write index is derived from.
func WithClock(now func() time.Time) Option {
	return func(s *storeImpl) {
		s.now = now
	}
}

// NewLocalStore creates a store on top of the db returned by factory.
// The write index is the current unix time in seconds, so all ttl offsets are seconds.
func NewLocalStore(factory store.DBFactory, opts ...Option) (store.IStore, error) {
	database, err := factory()
	if err != nil {
		return nil, store.NewError(store.RetCInternalError, "open database: "+err.Error())
	}
	s := &storeImpl{
		db:  database,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// tick advances the write index to the current second and returns it.
// The index never moves backwards, even if the wall clock does.
func (s *storeImpl) tick() uint64 {
	now := uint64(s.now().Unix())
	for {
		current := s.index.Load()
		if now <= current {
			return current
		}
		if s.index.CompareAndSwap(current, now) {
			s.db.SetWriteIdx(now)
			return now
		}
	}
}

func (s *storeImpl) require(feature db.Feature, op string) error {
	if !s.db.SupportsFeature(feature) {
		return store.NewError(store.RetCUnsupportedOperation, op+" operation is not supported")
	}
	return nil
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return store.NewError(store.RetCInternalError, err.Error())
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	if err := s.require(db.FeatureSet, "Set"); err != nil {
		return err
	}
	return wrap(s.db.Set(key, value, s.tick()))
}

func (s *storeImpl) SetE(key string, value []byte, expireIn, deleteIn uint64) error {
	if err := s.require(db.FeatureSetE, "SetE"); err != nil {
		return err
	}
	return wrap(s.db.SetE(key, value, s.tick(), expireIn, deleteIn))
}

func (s *storeImpl) SetEIfUnset(key string, value []byte, expireIn, deleteIn uint64) error {
	if err := s.require(db.FeatureSetEIfUnset, "SetEIfUnset"); err != nil {
		return err
	}
	return wrap(s.db.SetEIfUnset(key, value, s.tick(), expireIn, deleteIn))
}

func (s *storeImpl) SetMany(writes []store.Write) error {
	if err := s.require(db.FeatureBatch, "SetMany"); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	entries := make([]db.BatchEntry, len(writes))
	for i, w := range writes {
		entries[i] = db.BatchEntry{
			Key:      w.Key,
			Value:    w.Value,
			ExpireIn: w.ExpireIn,
			DeleteIn: w.DeleteIn,
			Delete:   w.Delete,
		}
	}
	return wrap(s.db.Batch(entries, s.tick()))
}

func (s *storeImpl) Expire(key string) error {
	if err := s.require(db.FeatureExpire, "Expire"); err != nil {
		return err
	}
	return wrap(s.db.Expire(key, s.tick()))
}

func (s *storeImpl) Delete(key string) error {
	if err := s.require(db.FeatureDelete, "Delete"); err != nil {
		return err
	}
	return wrap(s.db.Delete(key, s.tick()))
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	if err := s.require(db.FeatureGet, "Get"); err != nil {
		return nil, false, err
	}
	s.tick()
	val, ok := s.db.Get(key)
	return val, ok, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	if err := s.require(db.FeatureHas, "Has"); err != nil {
		return false, err
	}
	s.tick()
	return s.db.Has(key), nil
}

func (s *storeImpl) Scan(prefix string) (map[string][]byte, error) {
	if err := s.require(db.FeatureScan, "Scan"); err != nil {
		return nil, err
	}
	s.tick()
	entries, err := s.db.Scan(prefix)
	return entries, wrap(err)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}

func (s *storeImpl) Close() error {
	return wrap(s.db.Close())
}
