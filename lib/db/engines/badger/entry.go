package badger

import (
	"encoding/binary"
	"errors"
)

// headerSize is the size of the encoded index, expireAt and deleteAt fields.
const headerSize = 24

var errCorruptEntry = errors.New("corrupt entry: value shorter than header")

// entry is the value stored in badger for every key.
// The layout is [index][expireAt][deleteAt][value...] with big endian uint64 fields.
type entry struct {
	Index    uint64
	ExpireAt uint64
	DeleteAt uint64
	Value    []byte
}

func newEntry(value []byte, writeIndex, expireIn, deleteIn uint64) entry {
	e := entry{Index: writeIndex, Value: value}
	if expireIn > 0 {
		e.ExpireAt = writeIndex + expireIn
	}
	if deleteIn > 0 {
		e.DeleteAt = writeIndex + deleteIn
	}
	return e
}

func (e entry) encode() []byte {
	buf := make([]byte, headerSize+len(e.Value))
	binary.BigEndian.PutUint64(buf[0:8], e.Index)
	binary.BigEndian.PutUint64(buf[8:16], e.ExpireAt)
	binary.BigEndian.PutUint64(buf[16:24], e.DeleteAt)
	copy(buf[headerSize:], e.Value)
	return buf
}

// decodeEntry decodes b. The value is copied, b may be reused by badger.
func decodeEntry(b []byte) (entry, error) {
	if len(b) < headerSize {
		return entry{}, errCorruptEntry
	}
	e := entry{
		Index:    binary.BigEndian.Uint64(b[0:8]),
		ExpireAt: binary.BigEndian.Uint64(b[8:16]),
		DeleteAt: binary.BigEndian.Uint64(b[16:24]),
	}
	e.Value = make([]byte, len(b)-headerSize)
	copy(e.Value, b[headerSize:])
	return e, nil
}

// ttlInfo reports whether the entry is expired or deleted at index idx.
// A deleted entry is always expired as well.
func (e entry) ttlInfo(idx uint64) (expired, deleted bool) {
	deleted = e.DeleteAt > 0 && idx >= e.DeleteAt
	expired = deleted || (e.ExpireAt > 0 && idx >= e.ExpireAt)
	return expired, deleted
}
