package pagelog

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// ConsistencyMarkers persists the recovery bookkeeping: the last
// OpTime known applied to the data files, the minimum valid point, the
// ragged-tail truncation point, and the initial-sync flag. Every
// setter is durable before it returns.
type ConsistencyMarkers interface {
	AppliedThrough() (OpTime, error)
	SetAppliedThrough(OpTime) error
	MinValid() (Timestamp, error)
	SetMinValid(Timestamp) error
	TruncateAfterPoint() (Timestamp, error)
	SetTruncateAfterPoint(Timestamp) error
	InitialSyncFlag() (bool, error)
	SetInitialSyncFlag(bool) error
}

const markersBucket = "markers"

var (
	keyAppliedThrough     = []byte("appliedThrough")
	keyMinValid           = []byte("minValid")
	keyTruncateAfterPoint = []byte("truncateAfterPoint")
	keyInitialSyncFlag    = []byte("initialSyncFlag")
)

// boltMarkers stores the markers in one bbolt bucket; bbolt commits
// fsync, which gives the durability contract for free.
type boltMarkers struct {
	db *bolt.DB
}

func newBoltMarkers(db *bolt.DB) (*boltMarkers, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(markersBucket))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "open markers bucket")
	}
	return &boltMarkers{db: db}, nil
}

func (m *boltMarkers) get(key []byte) ([]byte, error) {
	var out []byte
	err := m.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(markersBucket)).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, errors.Wrapf(err, "read marker %s", key)
}

func (m *boltMarkers) put(key, val []byte) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(markersBucket)).Put(key, val)
	})
	return errors.Wrapf(err, "write marker %s", key)
}

func (m *boltMarkers) AppliedThrough() (OpTime, error) {
	v, err := m.get(keyAppliedThrough)
	if err != nil || v == nil {
		return NullOpTime, err
	}
	if len(v) != 16 {
		return NullOpTime, errors.Wrap(ErrFormat, "appliedThrough marker corrupt")
	}
	return OpTime{
		TS:   Timestamp(binary.BigEndian.Uint64(v)),
		Term: int64(binary.BigEndian.Uint64(v[8:])),
	}, nil
}

func (m *boltMarkers) SetAppliedThrough(ot OpTime) error {
	var v [16]byte
	binary.BigEndian.PutUint64(v[:], uint64(ot.TS))
	binary.BigEndian.PutUint64(v[8:], uint64(ot.Term))
	return m.put(keyAppliedThrough, v[:])
}

func (m *boltMarkers) getTS(key []byte) (Timestamp, error) {
	v, err := m.get(key)
	if err != nil || v == nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, errors.Wrapf(ErrFormat, "marker %s corrupt", key)
	}
	return Timestamp(binary.BigEndian.Uint64(v)), nil
}

func (m *boltMarkers) putTS(key []byte, ts Timestamp) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(ts))
	return m.put(key, v[:])
}

func (m *boltMarkers) MinValid() (Timestamp, error) { return m.getTS(keyMinValid) }

func (m *boltMarkers) SetMinValid(ts Timestamp) error { return m.putTS(keyMinValid, ts) }

func (m *boltMarkers) TruncateAfterPoint() (Timestamp, error) {
	return m.getTS(keyTruncateAfterPoint)
}

func (m *boltMarkers) SetTruncateAfterPoint(ts Timestamp) error {
	return m.putTS(keyTruncateAfterPoint, ts)
}

func (m *boltMarkers) InitialSyncFlag() (bool, error) {
	v, err := m.get(keyInitialSyncFlag)
	if err != nil {
		return false, err
	}
	return len(v) == 1 && v[0] == 1, nil
}

func (m *boltMarkers) SetInitialSyncFlag(set bool) error {
	v := []byte{0}
	if set {
		v[0] = 1
	}
	return m.put(keyInitialSyncFlag, v)
}
