package pagelog

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// LogEntry is one durable operation-log record. Entries are ordered
// strictly by TS; the payload is opaque to recovery.
type LogEntry struct {
	TS      Timestamp
	Term    int64
	Payload []byte
}

func (e LogEntry) OpTime() OpTime { return OpTime{TS: e.TS, Term: e.Term} }

// LogRecordID names a record's position in the store for truncation.
type LogRecordID uint64

// LogStore is the durable operation log: ordered by TS, backward scan
// for top-of-log, capped truncate-after a record id.
type LogStore interface {
	Append(entries ...LogEntry) error
	// TopOfLog returns the entry with the largest TS; ErrNotFound when
	// the log is empty.
	TopOfLog() (LogEntry, error)
	// NewRangeCursor scans ascending over [start, end], or [start, ∞)
	// when end is nil. Holds at most a shared lock.
	NewRangeCursor(start Timestamp, end *Timestamp) (LogRangeCursor, error)
	// NewReverseCursor scans newest-first over the whole log.
	NewReverseCursor() (LogReverseCursor, error)
	// TruncateAfter discards the record named by id and everything
	// newer (inclusive), or only what is newer (exclusive). Requires
	// exclusive access.
	TruncateAfter(id LogRecordID, inclusive bool) error
}

type LogRangeCursor interface {
	// Next returns entries in ascending TS order; ErrNotFound at end.
	Next() (LogEntry, error)
	Close() error
}

type LogReverseCursor interface {
	// Next returns entries newest-first with their record ids;
	// ErrNotFound past the oldest entry.
	Next() (LogEntry, LogRecordID, error)
	Close() error
}

const logBucket = "log"

// boltLogStore keys entries by big-endian TS, so bucket order is log
// order and the TS doubles as the record id. The RWMutex mirrors the
// lock levels: range scans shared, truncation exclusive.
type boltLogStore struct {
	db *bolt.DB
	mu sync.RWMutex
}

func newBoltLogStore(db *bolt.DB) (*boltLogStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(logBucket))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "open log bucket")
	}
	return &boltLogStore{db: db}, nil
}

func encodeLogKey(ts Timestamp) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(ts))
	return k[:]
}

func encodeLogValue(e LogEntry) []byte {
	v := make([]byte, 8+len(e.Payload))
	binary.BigEndian.PutUint64(v, uint64(e.Term))
	copy(v[8:], e.Payload)
	return v
}

func decodeLogEntry(k, v []byte) (LogEntry, error) {
	if len(k) != 8 || len(v) < 8 {
		return LogEntry{}, errors.Wrap(ErrFormat, "log record corrupt")
	}
	e := LogEntry{
		TS:   Timestamp(binary.BigEndian.Uint64(k)),
		Term: int64(binary.BigEndian.Uint64(v)),
	}
	if len(v) > 8 {
		e.Payload = append([]byte(nil), v[8:]...)
	}
	return e, nil
}

func (s *boltLogStore) Append(entries ...LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))
		for _, e := range entries {
			if e.TS.IsNull() {
				return errors.Wrap(ErrBadValue, "log entry with null timestamp")
			}
			if err := b.Put(encodeLogKey(e.TS), encodeLogValue(e)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "log append")
}

func (s *boltLogStore) TopOfLog() (LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var top LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket([]byte(logBucket)).Cursor().Last()
		if k == nil {
			return errors.Wrap(ErrNotFound, "log is empty")
		}
		var derr error
		top, derr = decodeLogEntry(k, v)
		return derr
	})
	return top, err
}

func (s *boltLogStore) NewRangeCursor(start Timestamp, end *Timestamp) (LogRangeCursor, error) {
	s.mu.RLock()
	tx, err := s.db.Begin(false)
	if err != nil {
		s.mu.RUnlock()
		return nil, errors.Wrap(err, "log range cursor")
	}
	return &boltLogRangeCursor{
		store:  s,
		tx:     tx,
		cursor: tx.Bucket([]byte(logBucket)).Cursor(),
		start:  start,
		end:    end,
	}, nil
}

type boltLogRangeCursor struct {
	store   *boltLogStore
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	start   Timestamp
	end     *Timestamp
	started bool
	closed  bool
}

func (c *boltLogRangeCursor) Next() (LogEntry, error) {
	var k, v []byte
	if !c.started {
		k, v = c.cursor.Seek(encodeLogKey(c.start))
		c.started = true
	} else {
		k, v = c.cursor.Next()
	}
	if k == nil {
		return LogEntry{}, errors.Wrap(ErrNotFound, "end of log range")
	}
	e, err := decodeLogEntry(k, v)
	if err != nil {
		return LogEntry{}, err
	}
	if c.end != nil && e.TS > *c.end {
		return LogEntry{}, errors.Wrap(ErrNotFound, "end of log range")
	}
	return e, nil
}

func (c *boltLogRangeCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.store.mu.RUnlock()
	return c.tx.Rollback()
}

func (s *boltLogStore) NewReverseCursor() (LogReverseCursor, error) {
	s.mu.RLock()
	tx, err := s.db.Begin(false)
	if err != nil {
		s.mu.RUnlock()
		return nil, errors.Wrap(err, "log reverse cursor")
	}
	return &boltLogReverseCursor{
		store:  s,
		tx:     tx,
		cursor: tx.Bucket([]byte(logBucket)).Cursor(),
	}, nil
}

type boltLogReverseCursor struct {
	store   *boltLogStore
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	started bool
	closed  bool
}

func (c *boltLogReverseCursor) Next() (LogEntry, LogRecordID, error) {
	var k, v []byte
	if !c.started {
		k, v = c.cursor.Last()
		c.started = true
	} else {
		k, v = c.cursor.Prev()
	}
	if k == nil {
		return LogEntry{}, 0, errors.Wrap(ErrNotFound, "start of log")
	}
	e, err := decodeLogEntry(k, v)
	if err != nil {
		return LogEntry{}, 0, err
	}
	return e, LogRecordID(e.TS), nil
}

func (c *boltLogReverseCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	defer c.store.mu.RUnlock()
	return c.tx.Rollback()
}

func (s *boltLogStore) TruncateAfter(id LogRecordID, inclusive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bound := encodeLogKey(Timestamp(id))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(logBucket))
		cur := b.Cursor()
		var doomed [][]byte
		for k, _ := cur.Seek(bound); k != nil; k, _ = cur.Next() {
			if !inclusive && Timestamp(binary.BigEndian.Uint64(k)) == Timestamp(id) {
				continue
			}
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "log truncate")
}
