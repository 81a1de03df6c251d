package pagelog

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// LookasideKey is the composite key of a spilled update record.
//
// Sort order: treeID ascending, then address by (length, bytes), then
// user key by (length, bytes), then txnID, then counter. Within one
// (treeID, addr) block prefix all entries for a user key are
// contiguous in ascending (txnID, counter) order. The variable-length
// address never relies on a default byte comparison: its length is
// part of the order.
type LookasideKey struct {
	TreeID  uint32
	Addr    []byte
	UserKey []byte
	TxnID   uint64
	Counter uint32
}

// Encode produces a byte-comparable form of the key: big-endian fixed
// fields, u16 length prefixes on the variable fields.
func (k LookasideKey) Encode() []byte {
	buf := make([]byte, 0, 4+2+len(k.Addr)+2+len(k.UserKey)+8+4)
	var tmp [8]byte
	binary.BigEndian.PutUint32(tmp[:4], k.TreeID)
	buf = append(buf, tmp[:4]...)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(k.Addr)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, k.Addr...)
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(k.UserKey)))
	buf = append(buf, tmp[:2]...)
	buf = append(buf, k.UserKey...)
	binary.BigEndian.PutUint64(tmp[:8], k.TxnID)
	buf = append(buf, tmp[:8]...)
	binary.BigEndian.PutUint32(tmp[:4], k.Counter)
	buf = append(buf, tmp[:4]...)
	return buf
}

func decodeLookasideKey(b []byte) (LookasideKey, error) {
	var k LookasideKey
	if len(b) < 4+2 {
		return k, errors.Wrap(ErrFormat, "lookaside key truncated")
	}
	k.TreeID = binary.BigEndian.Uint32(b)
	b = b[4:]
	alen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < alen+2 {
		return k, errors.Wrap(ErrFormat, "lookaside key truncated: addr")
	}
	k.Addr = b[:alen]
	b = b[alen:]
	klen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) != klen+8+4 {
		return k, errors.Wrap(ErrFormat, "lookaside key truncated: user key")
	}
	k.UserKey = b[:klen]
	b = b[klen:]
	k.TxnID = binary.BigEndian.Uint64(b)
	k.Counter = binary.BigEndian.Uint32(b[8:])
	return k, nil
}

// matchesBlock reports whether the key belongs to the (treeID, addr)
// block prefix. Equal-size addresses must compare byte for byte.
func (k LookasideKey) matchesBlock(treeID uint32, addr []byte) bool {
	return k.TreeID == treeID && len(k.Addr) == len(addr) && bytes.Equal(k.Addr, addr)
}

// TombstoneSize is the reserved value size marking a deletion.
const TombstoneSize uint32 = math.MaxUint32

// LookasideValue is the stored side of a spilled update record.
type LookasideValue struct {
	TxnID uint64
	Size  uint32
	Value []byte
}

func (v LookasideValue) IsTombstone() bool { return v.Size == TombstoneSize }

// TombstoneValue builds the stored form of a deletion.
func TombstoneValue(txnID uint64) LookasideValue {
	return LookasideValue{TxnID: txnID, Size: TombstoneSize}
}

func (v LookasideValue) Encode() []byte {
	buf := make([]byte, 12+len(v.Value))
	binary.BigEndian.PutUint64(buf, v.TxnID)
	binary.BigEndian.PutUint32(buf[8:], v.Size)
	copy(buf[12:], v.Value)
	return buf
}

func decodeLookasideValue(b []byte) (LookasideValue, error) {
	if len(b) < 12 {
		return LookasideValue{}, errors.Wrap(ErrFormat, "lookaside value truncated")
	}
	v := LookasideValue{
		TxnID: binary.BigEndian.Uint64(b),
		Size:  binary.BigEndian.Uint32(b[8:]),
	}
	if !v.IsTombstone() {
		v.Value = b[12:]
	}
	return v, nil
}

// LookasideCursor iterates spilled update records in composite-key
// order. The only supported scan shape is the block-prefix scan.
type LookasideCursor interface {
	// SearchNear positions at the nearest entry and reports the
	// comparison: -1 positioned before key, 0 exact, +1 after.
	// ErrNotFound when the store is empty.
	SearchNear(key LookasideKey) (int, error)
	// Next advances; ErrNotFound at end of scan.
	Next() error
	Key() (LookasideKey, error)
	Value() (LookasideValue, error)
	// Remove deletes the current entry. Idempotent: a record already
	// removed by another actor is not an error, and the cursor stays
	// positioned so Next advances past the removed entry.
	Remove() error
	Close() error
}

// LookasideStore holds updates that were not yet globally visible at
// page-eviction time. Records for a clean page carrying
// PageHasSpilledUpdates must not be removed behind its back:
// RemoveBlock is the only bulk removal surface.
type LookasideStore interface {
	NewCursor() (LookasideCursor, error)
	Insert(key LookasideKey, value LookasideValue) error
	// RemoveBlock removes every record for the block prefix, for use
	// when the page is rewritten and its spills folded back in.
	RemoveBlock(treeID uint32, addr []byte) error
	// Active reports whether the subsystem has ever been written;
	// materialization skips the scan when it has not.
	Active() bool
}

const lookasideBucket = "lookaside"

// boltLookaside is the durable lookaside store, one bbolt bucket of
// encoded composite keys.
type boltLookaside struct {
	db      *bolt.DB
	written uint32
}

func newBoltLookaside(db *bolt.DB) (*boltLookaside, error) {
	ls := &boltLookaside{db: db}
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(lookasideBucket))
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().First(); k != nil {
			ls.written = 1
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "open lookaside bucket")
	}
	return ls, nil
}

func (ls *boltLookaside) Active() bool {
	return atomic.LoadUint32(&ls.written) != 0
}

func (ls *boltLookaside) Insert(key LookasideKey, value LookasideValue) error {
	err := ls.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(lookasideBucket)).Put(key.Encode(), value.Encode())
	})
	if err != nil {
		return errors.Wrap(err, "lookaside insert")
	}
	atomic.StoreUint32(&ls.written, 1)
	return nil
}

func (ls *boltLookaside) NewCursor() (LookasideCursor, error) {
	tx, err := ls.db.Begin(true)
	if err != nil {
		return nil, errors.Wrap(err, "lookaside cursor")
	}
	b := tx.Bucket([]byte(lookasideBucket))
	return &boltLasCursor{tx: tx, cursor: b.Cursor()}, nil
}

func (ls *boltLookaside) RemoveBlock(treeID uint32, addr []byte) error {
	cur, err := ls.NewCursor()
	if err != nil {
		return err
	}
	defer cur.Close()
	return removeBlock(cur, treeID, addr)
}

type boltLasCursor struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	key     []byte
	val     []byte
	removed bool // current entry was deleted; Next must re-seek
	mutated bool
}

func (c *boltLasCursor) SearchNear(key LookasideKey) (int, error) {
	target := key.Encode()
	k, v := c.cursor.Seek(target)
	if k != nil {
		c.key, c.val, c.removed = k, v, false
		if bytes.Equal(k, target) {
			return 0, nil
		}
		return 1, nil
	}
	k, v = c.cursor.Last()
	if k == nil {
		return 0, errors.Wrap(ErrNotFound, "lookaside is empty")
	}
	c.key, c.val, c.removed = k, v, false
	return -1, nil
}

func (c *boltLasCursor) Next() error {
	var k, v []byte
	if c.removed {
		// The current record is gone; the first key at or past its
		// position is the successor.
		k, v = c.cursor.Seek(c.key)
		c.removed = false
	} else {
		k, v = c.cursor.Next()
	}
	if k == nil {
		return errors.Wrap(ErrNotFound, "end of lookaside scan")
	}
	c.key, c.val = k, v
	return nil
}

func (c *boltLasCursor) Key() (LookasideKey, error) {
	if c.key == nil {
		return LookasideKey{}, errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	return decodeLookasideKey(c.key)
}

func (c *boltLasCursor) Value() (LookasideValue, error) {
	if c.key == nil {
		return LookasideValue{}, errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	return decodeLookasideValue(c.val)
}

func (c *boltLasCursor) Remove() error {
	if c.key == nil {
		return errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	if c.removed {
		return nil
	}
	// Copy the entry out: after the delete the cursor no longer pins it.
	key := append([]byte(nil), c.key...)
	val := append([]byte(nil), c.val...)
	if err := c.tx.Bucket([]byte(lookasideBucket)).Delete(key); err != nil {
		return errors.Wrap(err, "lookaside remove")
	}
	c.key, c.val = key, val
	c.removed = true
	c.mutated = true
	return nil
}

func (c *boltLasCursor) Close() error {
	if c.mutated {
		return c.tx.Commit()
	}
	return c.tx.Rollback()
}

// positionAtBlock sets cur to the first entry of the (treeID, addr)
// block prefix: search near the prefix's zero key and step forward
// once when positioned strictly before. Returns ErrNotFound when no
// entry sorts at or after the prefix; otherwise the cursor may rest on
// an entry of another block, which callers detect with matchesBlock.
// Both cases are a legal empty scan.
func positionAtBlock(cur LookasideCursor, treeID uint32, addr []byte) error {
	exact, err := cur.SearchNear(LookasideKey{TreeID: treeID, Addr: addr})
	if err != nil {
		return err
	}
	if exact < 0 {
		return cur.Next()
	}
	return nil
}

// removeBlock deletes all records matching a block prefix. Grounds the
// lookaside half of page rewrite: once values are folded back into the
// page, the spilled records are dead.
func removeBlock(cur LookasideCursor, treeID uint32, addr []byte) error {
	err := positionAtBlock(cur, treeID, addr)
	for err == nil {
		var key LookasideKey
		if key, err = cur.Key(); err != nil {
			break
		}
		if !key.matchesBlock(treeID, addr) {
			return nil
		}
		// Overwrite-safe: a record removed by another actor first does
		// not fail the scan.
		if err = cur.Remove(); err != nil {
			break
		}
		err = cur.Next()
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
