package pagelog

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ReadPage faults a page into memory. On return either ref.State() is
// RefMem with a valid image attached, or the ref is back in its prior
// state and the error says why. Losing the race to another actor is
// success: the winner does the work.
//
// Coordination is lock-free: the CAS on the state word picks a single
// winner, which then performs all I/O and allocation outside any lock.
func (db *DB) ReadPage(ref *Ref) error {
	var prev RefState
	if ref.casState(RefDisk, RefReading) {
		prev = RefDisk
	} else if ref.casState(RefDeleted, RefLocked) {
		prev = RefDeleted
	} else {
		// Another actor is handling the fault.
		return nil
	}

	var (
		buf *DiskBuffer
		err error
	)
	defer func() {
		if err == nil {
			return
		}
		// Failure rollback: the ref must own no page memory and return
		// to the state it had on entry.
		if ref.page != nil {
			ref.page.discard()
			ref.page = nil
		}
		if buf != nil {
			buf.free()
		}
		ref.publishState(prev)
	}()

	if ref.addr == nil {
		// No backing address: the page was deleted and a later search
		// or insert is recreating the name space.
		invariantf(prev == RefDeleted, "addressless ref in state %s", prev)
		ref.page = newEmptyLeafPage()
	} else {
		buf, err = db.blocks.ReadBlock(*ref.addr)
		if err != nil {
			return err
		}

		var page *Page
		page, err = pageFromDisk(buf, db.decompress)
		if err != nil {
			return err
		}
		// The page steals the disk image; drop the local reference so
		// the rollback path cannot double-free it.
		ref.page = page
		buf = nil

		if prev == RefDeleted {
			if err = page.instantiateDeleted(ref.delTxnID); err != nil {
				return err
			}
		}

		// The spilled-updates flag may have been set long ago; only
		// scan if the lookaside table is currently active.
		if page.HasSpilledUpdates() && db.lookaside != nil && db.lookaside.Active() {
			atomic.AddUint64(&db.stats.LookasideReads, 1)
			if err = db.instantiateSpilled(ref, page); err != nil {
				return err
			}
		}
	}

	atomic.AddUint64(&db.stats.PagesRead, 1)
	log.WithFields(log.Fields{
		"tree": ref.treeID,
		"type": ref.page.Type().String(),
	}).Debug("page read")

	ref.publishState(RefMem)
	return nil
}

// instantiateSpilled re-attaches the block's lookaside records to the
// freshly built page as versioned update chains.
//
// The records are in key and update order: a run of in-order updates
// for one user key, then a run for the next key. Updates for a key are
// accumulated into a chain and flushed into the page when the key
// changes, and once more after the scan.
func (db *DB) instantiateSpilled(ref *Ref, page *Page) (err error) {
	cur, cerr := db.lookaside.NewCursor()
	if cerr != nil {
		return cerr
	}
	defer func() {
		if cerr := cur.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var (
		upd      *Update // latest allocated update, not yet linked
		firstUpd *Update // head of the chain under construction
		lastUpd  *Update
	)
	defer func() {
		// On error two transient owners exist: the unlinked update and
		// the partial chain. Both are freed here; the page rollback in
		// ReadPage frees anything already attached.
		if err != nil {
			freeUpdates(upd)
			freeUpdates(firstUpd)
		}
	}()

	var (
		addr         = ref.addr.Encode()
		currentKey   []byte
		currentRecno uint64
		haveCurrent  bool
		totalIncr    uint64
	)

	flush := func() error {
		if firstUpd == nil {
			return nil
		}
		var ferr error
		switch page.typ {
		case PageColFix, PageColVar:
			ferr = page.attachColChain(currentRecno, firstUpd)
		case PageRowLeaf:
			ferr = page.attachRowChain(currentKey, firstUpd)
		default:
			ferr = errors.Wrapf(ErrFormat, "page type %d cannot carry spilled updates", page.typ)
		}
		if ferr == nil {
			firstUpd, lastUpd = nil, nil
		}
		return ferr
	}

	err = positionAtBlock(cur, ref.treeID, addr)
	for err == nil {
		var key LookasideKey
		if key, err = cur.Key(); err != nil {
			break
		}
		// Confirm the block prefix; first mismatch ends the scan.
		if !key.matchesBlock(ref.treeID, addr) {
			break
		}

		// A record whose transaction is globally visible duplicates
		// the canonical on-page value.
		if !db.oracle.IsGloballyVisible(key.TxnID) {
			var val LookasideValue
			if val, err = cur.Value(); err != nil {
				break
			}
			upd = newUpdate(val)
			totalIncr += upd.memSize()

			switch page.typ {
			case PageColFix, PageColVar:
				recno, n := binary.Uvarint(key.UserKey)
				if n <= 0 {
					err = errors.Wrap(ErrFormat, "lookaside user key is not a record number")
					break
				}
				if !haveCurrent || recno != currentRecno {
					if err = flush(); err != nil {
						break
					}
					currentRecno = recno
					haveCurrent = true
				}
			case PageRowLeaf:
				if !haveCurrent || len(currentKey) != len(key.UserKey) ||
					!bytes.Equal(currentKey, key.UserKey) {
					if err = flush(); err != nil {
						break
					}
					currentKey = append(currentKey[:0], key.UserKey...)
					haveCurrent = true
				}
			default:
				err = errors.Wrapf(ErrFormat, "page type %d cannot carry spilled updates", page.typ)
			}
			if err != nil {
				break
			}

			// Append in scan order; chains read oldest-filtered-first,
			// ascending (txnID, counter).
			if firstUpd == nil {
				firstUpd, lastUpd = upd, upd
			} else {
				lastUpd.Next = upd
				lastUpd = upd
			}
			upd = nil
		}

		err = cur.Next()
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	err = nil

	// Flush the trailing chain.
	if err = flush(); err != nil {
		return err
	}

	if totalIncr != 0 {
		page.incrMemSize(totalIncr)

		// The chains were rebuilt from lookaside records that remain in
		// place, so the page stays clean and cheap to evict; a future
		// instantiation finds the same records, and a writer that
		// dirties the page re-spills for its new location.
		page.clearDirty()
	}
	return nil
}
