package pagelog

import "sync/atomic"

// RefState is the lifecycle state of a page reference. The state field
// is the only field of a Ref that may be observed without holding the
// reference; every other field is stable only within the RefMem window.
type RefState uint32

const (
	// RefDisk: the page is on disk, no in-memory image exists.
	RefDisk RefState = iota
	// RefReading: a fault winner is materializing the page.
	RefReading
	// RefLocked: a fault winner is rebuilding a deleted page.
	RefLocked
	// RefMem: the in-memory image is attached and valid.
	RefMem
	// RefDeleted: the page was logically deleted.
	RefDeleted
	// RefSplit: the reference was split away; out of scope here.
	RefSplit
)

func (s RefState) String() string {
	switch s {
	case RefDisk:
		return "DISK"
	case RefReading:
		return "READING"
	case RefLocked:
		return "LOCKED"
	case RefMem:
		return "MEM"
	case RefDeleted:
		return "DELETED"
	case RefSplit:
		return "SPLIT"
	}
	return "UNKNOWN"
}

// Ref is the handle a tree node holds on a page: an atomic state word,
// the on-disk address, and the owning pointer to the materialized page
// once built. Refs live as long as their containing tree node.
type Ref struct {
	state uint32

	treeID uint32
	addr   *PageAddr // nil when the page was deleted and never written
	page   *Page

	// delTxnID stamps the logical deletion when the ref was deleted;
	// used to rebuild the tombstone view on re-read.
	delTxnID uint64
}

// NewRef returns a reference to an on-disk page.
func NewRef(treeID uint32, addr PageAddr) *Ref {
	return &Ref{state: uint32(RefDisk), treeID: treeID, addr: &addr}
}

// NewDeletedRef returns a reference to a logically deleted page. A nil
// addr means the page was deleted before it was ever written.
func NewDeletedRef(treeID uint32, addr *PageAddr, delTxnID uint64) *Ref {
	return &Ref{state: uint32(RefDeleted), treeID: treeID, addr: addr, delTxnID: delTxnID}
}

// State loads the current state with acquire semantics.
func (r *Ref) State() RefState {
	return RefState(atomic.LoadUint32(&r.state))
}

// Page returns the materialized page. Valid only while State is RefMem.
func (r *Ref) Page() *Page { return r.page }

func (r *Ref) casState(old, new RefState) bool {
	return atomic.CompareAndSwapUint32(&r.state, uint32(old), uint32(new))
}

// publishState store-releases a new state. Publication to RefMem makes
// every other Ref field visible to acquire-loading observers.
func (r *Ref) publishState(s RefState) {
	atomic.StoreUint32(&r.state, uint32(s))
}
