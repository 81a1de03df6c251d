package pagelog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
)

// pagelogMagic = "PLOG" read as a little-endian u32; encodePage writes
// it big-endian, so the on-disk bytes read "GOLP".
const pagelogMagic uint32 = 0x474F4C50

const pageVersion uint16 = 1

type PageType uint8

const (
	// fixed-width column page: entries keyed by record number
	PageColFix PageType = 1 + iota
	// variable-width column page
	PageColVar
	// row-store leaf page: entries keyed by raw bytes
	PageRowLeaf
)

func (t PageType) String() string {
	switch t {
	case PageColFix:
		return "col-fix"
	case PageColVar:
		return "col-var"
	case PageRowLeaf:
		return "row-leaf"
	}
	return "unknown"
}

const (
	// PageHasSpilledUpdates marks a disk image whose not-yet-visible
	// updates were spilled to the lookaside table at eviction time.
	PageHasSpilledUpdates uint16 = 1 << iota
	// PageCompressed marks a compressed payload.
	PageCompressed
)

// Update is one versioned modification of a page entry. Updates form a
// singly linked chain per entry, owned by the page that holds the head
// and freed when the page is discarded.
type Update struct {
	TxnID     uint64
	Size      uint32
	Value     []byte
	Tombstone bool
	Next      *Update
}

func newUpdate(val LookasideValue) *Update {
	upd := &Update{TxnID: val.TxnID, Size: val.Size}
	if val.IsTombstone() {
		upd.Tombstone = true
		upd.Size = 0
	} else {
		upd.Value = val.Value
	}
	return upd
}

func (u *Update) memSize() uint64 {
	return uint64(unsafe.Sizeof(*u)) + uint64(len(u.Value))
}

// freeUpdates severs and drops an update chain.
func freeUpdates(u *Update) {
	for u != nil {
		next := u.Next
		u.Value = nil
		u.Next = nil
		u = next
	}
}

// DiskBuffer holds raw page bytes: either allocated (owned) or a
// borrowed read-only slice of the mapped data file.
type DiskBuffer struct {
	data   []byte
	mapped bool
}

func (b *DiskBuffer) Mapped() bool { return b.mapped }

func (b *DiskBuffer) free() {
	if !b.mapped {
		b.data = nil
	}
}

type rowEntry struct {
	key   []byte
	value []byte
	upd   *Update
}

type colEntry struct {
	recno uint64
	value []byte
	upd   *Update
}

// Page is the in-memory image of an on-disk page.
type Page struct {
	typ   PageType
	flags uint16

	rows []rowEntry
	cols []colEntry

	disk *DiskBuffer

	memSize uint64
	dirty   uint32
}

func (p *Page) Type() PageType { return p.typ }

func (p *Page) HasSpilledUpdates() bool { return hasFlag(p.flags, PageHasSpilledUpdates) }

func (p *Page) MemSize() uint64 { return atomic.LoadUint64(&p.memSize) }

func (p *Page) incrMemSize(n uint64) { atomic.AddUint64(&p.memSize, n) }

func (p *Page) IsDirty() bool { return atomic.LoadUint32(&p.dirty) != 0 }

func (p *Page) setDirty() { atomic.StoreUint32(&p.dirty, 1) }

func (p *Page) clearDirty() { atomic.StoreUint32(&p.dirty, 0) }

// searchRow finds the row entry for key. Entries are in lexicographic
// key order; a match must agree in length and byte for byte.
func (p *Page) searchRow(key []byte) (*rowEntry, error) {
	i := sort.Search(len(p.rows), func(i int) bool {
		return BytesComparator(p.rows[i].key, key) >= 0
	})
	if i < len(p.rows) && len(p.rows[i].key) == len(key) && bytes.Equal(p.rows[i].key, key) {
		return &p.rows[i], nil
	}
	return nil, errors.Wrapf(ErrNotFound, "row key %x not on page", key)
}

// searchCol finds the column entry for recno.
func (p *Page) searchCol(recno uint64) (*colEntry, error) {
	i := sort.Search(len(p.cols), func(i int) bool {
		return p.cols[i].recno >= recno
	})
	if i < len(p.cols) && p.cols[i].recno == recno {
		return &p.cols[i], nil
	}
	return nil, errors.Wrapf(ErrNotFound, "record %d not on page", recno)
}

// attachRowChain searches the page for key and attaches head as the
// entry's update chain, ahead of any chain already present.
func (p *Page) attachRowChain(key []byte, head *Update) error {
	ent, err := p.searchRow(key)
	if err != nil {
		return err
	}
	ent.upd = linkChains(head, ent.upd)
	return nil
}

// attachColChain searches the page for recno and attaches head as the
// entry's update chain, ahead of any chain already present.
func (p *Page) attachColChain(recno uint64, head *Update) error {
	ent, err := p.searchCol(recno)
	if err != nil {
		return err
	}
	ent.upd = linkChains(head, ent.upd)
	return nil
}

func linkChains(head, rest *Update) *Update {
	if head == nil {
		return rest
	}
	tail := head
	for tail.Next != nil {
		tail = tail.Next
	}
	tail.Next = rest
	return head
}

// RowChain returns the update chain head for a row key, nil when none.
func (p *Page) RowChain(key []byte) *Update {
	ent, err := p.searchRow(key)
	if err != nil {
		return nil
	}
	return ent.upd
}

// ColChain returns the update chain head for a record number.
func (p *Page) ColChain(recno uint64) *Update {
	ent, err := p.searchCol(recno)
	if err != nil {
		return nil
	}
	return ent.upd
}

// instantiateDeleted rebuilds the tombstone view of a logically
// deleted page: every entry gets a deletion update stamped with the
// deleting transaction.
func (p *Page) instantiateDeleted(delTxnID uint64) error {
	var incr uint64
	switch p.typ {
	case PageRowLeaf:
		for i := range p.rows {
			upd := &Update{TxnID: delTxnID, Tombstone: true, Next: p.rows[i].upd}
			p.rows[i].upd = upd
			incr += upd.memSize()
		}
	case PageColFix, PageColVar:
		for i := range p.cols {
			upd := &Update{TxnID: delTxnID, Tombstone: true, Next: p.cols[i].upd}
			p.cols[i].upd = upd
			incr += upd.memSize()
		}
	default:
		return errors.Wrapf(ErrFormat, "cannot re-delete page of type %d", p.typ)
	}
	p.incrMemSize(incr)
	return nil
}

// discard frees the page image: update chains, entries, and any owned
// disk buffer.
func (p *Page) discard() {
	for i := range p.rows {
		freeUpdates(p.rows[i].upd)
		p.rows[i] = rowEntry{}
	}
	for i := range p.cols {
		freeUpdates(p.cols[i].upd)
		p.cols[i] = colEntry{}
	}
	p.rows = nil
	p.cols = nil
	if p.disk != nil {
		p.disk.free()
		p.disk = nil
	}
}

// newEmptyLeafPage synthesizes an empty row leaf for a deleted ref
// whose name space is being recreated with no backing address.
func newEmptyLeafPage() *Page {
	return &Page{typ: PageRowLeaf}
}

// page disk layout:
//
//	magic    u32
//	version  u16
//	type     u8
//	flags    u16
//	count    u32
//	checksum u32 (crc32 of payload)
//	payload  (compressed when PageCompressed is set)
//
// row-leaf payload cells: uvarint klen | key | uvarint vlen | value
// column payload cells:   uvarint recno | uvarint vlen | value
const pageHeaderSize = 4 + 2 + 1 + 2 + 4 + 4

// pageFromDisk parses raw page bytes into the in-memory image. The
// payload is not copied when the buffer is mapped and uncompressed. On
// failure the caller owns the discard of the buffer.
func pageFromDisk(buf *DiskBuffer, decompress DeCompressor) (*Page, error) {
	data := buf.data
	if len(data) < pageHeaderSize {
		return nil, errors.Wrapf(ErrFormat, "page image truncated: %d bytes", len(data))
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != pagelogMagic {
		return nil, errors.Wrapf(ErrFormat, "bad page magic %#x", magic)
	}
	if ver := binary.BigEndian.Uint16(data[4:6]); ver != pageVersion {
		return nil, errors.Wrapf(ErrFormat, "unsupported page version %d", ver)
	}
	typ := PageType(data[6])
	flags := binary.BigEndian.Uint16(data[7:9])
	count := binary.BigEndian.Uint32(data[9:13])
	sum := binary.BigEndian.Uint32(data[13:17])

	payload := data[pageHeaderSize:]
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errors.Wrap(ErrFormat, "page checksum mismatch")
	}
	if hasFlag(flags, PageCompressed) {
		if decompress == nil {
			return nil, errors.Wrap(ErrFormat, "page is compressed but no decompressor is configured")
		}
		var err error
		payload, err = decompress(payload)
		if err != nil {
			return nil, errors.Wrap(ErrFormat, "page decompression failed")
		}
	}

	page := &Page{typ: typ, flags: flags, disk: buf}
	cur := cellCursor{buf: payload}
	switch typ {
	case PageRowLeaf:
		page.rows = make([]rowEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			key, err := cur.sizedBytes()
			if err != nil {
				return nil, errors.Wrapf(err, "row cell %d: key", i)
			}
			value, err := cur.sizedBytes()
			if err != nil {
				return nil, errors.Wrapf(err, "row cell %d: value", i)
			}
			page.rows = append(page.rows, rowEntry{key: key, value: value})
		}
	case PageColFix, PageColVar:
		page.cols = make([]colEntry, 0, count)
		for i := uint32(0); i < count; i++ {
			recno, err := cur.uvarint()
			if err != nil {
				return nil, errors.Wrapf(err, "col cell %d: recno", i)
			}
			value, err := cur.sizedBytes()
			if err != nil {
				return nil, errors.Wrapf(err, "col cell %d: value", i)
			}
			page.cols = append(page.cols, colEntry{recno: recno, value: value})
		}
	default:
		return nil, errors.Wrapf(ErrFormat, "unknown page type %d", typ)
	}
	page.incrMemSize(uint64(len(payload)))
	return page, nil
}

// cellCursor steps through a page payload without copying cell bytes.
type cellCursor struct {
	buf []byte
	off int
}

func (c *cellCursor) uvarint() (uint64, error) {
	v, n := binary.Uvarint(c.buf[c.off:])
	if n <= 0 {
		return 0, errors.Wrap(ErrFormat, "truncated varint")
	}
	c.off += n
	return v, nil
}

func (c *cellCursor) sizedBytes() ([]byte, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(c.buf)-c.off) < n {
		return nil, errors.Wrap(ErrFormat, "cell overruns payload")
	}
	b := c.buf[c.off : c.off+int(n)]
	c.off += int(n)
	return b, nil
}

// EncodeRowLeaf builds the disk image of a row leaf. Cells must be in
// key order. Used by page writers and test fixtures.
func EncodeRowLeaf(cells []KVPair, flags uint16, compress Compressor) []byte {
	payload := &bytes.Buffer{}
	var tmp [binary.MaxVarintLen64]byte
	for _, cell := range cells {
		n := binary.PutUvarint(tmp[:], uint64(len(cell.Key)))
		payload.Write(tmp[:n])
		payload.Write(cell.Key)
		n = binary.PutUvarint(tmp[:], uint64(len(cell.Value)))
		payload.Write(tmp[:n])
		payload.Write(cell.Value)
	}
	return encodePage(PageRowLeaf, flags, uint32(len(cells)), payload.Bytes(), compress)
}

// EncodeColPage builds the disk image of a column page.
func EncodeColPage(typ PageType, recnos []uint64, values [][]byte, flags uint16, compress Compressor) []byte {
	payload := &bytes.Buffer{}
	var tmp [binary.MaxVarintLen64]byte
	for i, recno := range recnos {
		n := binary.PutUvarint(tmp[:], recno)
		payload.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(len(values[i])))
		payload.Write(tmp[:n])
		payload.Write(values[i])
	}
	return encodePage(typ, flags, uint32(len(recnos)), payload.Bytes(), compress)
}

func encodePage(typ PageType, flags uint16, count uint32, payload []byte, compress Compressor) []byte {
	if compress != nil {
		flags = setFlag(flags, PageCompressed)
		payload = compress(payload)
	} else {
		flags = clearFlag(flags, PageCompressed)
	}
	out := make([]byte, pageHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], pagelogMagic)
	binary.BigEndian.PutUint16(out[4:6], pageVersion)
	out[6] = byte(typ)
	binary.BigEndian.PutUint16(out[7:9], flags)
	binary.BigEndian.PutUint32(out[9:13], count)
	binary.BigEndian.PutUint32(out[13:17], crc32.ChecksumIEEE(payload))
	copy(out[pageHeaderSize:], payload)
	return out
}

// KVPair is one row-leaf cell.
type KVPair struct {
	Key   []byte
	Value []byte
}
