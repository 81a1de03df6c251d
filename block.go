package pagelog

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// PageAddr locates a block in the data file.
type PageAddr struct {
	Offset int64
	Size   uint32
}

// Encode returns the address cookie used as the lookaside block
// prefix. Cookies of equal-size addresses compare byte for byte.
func (a PageAddr) Encode() []byte {
	var buf [binary.MaxVarintLen64 * 2]byte
	n := binary.PutUvarint(buf[:], uint64(a.Offset))
	n += binary.PutUvarint(buf[n:], uint64(a.Size))
	return buf[:n]
}

func DecodePageAddr(cookie []byte) (PageAddr, error) {
	off, n := binary.Uvarint(cookie)
	if n <= 0 {
		return PageAddr{}, errors.Wrap(ErrFormat, "bad address cookie: offset")
	}
	size, m := binary.Uvarint(cookie[n:])
	if m <= 0 {
		return PageAddr{}, errors.Wrap(ErrFormat, "bad address cookie: size")
	}
	return PageAddr{Offset: int64(off), Size: uint32(size)}, nil
}

// BlockReader fetches raw page bytes by address.
type BlockReader interface {
	// ReadBlock yields either owned bytes or a borrowed slice of the
	// mapped region.
	ReadBlock(addr PageAddr) (*DiskBuffer, error)
}

// fileBlockReader reads blocks from the flock'd data file, serving
// from the read-only mmap when it covers the address.
type fileBlockReader struct {
	file *os.File
	data []byte // mmap'd readonly, write throws SEGV
}

func (r *fileBlockReader) ReadBlock(addr PageAddr) (*DiskBuffer, error) {
	end := addr.Offset + int64(addr.Size)
	if r.data != nil && end <= int64(len(r.data)) {
		return &DiskBuffer{data: r.data[addr.Offset:end], mapped: true}, nil
	}
	buf := make([]byte, addr.Size)
	if _, err := r.file.ReadAt(buf, addr.Offset); err != nil {
		return nil, errors.Wrapf(ErrIo, "block read at %d/%d: %v", addr.Offset, addr.Size, err)
	}
	return &DiskBuffer{data: buf}, nil
}
