package pagelog

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

// CompressAlgorithm selects how page-image payloads are compressed on
// disk. The page header stays uncompressed so a reader can parse it
// before choosing a codec.
type CompressAlgorithm uint16

const (
	CompSnappy CompressAlgorithm = iota // default
	CompNone
	CompLz4
)

// Compressor shrinks a page-image payload; DeCompressor restores it.
type Compressor func(image []byte) []byte
type DeCompressor func(image []byte) ([]byte, error)

// compressorFor returns the codec pair for a page-image compression
// algorithm. CompNone yields nil functions and the payload is stored
// as-is.
func compressorFor(alg CompressAlgorithm) (Compressor, DeCompressor, error) {
	switch alg {
	case CompSnappy:
		return SnappyCompress, SnappyDeCompress, nil
	case CompLz4:
		return Lz4Compress, Lz4DeCompress, nil
	case CompNone:
		return nil, nil, nil
	}
	return nil, nil, errors.Wrapf(ErrFormat, "unknown compression algorithm %d", alg)
}

func SnappyCompress(image []byte) []byte {
	return snappy.Encode(nil, image)
}

func SnappyDeCompress(image []byte) ([]byte, error) {
	return snappy.Decode(nil, image)
}

// Lz4Compress frames the payload with the lz4 stream writer. Stream
// checksums are skipped: the page header carries its own crc32 over
// the stored payload.
func Lz4Compress(image []byte) []byte {
	buf := &bytes.Buffer{}
	writer := lz4.NewWriter(buf)
	defer writer.Close()
	writer.NoChecksum = true
	if _, err := writer.Write(image); err != nil {
		panic(err)
	}
	_ = writer.Flush()
	return buf.Bytes()
}

func Lz4DeCompress(image []byte) ([]byte, error) {
	out := &bytes.Buffer{}
	_, err := out.ReadFrom(lz4.NewReader(bytes.NewReader(image)))
	return out.Bytes(), err
}
