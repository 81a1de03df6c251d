package pagelog

import (
	"bytes"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestPageCompressSnappy(t *testing.T) {
	assert := assertion.New(t)
	payload := bytes.Repeat([]byte("pagelogpagelog"), 64)
	out, err := SnappyDeCompress(SnappyCompress(payload))
	assert.NoError(err)
	assert.Equal(payload, out)
}

func TestPageCompressLz4(t *testing.T) {
	assert := assertion.New(t)
	payload := bytes.Repeat([]byte("pagelogpagelog"), 64)
	out, err := Lz4DeCompress(Lz4Compress(payload))
	assert.NoError(err)
	assert.Equal(payload, out)
}

func TestCompressorFor(t *testing.T) {
	assert := assertion.New(t)

	c, d, err := compressorFor(CompSnappy)
	assert.NoError(err)
	assert.NotNil(c)
	assert.NotNil(d)

	c, d, err = compressorFor(CompNone)
	assert.NoError(err)
	assert.Nil(c)
	assert.Nil(d)

	_, _, err = compressorFor(CompressAlgorithm(99))
	assert.Error(err)
}
