package pagelog

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
)

func TestPageFromDiskRowLeaf(t *testing.T) {
	assert := assertion.New(t)

	img := EncodeRowLeaf([]KVPair{
		{Key: []byte("alpha"), Value: []byte("1")},
		{Key: []byte("beta"), Value: []byte("2")},
	}, PageHasSpilledUpdates, SnappyCompress)

	page, err := pageFromDisk(&DiskBuffer{data: img}, SnappyDeCompress)
	assert.NoError(err)
	assert.Equal(PageRowLeaf, page.Type())
	assert.True(page.HasSpilledUpdates())
	assert.Len(page.rows, 2)

	ent, err := page.searchRow([]byte("beta"))
	assert.NoError(err)
	assert.Equal([]byte("2"), ent.value)

	_, err = page.searchRow([]byte("gamma"))
	assert.True(errors.Is(err, ErrNotFound))
}

func TestPageFromDiskColumn(t *testing.T) {
	assert := assertion.New(t)

	img := EncodeColPage(PageColVar,
		[]uint64{3, 9}, [][]byte{[]byte("v3"), []byte("v9")}, 0, nil)

	page, err := pageFromDisk(&DiskBuffer{data: img}, nil)
	assert.NoError(err)
	assert.Equal(PageColVar, page.Type())
	assert.False(page.HasSpilledUpdates())

	ent, err := page.searchCol(9)
	assert.NoError(err)
	assert.Equal([]byte("v9"), ent.value)

	_, err = page.searchCol(4)
	assert.True(errors.Is(err, ErrNotFound))
}

func TestPageFromDiskCorrupt(t *testing.T) {
	assert := assertion.New(t)

	_, err := pageFromDisk(&DiskBuffer{data: []byte{1, 2, 3}}, nil)
	assert.True(errors.Is(err, ErrFormat))

	img := EncodeRowLeaf([]KVPair{{Key: []byte("k"), Value: []byte("v")}}, 0, nil)
	img[len(img)-1] ^= 0xFF
	_, err = pageFromDisk(&DiskBuffer{data: img}, nil)
	assert.True(errors.Is(err, ErrFormat))

	img = EncodeRowLeaf([]KVPair{{Key: []byte("k"), Value: []byte("v")}}, 0, SnappyCompress)
	_, err = pageFromDisk(&DiskBuffer{data: img}, nil)
	assert.True(errors.Is(err, ErrFormat))
}

func TestPageInstantiateDeleted(t *testing.T) {
	assert := assertion.New(t)

	img := EncodeRowLeaf([]KVPair{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}, 0, nil)
	page, err := pageFromDisk(&DiskBuffer{data: img}, nil)
	assert.NoError(err)

	assert.NoError(page.instantiateDeleted(33))
	for _, key := range [][]byte{[]byte("a"), []byte("b")} {
		upd := page.RowChain(key)
		assert.NotNil(upd)
		assert.True(upd.Tombstone)
		assert.Equal(uint64(33), upd.TxnID)
	}
}

func TestPageDiscard(t *testing.T) {
	assert := assertion.New(t)

	img := EncodeRowLeaf([]KVPair{{Key: []byte("a"), Value: []byte("1")}}, 0, nil)
	page, err := pageFromDisk(&DiskBuffer{data: img}, nil)
	assert.NoError(err)
	assert.NoError(page.attachRowChain([]byte("a"), &Update{TxnID: 5, Value: []byte("x")}))

	page.discard()
	assert.Nil(page.rows)
	assert.Nil(page.disk)
}
