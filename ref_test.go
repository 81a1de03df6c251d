package pagelog

import (
	"sync"
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestRefStateTransitions(t *testing.T) {
	assert := assertion.New(t)

	ref := NewRef(1, PageAddr{Offset: 0, Size: 64})
	assert.Equal(RefDisk, ref.State())

	// fault winner
	assert.True(ref.casState(RefDisk, RefReading))
	assert.Equal(RefReading, ref.State())

	// second CAS on the same transition loses
	assert.False(ref.casState(RefDisk, RefReading))

	// failure rollback
	ref.publishState(RefDisk)
	assert.Equal(RefDisk, ref.State())

	// success path
	assert.True(ref.casState(RefDisk, RefReading))
	ref.publishState(RefMem)
	assert.Equal(RefMem, ref.State())
}

func TestRefDeletedTransitions(t *testing.T) {
	assert := assertion.New(t)

	addr := PageAddr{Offset: 128, Size: 64}
	ref := NewDeletedRef(1, &addr, 9)
	assert.Equal(RefDeleted, ref.State())

	assert.False(ref.casState(RefDisk, RefReading))
	assert.True(ref.casState(RefDeleted, RefLocked))
	ref.publishState(RefDeleted)
	assert.Equal(RefDeleted, ref.State())
}

func TestRefCASSingleWinner(t *testing.T) {
	assert := assertion.New(t)

	for round := 0; round < 50; round++ {
		ref := NewRef(1, PageAddr{Size: 64})
		var wg sync.WaitGroup
		winners := make(chan int, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if ref.casState(RefDisk, RefReading) {
					winners <- id
				}
			}(i)
		}
		wg.Wait()
		close(winners)
		count := 0
		for range winners {
			count++
		}
		assert.Equal(1, count)
	}
}

func TestRefStateString(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal("DISK", RefDisk.String())
	assert.Equal("READING", RefReading.String())
	assert.Equal("LOCKED", RefLocked.String())
	assert.Equal("MEM", RefMem.String())
	assert.Equal("DELETED", RefDeleted.String())
	assert.Equal("SPLIT", RefSplit.String())
}
