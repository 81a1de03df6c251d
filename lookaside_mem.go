package pagelog

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

type lasItem struct {
	enc []byte
	val LookasideValue
}

func (it *lasItem) Less(than btree.Item) bool {
	return bytes.Compare(it.enc, than.(*lasItem).enc) < 0
}

// MemLookaside is the in-memory lookaside store, used by diskless
// engines and tests. Cursors re-seek on every step, so concurrent
// removals are tolerated the same way the durable store tolerates
// them.
type MemLookaside struct {
	mu      sync.RWMutex
	tree    *btree.BTree
	written bool
}

func NewMemLookaside() *MemLookaside {
	return &MemLookaside{tree: btree.New(16)}
}

func (ls *MemLookaside) Active() bool {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.written
}

func (ls *MemLookaside) Insert(key LookasideKey, value LookasideValue) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.tree.ReplaceOrInsert(&lasItem{enc: key.Encode(), val: value})
	ls.written = true
	return nil
}

func (ls *MemLookaside) NewCursor() (LookasideCursor, error) {
	return &memLasCursor{ls: ls}, nil
}

func (ls *MemLookaside) RemoveBlock(treeID uint32, addr []byte) error {
	cur, err := ls.NewCursor()
	if err != nil {
		return err
	}
	defer cur.Close()
	return removeBlock(cur, treeID, addr)
}

type memLasCursor struct {
	ls      *MemLookaside
	current *lasItem
}

func (c *memLasCursor) SearchNear(key LookasideKey) (int, error) {
	c.ls.mu.RLock()
	defer c.ls.mu.RUnlock()
	target := &lasItem{enc: key.Encode()}
	var found *lasItem
	c.ls.tree.AscendGreaterOrEqual(target, func(it btree.Item) bool {
		found = it.(*lasItem)
		return false
	})
	if found != nil {
		c.current = found
		if bytes.Equal(found.enc, target.enc) {
			return 0, nil
		}
		return 1, nil
	}
	c.ls.tree.DescendLessOrEqual(target, func(it btree.Item) bool {
		found = it.(*lasItem)
		return false
	})
	if found == nil {
		return 0, errors.Wrap(ErrNotFound, "lookaside is empty")
	}
	c.current = found
	return -1, nil
}

func (c *memLasCursor) Next() error {
	if c.current == nil {
		return errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	c.ls.mu.RLock()
	defer c.ls.mu.RUnlock()
	var next *lasItem
	c.ls.tree.AscendGreaterOrEqual(c.current, func(it btree.Item) bool {
		item := it.(*lasItem)
		if bytes.Equal(item.enc, c.current.enc) {
			return true
		}
		next = item
		return false
	})
	if next == nil {
		return errors.Wrap(ErrNotFound, "end of lookaside scan")
	}
	c.current = next
	return nil
}

func (c *memLasCursor) Key() (LookasideKey, error) {
	if c.current == nil {
		return LookasideKey{}, errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	return decodeLookasideKey(c.current.enc)
}

func (c *memLasCursor) Value() (LookasideValue, error) {
	if c.current == nil {
		return LookasideValue{}, errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	return c.current.val, nil
}

func (c *memLasCursor) Remove() error {
	if c.current == nil {
		return errors.Wrap(ErrNotFound, "cursor not positioned")
	}
	c.ls.mu.Lock()
	defer c.ls.mu.Unlock()
	// Delete of an already-removed record returns nil from the tree;
	// the cursor keeps its position either way.
	c.ls.tree.Delete(c.current)
	return nil
}

func (c *memLasCursor) Close() error { return nil }
