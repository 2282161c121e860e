package bptree

import (
	"latchdb/buffer"
	"latchdb/common"
)

// Iterator walks a tree's leaves in ascending key order. It holds a read latch on exactly
// one leaf page at a time: advancing past the last entry of a leaf drops that leaf's latch
// before acquiring the next one, so it is never the case that two leaves are held at once.
// Per spec.md §4.4.5 this gives no isolation guarantee against concurrent writers — a
// tree-structural modification (split, merge) occurring after the iterator has moved past a
// page is simply not observed, and one occurring ahead of the iterator may or may not be
// observed depending on timing.
type Iterator struct {
	tree   *BPlusTree
	leaf   *buffer.ReadGuard
	idx    int
	closed bool
}

// NewIterator returns an iterator positioned at the first entry of the tree, in ascending
// key order.
func NewIterator(t *BPlusTree) *Iterator {
	headerGuard := buffer.NewReadGuard(t.pool, t.fetch(t.headerPageID))
	rootID := t.readRoot(headerGuard.Page())
	if rootID == common.InvalidPageID {
		headerGuard.Drop()
		return &Iterator{tree: t, closed: true}
	}

	current := buffer.NewReadGuard(t.pool, t.fetch(rootID))
	headerGuard.Drop()

	for !isLeafPage(current.Page()) {
		n := t.internalView(current.Page())
		next := buffer.NewReadGuard(t.pool, t.fetch(n.ValueAt(0)))
		current.Drop()
		current = next
	}

	return &Iterator{tree: t, leaf: current, idx: 0}
}

// NewIteratorFrom returns an iterator positioned at the first entry whose key is >= key.
func NewIteratorFrom(t *BPlusTree, key Key) *Iterator {
	headerGuard := buffer.NewReadGuard(t.pool, t.fetch(t.headerPageID))
	rootID := t.readRoot(headerGuard.Page())
	if rootID == common.InvalidPageID {
		headerGuard.Drop()
		return &Iterator{tree: t, closed: true}
	}

	current := buffer.NewReadGuard(t.pool, t.fetch(rootID))
	headerGuard.Drop()

	for !isLeafPage(current.Page()) {
		n := t.internalView(current.Page())
		next := buffer.NewReadGuard(t.pool, t.fetch(n.ValueAt(findChildSlot(n, key))))
		current.Drop()
		current = next
	}

	idx, _ := findLeafSlot(t.leafView(current.Page()), key)
	return &Iterator{tree: t, leaf: current, idx: idx}
}

// Next returns the next (key, rid) pair in ascending order, advancing the iterator.
// The returned bool is false (and the other return values are zero) once the end of the
// tree has been reached; after that, Next always returns false.
func (it *Iterator) Next() (Key, RID, bool) {
	if it.closed {
		return nil, RID{}, false
	}

	for {
		leaf := it.tree.leafView(it.leaf.Page())
		if it.idx < leaf.Size() {
			key, rid := leaf.KeyAt(it.idx), leaf.RIDAt(it.idx)
			it.idx++
			return key, rid, true
		}

		nextID := leaf.NextPageID()
		it.leaf.Drop()
		if nextID == common.InvalidPageID {
			it.closed = true
			return nil, RID{}, false
		}
		it.leaf = buffer.NewReadGuard(it.tree.pool, it.tree.fetch(nextID))
		it.idx = 0
	}
}

// Close releases the iterator's held latch, if any. Safe to call more than once, and safe
// to skip if Next has already been driven to exhaustion.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	if it.leaf != nil {
		it.leaf.Drop()
	}
}
