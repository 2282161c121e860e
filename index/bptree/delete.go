package bptree

import (
	"fmt"

	"latchdb/buffer"
	"latchdb/common"
)

// Delete removes key if present, returning whether it was found. Implements the
// write-latch-throughout descent and borrow-then-merge rebalancing of spec.md §4.4.4.
func (t *BPlusTree) Delete(key Key) bool {
	headerGuard := buffer.NewWriteGuard(t.pool, t.fetch(t.headerPageID))
	headerHeld := true

	rootID := t.readRoot(headerGuard.PageForRead())
	if rootID == common.InvalidPageID {
		headerGuard.Drop()
		return false
	}

	stack := []*buffer.WriteGuard{buffer.NewWriteGuard(t.pool, t.fetch(rootID))}

	for {
		if safeForDelete(stack[len(stack)-1].PageForRead(), t.leafMin, t.internalMin) {
			kept := stack[len(stack)-1]
			releaseAll(stack[:len(stack)-1])
			stack = []*buffer.WriteGuard{kept}
			if headerHeld {
				headerGuard.Drop()
				headerHeld = false
			}
		}

		top := stack[len(stack)-1]
		if isLeafPage(top.PageForRead()) {
			break
		}

		n := t.internalView(top.PageForRead())
		childID := n.ValueAt(findChildSlot(n, key))
		child := buffer.NewWriteGuard(t.pool, t.fetch(childID))
		stack = append(stack, child)
	}

	leafGuard := stack[len(stack)-1]
	stack = stack[:len(stack)-1] // ancestors, if any, still to be consulted for rebalancing

	leaf := t.leafView(leafGuard.PageForRead())
	idx, found := findLeafSlot(leaf, key)
	if !found {
		leafGuard.Drop()
		releaseAll(stack)
		if headerHeld {
			headerGuard.Drop()
		}
		return false
	}

	leaf = t.leafView(leafGuard.PageForWrite())
	leaf.DeleteAt(idx)

	if len(stack) == 0 {
		// no ancestor is held: either the leaf is the root, or it was safe for delete and so
		// still holds at least leafMin entries. An underflowing root leaf is still valid per
		// spec.md §4.4.1, but an empty one means the tree itself is now empty (spec.md
		// §4.4.4) — reset the header's root pointer and free the old root page, mirroring
		// the internal-collapse case below.
		if leaf.Size() == 0 {
			common.Assert(headerHeld, "root leaf emptied but header guard was already released")
			oldRootID := leafGuard.PageForRead().ID()
			leafGuard.Drop()
			t.writeRoot(headerGuard.PageForWrite(), common.InvalidPageID)
			t.pool.DeletePage(oldRootID)
			headerGuard.Drop()
			return true
		}
		leafGuard.Drop()
		if headerHeld {
			headerGuard.Drop()
		}
		return true
	}
	if leaf.Size() >= t.leafMin {
		leafGuard.Drop()
		releaseAll(stack)
		if headerHeld {
			headerGuard.Drop()
		}
		return true
	}

	t.rebalance(stack, headerGuard, headerHeld, leafGuard, true)
	return true
}

// rebalance handles an underflowed leaf or internal node during borrow/merge; it dispatches
// on the isLeaf argument to call the right accessor set.
// stack holds only B+-tree internal-node ancestors of underflowed; headerGuard/headerHeld
// track the separately-held header page, mirroring insertPessimistic/propagateSplit.
func (t *BPlusTree) rebalance(stack []*buffer.WriteGuard, headerGuard *buffer.WriteGuard, headerHeld bool, underflowed *buffer.WriteGuard, isLeaf bool) {
	for {
		if len(stack) == 0 {
			// underflowed is the root: an underflowing root is still valid (for a leaf, or
			// for an internal node that still has at least one child).
			underflowed.Drop()
			if headerHeld {
				headerGuard.Drop()
			}
			return
		}

		parentGuard := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := t.internalView(parentGuard.PageForWrite())

		idxAtParent := indexOfChild(parent, underflowed.PageForRead().ID())

		var leftSib, rightSib *buffer.WriteGuard
		if idxAtParent > 0 {
			leftSib = buffer.NewWriteGuard(t.pool, t.fetch(parent.ValueAt(idxAtParent-1)))
		}
		if idxAtParent < parent.Size() {
			rightSib = buffer.NewWriteGuard(t.pool, t.fetch(parent.ValueAt(idxAtParent+1)))
		}

		if isLeaf {
			if rightSib != nil && t.leafView(rightSib.PageForRead()).Size() > t.leafMin {
				t.borrowFromRightLeaf(underflowed, rightSib, parent, idxAtParent)
				dropIfNotNil(leftSib)
				rightSib.Drop()
				underflowed.Drop()
				parentGuard.Drop()
				releaseAll(stack)
				if headerHeld {
					headerGuard.Drop()
				}
				return
			}
			if leftSib != nil && t.leafView(leftSib.PageForRead()).Size() > t.leafMin {
				t.borrowFromLeftLeaf(underflowed, leftSib, parent, idxAtParent)
				dropIfNotNil(rightSib)
				leftSib.Drop()
				underflowed.Drop()
				parentGuard.Drop()
				releaseAll(stack)
				if headerHeld {
					headerGuard.Drop()
				}
				return
			}
		} else {
			if rightSib != nil && t.internalView(rightSib.PageForRead()).Size() > t.internalMin {
				t.borrowFromRightInternal(underflowed, rightSib, parent, idxAtParent)
				dropIfNotNil(leftSib)
				rightSib.Drop()
				underflowed.Drop()
				parentGuard.Drop()
				releaseAll(stack)
				if headerHeld {
					headerGuard.Drop()
				}
				return
			}
			if leftSib != nil && t.internalView(leftSib.PageForRead()).Size() > t.internalMin {
				t.borrowFromLeftInternal(underflowed, leftSib, parent, idxAtParent)
				dropIfNotNil(rightSib)
				leftSib.Drop()
				underflowed.Drop()
				parentGuard.Drop()
				releaseAll(stack)
				if headerHeld {
					headerGuard.Drop()
				}
				return
			}
		}

		// no eligible sibling to borrow from: merge instead.
		var survivor *buffer.WriteGuard
		var freedID uint64
		if rightSib != nil {
			if isLeaf {
				t.mergeLeaves(underflowed, rightSib, parent, idxAtParent)
			} else {
				t.mergeInternals(underflowed, rightSib, parent, idxAtParent)
			}
			survivor = underflowed
			freedID = rightSib.PageForRead().ID()
			rightSib.Drop()
			dropIfNotNil(leftSib)
		} else if leftSib != nil {
			if isLeaf {
				t.mergeLeaves(leftSib, underflowed, parent, idxAtParent-1)
			} else {
				t.mergeInternals(leftSib, underflowed, parent, idxAtParent-1)
			}
			survivor = leftSib
			freedID = underflowed.PageForRead().ID()
			dropIfNotNil(rightSib)
			underflowed.Drop()
		} else {
			common.Assert(isLeaf, "internal node with no siblings to merge or borrow from")
			underflowed.Drop()
			parentGuard.Drop()
			releaseAll(stack)
			if headerHeld {
				headerGuard.Drop()
			}
			return
		}

		t.pool.DeletePage(freedID)

		if len(stack) == 0 {
			// no ancestor above parent is held: parent is either the root or a node that was
			// safe for delete. Collapse if merging left it with no separator keys, i.e. a
			// single remaining child (only the root can reach zero keys here).
			if parent.Size() == 0 {
				newRootID := survivor.PageForRead().ID()
				oldRootID := parentGuard.PageForRead().ID()
				survivor.Drop()
				t.writeRoot(headerGuard.PageForWrite(), newRootID)
				parentGuard.Drop()
				t.pool.DeletePage(oldRootID)
				if headerHeld {
					headerGuard.Drop()
				}
				return
			}
			survivor.Drop()
			parentGuard.Drop()
			if headerHeld {
				headerGuard.Drop()
			}
			return
		}

		if parent.Size() >= t.internalMin {
			survivor.Drop()
			parentGuard.Drop()
			releaseAll(stack)
			if headerHeld {
				headerGuard.Drop()
			}
			return
		}

		// parent itself underflowed: continue rebalancing one level up.
		survivor.Drop()
		underflowed = parentGuard
		isLeaf = false
	}
}

func dropIfNotNil(g *buffer.WriteGuard) {
	if g != nil {
		g.Drop()
	}
}

// indexOfChild returns the slot in parent whose pointer equals childID.
func indexOfChild(parent internalNode, childID uint64) int {
	for i := 0; i <= parent.Size(); i++ {
		if parent.ValueAt(i) == childID {
			return i
		}
	}
	panic(fmt.Sprintf("bptree: child page %d not found among parent's pointers", childID))
}

// borrowFromRightLeaf moves the right sibling's first entry into left, shifting the
// separator in parent to the new first key of right.
func (t *BPlusTree) borrowFromRightLeaf(left, right *buffer.WriteGuard, parent internalNode, leftIdx int) {
	l := t.leafView(left.PageForWrite())
	r := t.leafView(right.PageForWrite())
	l.InsertAt(l.Size(), r.KeyAt(0), r.RIDAt(0))
	r.DeleteAt(0)
	parent.setKeyAt(leftIdx+1, r.KeyAt(0))
}

func (t *BPlusTree) borrowFromLeftLeaf(right, left *buffer.WriteGuard, parent internalNode, rightIdx int) {
	l := t.leafView(left.PageForWrite())
	r := t.leafView(right.PageForWrite())
	last := l.Size() - 1
	r.InsertAt(0, l.KeyAt(last), l.RIDAt(last))
	l.DeleteAt(last)
	parent.setKeyAt(rightIdx, r.KeyAt(0))
}

// borrowFromRightInternal rotates the right sibling's sentinel pointer and the parent's
// separator into left, promoting the right sibling's first real key up to the parent.
func (t *BPlusTree) borrowFromRightInternal(left, right *buffer.WriteGuard, parent internalNode, leftIdx int) {
	l := t.internalView(left.PageForWrite())
	r := t.internalView(right.PageForWrite())

	sep := parent.KeyAt(leftIdx + 1)
	movedChild := r.ValueAt(0)
	newSep := r.KeyAt(1)
	newSentinel := r.ValueAt(1)
	r.DeleteAt(1)
	r.setValueAt(0, newSentinel)
	l.InsertAt(l.Size()+1, sep, movedChild)
	parent.setKeyAt(leftIdx+1, newSep)
}

func (t *BPlusTree) borrowFromLeftInternal(right, left *buffer.WriteGuard, parent internalNode, rightIdx int) {
	l := t.internalView(left.PageForWrite())
	r := t.internalView(right.PageForWrite())

	sep := parent.KeyAt(rightIdx)
	lastKeyIdx := l.Size()
	lastKey := l.KeyAt(lastKeyIdx)
	lastChild := l.ValueAt(lastKeyIdx)
	oldSentinel := r.ValueAt(0)
	r.InsertAt(1, sep, oldSentinel)
	r.setValueAt(0, lastChild)
	l.DeleteAt(lastKeyIdx)
	parent.setKeyAt(rightIdx, lastKey)
}

// mergeLeaves absorbs right's entries into left and removes the separator between them
// from parent (at slot leftIdx+1).
func (t *BPlusTree) mergeLeaves(left, right *buffer.WriteGuard, parent internalNode, leftIdx int) {
	l := t.leafView(left.PageForWrite())
	r := t.leafView(right.PageForWrite())
	base := l.Size()
	for i := 0; i < r.Size(); i++ {
		l.InsertAt(base+i, r.KeyAt(i), r.RIDAt(i))
	}
	l.SetNextPageID(r.NextPageID())
	parent.DeleteAt(leftIdx + 1)
}

// mergeInternals absorbs right's sentinel pointer (as a new real separator pulled down
// from parent) and its remaining keys/pointers into left, then removes the consumed
// separator from parent.
func (t *BPlusTree) mergeInternals(left, right *buffer.WriteGuard, parent internalNode, leftIdx int) {
	l := t.internalView(left.PageForWrite())
	r := t.internalView(right.PageForWrite())

	sep := parent.KeyAt(leftIdx + 1)
	base := l.Size() + 1
	l.InsertAt(base, sep, r.ValueAt(0))
	for i := 1; i <= r.Size(); i++ {
		l.InsertAt(base+i, r.KeyAt(i), r.ValueAt(i))
	}
	parent.DeleteAt(leftIdx + 1)
}
