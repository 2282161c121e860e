package bptree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"latchdb/buffer"
	"latchdb/common"
	"latchdb/storage/page"
)

// ErrDuplicateKey is returned by Insert when the key already exists. Per spec.md §4.4.6
// this is recoverable: it surfaces to the caller without any structural change.
var ErrDuplicateKey = errors.New("bptree: duplicate key")

// BPlusTree is an ordered (Key, RID) map with concurrent point lookup, unique-key insert,
// delete and forward range iteration, implemented with latch-coupling (crabbing) per
// spec.md §4.4. It holds no page permanently pinned outside of an in-flight operation; all
// residency is mediated by the buffer pool.
type BPlusTree struct {
	pool *buffer.BufferPool
	ks   KeySerializer

	leafMax, leafMin         int // max/min leaf entries (min does not bind the root)
	internalMax, internalMin int // max/min internal separator keys (min does not bind the root)

	headerPageID uint64
}

// NewBPlusTree creates an empty tree. leafMaxSize is L and internalMaxSize is I in spec.md
// §4.4.1's notation (the internal node's *pointer* capacity, not its key capacity).
func NewBPlusTree(pool *buffer.BufferPool, ks KeySerializer, leafMaxSize, internalMaxSize int) (*BPlusTree, error) {
	hp, ok := pool.NewPage()
	if !ok {
		return nil, fmt.Errorf("bptree: cannot allocate header page")
	}
	binary.BigEndian.PutUint64(hp.Data()[0:8], common.InvalidPageID)
	headerID := hp.ID()
	pool.UnpinPage(headerID, true)

	return &BPlusTree{
		pool:         pool,
		ks:           ks,
		leafMax:      leafMaxSize,
		leafMin:      (leafMaxSize + 1) / 2,
		internalMax:  internalMaxSize - 1,
		internalMin:  (internalMaxSize+1)/2 - 1,
		headerPageID: headerID,
	}, nil
}

// OpenBPlusTree reattaches to a tree whose header page is already headerPageID (e.g. after
// a process restart, given the id was persisted by the catalog layer).
func OpenBPlusTree(pool *buffer.BufferPool, ks KeySerializer, leafMaxSize, internalMaxSize int, headerPageID uint64) *BPlusTree {
	return &BPlusTree{
		pool:         pool,
		ks:           ks,
		leafMax:      leafMaxSize,
		leafMin:      (leafMaxSize + 1) / 2,
		internalMax:  internalMaxSize - 1,
		internalMin:  (internalMaxSize+1)/2 - 1,
		headerPageID: headerPageID,
	}
}

func (t *BPlusTree) HeaderPageID() uint64 { return t.headerPageID }

func (t *BPlusTree) readRoot(p *page.Page) uint64 {
	return binary.BigEndian.Uint64(p.Data()[0:8])
}

func (t *BPlusTree) writeRoot(p *page.Page, id uint64) {
	binary.BigEndian.PutUint64(p.Data()[0:8], id)
}

func (t *BPlusTree) fetch(id uint64) *page.Page {
	p, ok := t.pool.FetchPage(id)
	if !ok {
		panic(fmt.Sprintf("bptree: buffer pool exhausted fetching page %d", id))
	}
	return p
}

func (t *BPlusTree) leafView(p *page.Page) leafNode {
	return newLeafView(p, t.ks, t.leafMax)
}

func (t *BPlusTree) internalView(p *page.Page) internalNode {
	return newInternalView(p, t.ks, t.internalMax)
}

// findLeafSlot binary searches a leaf's keys for key, returning the slot it occupies (if
// found) or the slot it would occupy if inserted.
func findLeafSlot(n leafNode, key Key) (idx int, found bool) {
	lo, hi := 0, n.Size()
	for lo < hi {
		mid := (lo + hi) / 2
		if n.KeyAt(mid).Less(key) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n.Size() {
		k := n.KeyAt(lo)
		if !key.Less(k) && !k.Less(key) {
			found = true
		}
	}
	return lo, found
}

// findChildSlot returns the index of the child pointer that covers key: the largest slot i
// in [1, Size()] whose separator key is <= key, or 0 if key is less than every separator.
func findChildSlot(n internalNode, key Key) int {
	lo, hi := 1, n.Size()
	child := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if !key.Less(n.KeyAt(mid)) {
			child = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return child
}

// Get performs the read-only descent of spec.md §4.4.2: read-latch header, then root, then
// at each internal node binary search to the child, releasing the parent once the child is
// latched.
func (t *BPlusTree) Get(key Key) (RID, bool) {
	headerGuard := buffer.NewReadGuard(t.pool, t.fetch(t.headerPageID))
	rootID := t.readRoot(headerGuard.Page())
	if rootID == common.InvalidPageID {
		headerGuard.Drop()
		return RID{}, false
	}

	current := buffer.NewReadGuard(t.pool, t.fetch(rootID))
	headerGuard.Drop()

	for !isLeafPage(current.Page()) {
		n := t.internalView(current.Page())
		childID := n.ValueAt(findChildSlot(n, key))
		next := buffer.NewReadGuard(t.pool, t.fetch(childID))
		current.Drop()
		current = next
	}

	leaf := t.leafView(current.Page())
	idx, found := findLeafSlot(leaf, key)
	if !found {
		current.Drop()
		return RID{}, false
	}
	rid := leaf.RIDAt(idx)
	current.Drop()
	return rid, true
}

// Insert adds (key, rid). Returns ErrDuplicateKey if key already exists, with no structural
// change made. Implements the two-phase optimistic/pessimistic crabbing strategy of
// spec.md §4.4.3.
func (t *BPlusTree) Insert(key Key, rid RID) error {
	if done, err := t.insertOptimistic(key, rid); done {
		return err
	}
	return t.insertPessimistic(key, rid)
}

// insertOptimistic read-latches the descent path and write-latches only the target leaf.
// done is true when the insert completed (successfully or with ErrDuplicateKey) without
// needing the pessimistic phase; done is false when the leaf would split and the caller
// must restart pessimistically.
func (t *BPlusTree) insertOptimistic(key Key, rid RID) (done bool, err error) {
	headerGuard := buffer.NewReadGuard(t.pool, t.fetch(t.headerPageID))
	rootID := t.readRoot(headerGuard.Page())
	if rootID == common.InvalidPageID {
		headerGuard.Drop()
		return false, nil // empty tree: must create a root, pessimistic phase handles it
	}

	current := buffer.NewReadGuard(t.pool, t.fetch(rootID))
	headerGuard.Drop()

	for !isLeafPage(current.Page()) {
		n := t.internalView(current.Page())
		childID := n.ValueAt(findChildSlot(n, key))
		next := buffer.NewReadGuard(t.pool, t.fetch(childID))
		current.Drop()
		current = next
	}

	leafPageID := current.Page().ID()
	current.Drop()

	leafGuard := buffer.NewWriteGuard(t.pool, t.fetch(leafPageID))
	leaf := t.leafView(leafGuard.PageForWrite())

	// the tree may have restructured between dropping the read latch and taking the write
	// latch; re-verify this page is still a leaf before trusting its contents.
	if !isLeafPage(leafGuard.PageForRead()) {
		leafGuard.Drop()
		return false, nil
	}

	idx, found := findLeafSlot(leaf, key)
	if found {
		leafGuard.Drop()
		return true, ErrDuplicateKey
	}

	if leaf.Size() >= t.leafMax {
		leafGuard.Drop()
		return false, nil
	}

	leaf.InsertAt(idx, key, rid)
	leafGuard.Drop()
	return true, nil
}

// insertPessimistic restarts the descent taking write-latches throughout, releasing
// ancestors once a node is safe for insert, per spec.md §4.4.3. The header page's write
// latch is tracked separately from the B+-tree node ancestor stack: it is the outermost
// ancestor of the root itself and is released by the same "safe" rule, but must never be
// mistaken for a node when checking whether the current node is the root.
func (t *BPlusTree) insertPessimistic(key Key, rid RID) error {
	headerGuard := buffer.NewWriteGuard(t.pool, t.fetch(t.headerPageID))
	headerHeld := true

	rootID := t.readRoot(headerGuard.PageForRead())
	if rootID == common.InvalidPageID {
		lp, ok := t.pool.NewPage()
		if !ok {
			headerGuard.Drop()
			return fmt.Errorf("bptree: buffer pool exhausted allocating root leaf")
		}
		initLeaf(lp, t.ks, t.leafMax, common.InvalidPageID)
		leaf := t.leafView(lp)
		leaf.InsertAt(0, key, rid)
		t.writeRoot(headerGuard.PageForWrite(), lp.ID())
		t.pool.UnpinPage(lp.ID(), true)
		headerGuard.Drop()
		return nil
	}

	stack := []*buffer.WriteGuard{buffer.NewWriteGuard(t.pool, t.fetch(rootID))}

	for {
		if safeForInsert(stack[len(stack)-1].PageForRead(), t.leafMax, t.internalMax) {
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
	stack = stack[:len(stack)-1] // ancestors still to be released or consulted

	leaf := t.leafView(leafGuard.PageForRead())
	idx, found := findLeafSlot(leaf, key)
	if found {
		leafGuard.Drop()
		releaseAll(stack)
		if headerHeld {
			headerGuard.Drop()
		}
		return ErrDuplicateKey
	}

	leaf = t.leafView(leafGuard.PageForWrite())
	leaf.InsertAt(idx, key, rid)

	if leaf.Size() <= t.leafMax {
		leafGuard.Drop()
		releaseAll(stack)
		if headerHeld {
			headerGuard.Drop()
		}
		return nil
	}

	newLeafID, sepKey, err := t.splitLeaf(leafGuard)
	leafGuard.Drop()
	if err != nil {
		releaseAll(stack)
		if headerHeld {
			headerGuard.Drop()
		}
		return err
	}

	return t.propagateSplit(stack, headerGuard, headerHeld, sepKey, newLeafID)
}

// splitLeaf moves the upper half of leafGuard's entries to a newly allocated leaf, links
// the leaf list, and returns the new leaf's id and its first key (the separator to
// promote).
func (t *BPlusTree) splitLeaf(leafGuard *buffer.WriteGuard) (newLeafID uint64, sepKey Key, err error) {
	leaf := t.leafView(leafGuard.PageForWrite())
	total := leaf.Size()
	moveFrom := total / 2

	np, ok := t.pool.NewPage()
	if !ok {
		return 0, nil, fmt.Errorf("bptree: buffer pool exhausted splitting leaf")
	}
	newLeaf := initLeaf(np, t.ks, t.leafMax, leaf.NextPageID())

	for i := moveFrom; i < total; i++ {
		newLeaf.InsertAt(i-moveFrom, leaf.KeyAt(i), leaf.RIDAt(i))
	}
	for i := total - 1; i >= moveFrom; i-- {
		leaf.DeleteAt(i)
	}
	leaf.SetNextPageID(np.ID())

	t.pool.UnpinPage(np.ID(), true)
	return np.ID(), newLeaf.KeyAt(0), nil
}

// propagateSplit inserts (sepKey, rightID) into the parent at the top of stack. If stack is
// empty the split node had no B+-tree ancestor: it was the root, so a new internal root is
// allocated using the header page (guaranteed still write-latched in that case — see the
// invariant note on insertPessimistic). Iterates again if the parent itself overflows.
func (t *BPlusTree) propagateSplit(stack []*buffer.WriteGuard, headerGuard *buffer.WriteGuard, headerHeld bool, sepKey Key, rightID uint64) error {
	for {
		if len(stack) == 0 {
			oldRootID := t.readRoot(headerGuard.PageForRead())
			np, ok := t.pool.NewPage()
			if !ok {
				if headerHeld {
					headerGuard.Drop()
				}
				return fmt.Errorf("bptree: buffer pool exhausted allocating new root")
			}
			newRoot := initInternal(np, t.ks, t.internalMax, oldRootID)
			newRoot.InsertAt(1, sepKey, rightID)
			t.writeRoot(headerGuard.PageForWrite(), np.ID())
			t.pool.UnpinPage(np.ID(), true)
			if headerHeld {
				headerGuard.Drop()
			}
			return nil
		}

		parentGuard := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := t.internalView(parentGuard.PageForWrite())
		insertIdx := findChildSlot(parent, sepKey) + 1
		parent.InsertAt(insertIdx, sepKey, rightID)

		if parent.Size() <= t.internalMax {
			parentGuard.Drop()
			releaseAll(stack)
			if headerHeld {
				headerGuard.Drop()
			}
			return nil
		}

		newRightID, promoted, err := t.splitInternal(parentGuard)
		parentGuard.Drop()
		if err != nil {
			releaseAll(stack)
			if headerHeld {
				headerGuard.Drop()
			}
			return err
		}
		sepKey, rightID = promoted, newRightID
	}
}

// splitInternal moves the upper half of an overflowed internal node's separators and child
// pointers to a new internal node, returning the new node's id and the key promoted to the
// grandparent (which is removed from both halves, per a standard B+-tree internal split).
func (t *BPlusTree) splitInternal(guard *buffer.WriteGuard) (newNodeID uint64, promoted Key, err error) {
	n := t.internalView(guard.PageForWrite())
	total := n.Size() // separator key count; pointer count is total+1
	mid := (total + 1) / 2
	promotedKey := n.KeyAt(mid)

	np, ok := t.pool.NewPage()
	if !ok {
		return 0, nil, fmt.Errorf("bptree: buffer pool exhausted splitting internal node")
	}
	newNode := initInternal(np, t.ks, t.internalMax, n.ValueAt(mid))
	for i := mid + 1; i <= total; i++ {
		newNode.InsertAt(i-mid, n.KeyAt(i), n.ValueAt(i))
	}
	for i := total; i >= mid; i-- {
		if i == mid {
			continue // slot mid's key is promoted away; its pointer already copied as child0
		}
		n.DeleteAt(i)
	}
	n.DeleteAt(mid)

	t.pool.UnpinPage(np.ID(), true)
	return np.ID(), promotedKey, nil
}

func releaseAll(stack []*buffer.WriteGuard) {
	for _, g := range stack {
		g.Drop()
	}
}

// safeForInsert reports whether a node can absorb one more entry without overflowing,
// meaning a split above it in the descent path can no longer be forced.
func safeForInsert(p *page.Page, leafMax, internalMax int) bool {
	if isLeafPage(p) {
		return nodeSize(p) < leafMax
	}
	return nodeSize(p) < internalMax
}

// safeForDelete reports whether a node has strictly more than the minimum entries, meaning
// it can give up one entry to a borrow/merge at the level below without itself underflowing.
func safeForDelete(p *page.Page, leafMin, internalMin int) bool {
	if isLeafPage(p) {
		return nodeSize(p) > leafMin
	}
	return nodeSize(p) > internalMin
}
