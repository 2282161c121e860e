package bptree

import (
	"encoding/binary"

	"latchdb/storage/page"
)

// On-page layout, shared header followed by kind-specific body:
//
//	offset 0: kind byte (0 = leaf, 1 = internal)
//	offset 1: size uint16 (leaf: number of entries; internal: number of keys, pointer
//	          count is size+1)
//	offset 3: leaf only, next leaf page id uint64 (InvalidPageID if none)
//	leaf body starts at offset 11, internal body starts at offset 3
const (
	offKind = 0
	offSize = 1
	offNext = 3
	leafBodyOffset     = 11
	internalBodyOffset = 3
)

const (
	kindLeaf     byte = 0
	kindInternal byte = 1
)

func nodeKind(p *page.Page) byte { return p.Data()[offKind] }

func setNodeKind(p *page.Page, kind byte) { p.Data()[offKind] = kind }

func isLeafPage(p *page.Page) bool { return nodeKind(p) == kindLeaf }

func nodeSize(p *page.Page) int {
	return int(binary.BigEndian.Uint16(p.Data()[offSize : offSize+2]))
}

func setNodeSize(p *page.Page, n int) {
	binary.BigEndian.PutUint16(p.Data()[offSize:offSize+2], uint16(n))
}

// leafNode is a typed view over a page holding leaf entries: (key, RID) pairs in ascending
// key order plus a pointer to the next leaf in the linked list.
type leafNode struct {
	p      *page.Page
	ks     KeySerializer
	maxLen int
}

func newLeafView(p *page.Page, ks KeySerializer, maxLen int) leafNode {
	return leafNode{p: p, ks: ks, maxLen: maxLen}
}

func (n leafNode) entrySize() int { return n.ks.Size() + ridSize }

func (n leafNode) Size() int { return nodeSize(n.p) }

func (n leafNode) MaxSize() int { return n.maxLen }

func (n leafNode) NextPageID() uint64 {
	return binary.BigEndian.Uint64(n.p.Data()[offNext : offNext+8])
}

func (n leafNode) SetNextPageID(id uint64) {
	binary.BigEndian.PutUint64(n.p.Data()[offNext:offNext+8], id)
}

func (n leafNode) slotOffset(i int) int { return leafBodyOffset + i*n.entrySize() }

func (n leafNode) KeyAt(i int) Key {
	off := n.slotOffset(i)
	return n.ks.Deserialize(n.p.Data()[off : off+n.ks.Size()])
}

func (n leafNode) RIDAt(i int) RID {
	off := n.slotOffset(i) + n.ks.Size()
	return deserializeRID(n.p.Data()[off : off+ridSize])
}

func (n leafNode) setAt(i int, k Key, r RID) {
	off := n.slotOffset(i)
	copy(n.p.Data()[off:off+n.ks.Size()], n.ks.Serialize(k))
	serializeRID(r, n.p.Data()[off+n.ks.Size():off+n.entrySize()])
}

// InsertAt shifts entries at and after i one slot to the right, then writes (k, r) at i.
func (n leafNode) InsertAt(i int, k Key, r RID) {
	sz := n.Size()
	es := n.entrySize()
	base := n.p.Data()
	src := leafBodyOffset + i*es
	dst := leafBodyOffset + (i+1)*es
	copy(base[dst:dst+(sz-i)*es], base[src:src+(sz-i)*es])
	setNodeSize(n.p, sz+1)
	n.setAt(i, k, r)
}

// DeleteAt removes the entry at i, shifting everything after it left by one slot.
func (n leafNode) DeleteAt(i int) {
	sz := n.Size()
	es := n.entrySize()
	base := n.p.Data()
	src := leafBodyOffset + (i+1)*es
	dst := leafBodyOffset + i*es
	copy(base[dst:dst+(sz-i-1)*es], base[src:src+(sz-i-1)*es])
	setNodeSize(n.p, sz-1)
}

// initLeaf formats p as an empty leaf node.
func initLeaf(p *page.Page, ks KeySerializer, maxLen int, nextPageID uint64) leafNode {
	setNodeKind(p, kindLeaf)
	setNodeSize(p, 0)
	binary.BigEndian.PutUint64(p.Data()[offNext:offNext+8], nextPageID)
	return leafNode{p: p, ks: ks, maxLen: maxLen}
}

// internalNode is a typed view over a page holding an internal node: `size` separator keys
// at slots 1..size and `size+1` child pointers at slots 0..size. Slot 0's key half is an
// unused sentinel — only its pointer half is meaningful.
type internalNode struct {
	p      *page.Page
	ks     KeySerializer
	maxLen int
}

func newInternalView(p *page.Page, ks KeySerializer, maxLen int) internalNode {
	return internalNode{p: p, ks: ks, maxLen: maxLen}
}

func (n internalNode) slotWidth() int { return n.ks.Size() + 8 }

// Size returns the number of separator keys; the pointer count is Size()+1.
func (n internalNode) Size() int { return nodeSize(n.p) }

func (n internalNode) MaxSize() int { return n.maxLen }

func (n internalNode) slotOffset(i int) int { return internalBodyOffset + i*n.slotWidth() }

// KeyAt returns the separator key at slot i, i must be in [1, Size()].
func (n internalNode) KeyAt(i int) Key {
	off := n.slotOffset(i)
	return n.ks.Deserialize(n.p.Data()[off : off+n.ks.Size()])
}

// ValueAt returns the child page id stored at slot i, i must be in [0, Size()].
func (n internalNode) ValueAt(i int) uint64 {
	off := n.slotOffset(i) + n.ks.Size()
	return binary.BigEndian.Uint64(n.p.Data()[off : off+8])
}

func (n internalNode) setKeyAt(i int, k Key) {
	off := n.slotOffset(i)
	copy(n.p.Data()[off:off+n.ks.Size()], n.ks.Serialize(k))
}

func (n internalNode) setValueAt(i int, v uint64) {
	off := n.slotOffset(i) + n.ks.Size()
	binary.BigEndian.PutUint64(n.p.Data()[off:off+8], v)
}

// InsertAt inserts separator key k with right-hand child pointer v at slot i (1 <= i <=
// Size()+1), shifting subsequent slots right.
func (n internalNode) InsertAt(i int, k Key, v uint64) {
	sz := n.Size()
	w := n.slotWidth()
	base := n.p.Data()
	src := internalBodyOffset + i*w
	dst := internalBodyOffset + (i+1)*w
	count := sz + 1 - i // remaining pointer slots from i..sz inclusive
	copy(base[dst:dst+count*w], base[src:src+count*w])
	setNodeSize(n.p, sz+1)
	n.setKeyAt(i, k)
	n.setValueAt(i, v)
}

// DeleteAt removes separator key and pointer at slot i (1 <= i <= Size()), shifting
// subsequent slots left.
func (n internalNode) DeleteAt(i int) {
	sz := n.Size()
	w := n.slotWidth()
	base := n.p.Data()
	src := internalBodyOffset + (i+1)*w
	dst := internalBodyOffset + i*w
	count := sz - i
	copy(base[dst:dst+count*w], base[src:src+count*w])
	setNodeSize(n.p, sz-1)
}

// initInternal formats p as an internal node with a single child pointer at slot 0 (the
// sentinel) and no separator keys yet.
func initInternal(p *page.Page, ks KeySerializer, maxLen int, child0 uint64) internalNode {
	setNodeKind(p, kindInternal)
	setNodeSize(p, 0)
	n := internalNode{p: p, ks: ks, maxLen: maxLen}
	n.setValueAt(0, child0)
	return n
}
