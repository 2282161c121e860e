// Package bptree implements spec.md §4.4: a concurrent B+-tree index over the buffer pool,
// using latch-coupling (crabbing) for both lookups and structural modifications.
package bptree

import "encoding/binary"

// Key is the ordering contract every indexed key type must satisfy, mirrored directly from
// the teacher's common.Key interface.
type Key interface {
	Less(other Key) bool
}

// KeySerializer converts a Key to and from its fixed-width on-page representation. Every
// key handled by a given tree must serialize to the same number of bytes — the tree's node
// layout is computed from this Size(), not discovered per key.
type KeySerializer interface {
	Serialize(key Key) []byte
	Deserialize(data []byte) Key
	Size() int
}

// RID (record id) locates a tuple within the heap this index points into: a page id plus a
// slot number inside that page's slotted layout.
type RID struct {
	PageID  uint64
	SlotNum uint16
}

const ridSize = 10

func serializeRID(r RID, dest []byte) {
	binary.BigEndian.PutUint64(dest[0:8], r.PageID)
	binary.BigEndian.PutUint16(dest[8:10], r.SlotNum)
}

func deserializeRID(data []byte) RID {
	return RID{
		PageID:  binary.BigEndian.Uint64(data[0:8]),
		SlotNum: binary.BigEndian.Uint16(data[8:10]),
	}
}
