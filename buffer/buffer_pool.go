// Package buffer implements spec.md §4.1-4.3: an LRU-K victim policy, a fixed-size pool of
// cached pages backed by a disk.Manager, and scope-bound page guards.
package buffer

import (
	"fmt"
	"sync"

	"latchdb/storage/disk"
	"latchdb/storage/page"
)

// Pool is the buffer pool's external surface, grounded on the teacher's buffer.Pool
// interface but reshaped to spec.md §4.2's operation set (no transaction/WAL coupling: undo
// is handled above this layer by the write-set, not by the buffer pool).
type Pool interface {
	NewPage() (*page.Page, bool)
	FetchPage(pageID uint64) (*page.Page, bool)
	UnpinPage(pageID uint64, isDirty bool) bool
	FlushPage(pageID uint64) bool
	FlushAllPages()
	DeletePage(pageID uint64) bool
}

var _ Pool = &BufferPool{}

// BufferPool is a fixed-capacity cache of Pages over a disk.Manager, with LRU-K as its
// victim policy. All operations hold poolLatch for their duration, matching spec.md §4.2's
// "all take the pool latch on entry" — I/O is performed under the latch, the simpler of the
// two permitted strategies.
type BufferPool struct {
	poolLatch sync.Mutex

	pages     []*page.Page
	pageTable map[uint64]int // page_id -> frame index
	freeList  []int

	replacer *Replacer
	disk     disk.Manager
}

// NewBufferPool constructs a pool of poolSize frames, with k the LRU-K history depth.
func NewBufferPool(poolSize, k int, dm disk.Manager) *BufferPool {
	free := make([]int, poolSize)
	for i := range free {
		free[i] = i
	}

	return &BufferPool{
		pages:     make([]*page.Page, poolSize),
		pageTable: make(map[uint64]int),
		freeList:  free,
		replacer:  NewReplacer(poolSize, k),
		disk:      dm,
	}
}

// NewPage allocates a fresh page id, installs it into a free or evicted frame, pins it and
// returns it. Returns (nil, false) only when every frame is pinned.
func (b *BufferPool) NewPage() (*page.Page, bool) {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()

	frameIdx, ok := b.obtainFrame()
	if !ok {
		return nil, false
	}

	id := b.disk.AllocatePage()
	p := b.installFrame(frameIdx, id)
	return p, true
}

// FetchPage returns the page for pageID, reading it from disk if not already resident.
// Returns (nil, false) only when every frame is pinned and pageID is not already resident.
func (b *BufferPool) FetchPage(pageID uint64) (*page.Page, bool) {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()

	if frameIdx, ok := b.pageTable[pageID]; ok {
		p := b.pages[frameIdx]
		p.IncPin()
		b.replacer.RecordAccess(frameIdx)
		b.replacer.SetEvictable(frameIdx, false)
		return p, true
	}

	frameIdx, ok := b.obtainFrame()
	if !ok {
		return nil, false
	}

	p := b.installFrame(frameIdx, pageID)
	if err := b.disk.ReadPage(pageID, p.Data()); err != nil {
		panic(fmt.Errorf("buffer: read page %d: %w", pageID, err))
	}
	return p, true
}

// obtainFrame returns a frame index ready to be repurposed: first from the free list, else
// by evicting a replacer victim (writing it back first if dirty). Caller holds poolLatch.
func (b *BufferPool) obtainFrame() (int, bool) {
	if len(b.freeList) > 0 {
		idx := b.freeList[len(b.freeList)-1]
		b.freeList = b.freeList[:len(b.freeList)-1]
		return idx, true
	}

	idx, ok := b.replacer.Evict()
	if !ok {
		return 0, false
	}

	victim := b.pages[idx]
	if victim != nil {
		if victim.IsDirty() {
			if err := b.disk.WritePage(victim.ID(), victim.Data()); err != nil {
				panic(fmt.Errorf("buffer: writeback page %d: %w", victim.ID(), err))
			}
		}
		delete(b.pageTable, victim.ID())
	}

	return idx, true
}

// installFrame repurposes frame idx to hold id, pins it once and records the access. Caller
// holds poolLatch.
func (b *BufferPool) installFrame(idx int, id uint64) *page.Page {
	p := b.pages[idx]
	if p == nil {
		p = page.New(id)
		b.pages[idx] = p
	} else {
		p.Reset(id)
	}

	p.IncPin()
	b.pageTable[id] = idx
	b.replacer.RecordAccess(idx)
	b.replacer.SetEvictable(idx, false)
	return p
}

// UnpinPage decrements the page's pin count, OR-folding isDirty into its dirty flag, and
// marks the frame evictable once the pin count reaches zero. Returns false if the page is
// absent or already unpinned.
func (b *BufferPool) UnpinPage(pageID uint64, isDirty bool) bool {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	p := b.pages[frameIdx]
	if p.PinCount() <= 0 {
		return false
	}

	if isDirty {
		p.SetDirty()
	}
	p.DecPin()
	if p.PinCount() == 0 {
		b.replacer.SetEvictable(frameIdx, true)
	}
	return true
}

// FlushPage writes pageID's current bytes to disk and clears its dirty flag without
// affecting residency.
func (b *BufferPool) FlushPage(pageID uint64) bool {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()
	return b.flushLocked(pageID)
}

func (b *BufferPool) flushLocked(pageID uint64) bool {
	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return false
	}

	p := b.pages[frameIdx]
	if err := b.disk.WritePage(p.ID(), p.Data()); err != nil {
		panic(fmt.Errorf("buffer: flush page %d: %w", pageID, err))
	}
	p.SetClean()
	return true
}

// FlushAllPages flushes every resident page.
func (b *BufferPool) FlushAllPages() {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()

	for pageID := range b.pageTable {
		b.flushLocked(pageID)
	}
}

// DeletePage evicts pageID from the pool immediately (no writeback) and returns its frame
// to the free list and its id to the disk allocator. Returns false if the page is pinned.
func (b *BufferPool) DeletePage(pageID uint64) bool {
	b.poolLatch.Lock()
	defer b.poolLatch.Unlock()

	frameIdx, ok := b.pageTable[pageID]
	if !ok {
		return true
	}

	p := b.pages[frameIdx]
	if p.PinCount() > 0 {
		return false
	}

	b.replacer.SetEvictable(frameIdx, true)
	b.replacer.Remove(frameIdx)
	delete(b.pageTable, pageID)
	b.freeList = append(b.freeList, frameIdx)
	b.disk.DeallocatePage(pageID)
	return true
}
