package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDiskManager is an in-memory stand-in for disk.Manager, letting buffer pool tests run
// without touching the filesystem.
type memDiskManager struct {
	mu     sync.Mutex
	pages  map[uint64][]byte
	nextID uint64
	free   []uint64
}

func newMemDiskManager() *memDiskManager {
	return &memDiskManager{pages: make(map[uint64][]byte)}
}

func (m *memDiskManager) ReadPage(pageID uint64, dest []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.pages[pageID]; ok {
		copy(dest, data)
	}
	return nil
}

func (m *memDiskManager) WritePage(pageID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.pages[pageID] = buf
	return nil
}

func (m *memDiskManager) AllocatePage() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.free) > 0 {
		id := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		return id
	}
	m.nextID++
	return m.nextID
}

func (m *memDiskManager) DeallocatePage(pageID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = append(m.free, pageID)
}

func (m *memDiskManager) Close() error { return nil }

func TestBufferPool_NewPage_PinsAndMarksNonEvictable(t *testing.T) {
	bp := NewBufferPool(4, 2, newMemDiskManager())

	p, ok := bp.NewPage()
	require.True(t, ok)
	assert.Equal(t, 1, p.PinCount())
	assert.Equal(t, 0, bp.replacer.Size())
}

func TestBufferPool_FetchPage_ResidentDoesNotEvict(t *testing.T) {
	bp := NewBufferPool(1, 2, newMemDiskManager())

	p, ok := bp.NewPage()
	require.True(t, ok)
	id := p.ID()
	bp.UnpinPage(id, false)

	p2, ok := bp.FetchPage(id)
	require.True(t, ok)
	assert.Equal(t, id, p2.ID())
	assert.Equal(t, 1, p2.PinCount())
}

func TestBufferPool_UnpinPage_MarksEvictableAtZero(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())

	p, _ := bp.NewPage()
	id := p.ID()

	assert.False(t, bp.UnpinPage(id+999, false)) // absent page
	assert.True(t, bp.UnpinPage(id, false))
	assert.Equal(t, 1, bp.replacer.Size())
}

func TestBufferPool_UnpinPage_ORFoldsDirty(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())

	p, _ := bp.NewPage()
	id := p.ID()
	p.IncPin() // simulate a second concurrent pinner
	bp.UnpinPage(id, true)
	bp.UnpinPage(id, false)

	assert.True(t, p.IsDirty())
}

func TestBufferPool_NewPage_EvictsWhenFull(t *testing.T) {
	dm := newMemDiskManager()
	bp := NewBufferPool(1, 2, dm)

	p1, ok := bp.NewPage()
	require.True(t, ok)
	id1 := p1.ID()
	bp.UnpinPage(id1, true)

	p2, ok := bp.NewPage()
	require.True(t, ok)
	assert.NotEqual(t, id1, p2.ID())

	// the evicted dirty page must have been written back.
	dm.mu.Lock()
	_, flushed := dm.pages[id1]
	dm.mu.Unlock()
	assert.True(t, flushed)
}

func TestBufferPool_NewPage_ReturnsFalseWhenAllPinned(t *testing.T) {
	bp := NewBufferPool(1, 2, newMemDiskManager())

	_, ok := bp.NewPage()
	require.True(t, ok)

	_, ok = bp.NewPage()
	assert.False(t, ok)
}

func TestBufferPool_DeletePage_FailsWhilePinned(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()

	assert.False(t, bp.DeletePage(p.ID()))
	bp.UnpinPage(p.ID(), false)
	assert.True(t, bp.DeletePage(p.ID()))
}

func TestBufferPool_FlushPage_ClearsDirty(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()
	p.SetDirty()

	assert.True(t, bp.FlushPage(p.ID()))
	assert.False(t, p.IsDirty())
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bp := NewBufferPool(4, 2, newMemDiskManager())
	p1, _ := bp.NewPage()
	p2, _ := bp.NewPage()
	p1.SetDirty()
	p2.SetDirty()

	bp.FlushAllPages()
	assert.False(t, p1.IsDirty())
	assert.False(t, p2.IsDirty())
}
