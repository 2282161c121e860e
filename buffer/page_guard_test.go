package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicGuard_Drop_Unpins(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, ok := bp.NewPage()
	require.True(t, ok)

	g := NewBasicGuard(bp, p)
	g.Drop()

	assert.Equal(t, 0, p.PinCount())
}

func TestBasicGuard_Drop_IsIdempotent(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()

	g := NewBasicGuard(bp, p)
	g.Drop()
	assert.NotPanics(t, func() { g.Drop() })
	assert.Equal(t, 0, p.PinCount())
}

func TestBasicGuard_Move_EmptiesSource(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()

	g := NewBasicGuard(bp, p)
	moved := g.Move()

	g.Drop() // no-op: source is empty
	assert.Equal(t, 1, p.PinCount())

	moved.Drop()
	assert.Equal(t, 0, p.PinCount())
}

func TestReadGuard_Drop_ReleasesLatchThenUnpins(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()
	bp.UnpinPage(p.ID(), false)

	p2, _ := bp.FetchPage(p.ID())
	g := NewReadGuard(bp, p2)
	g.Drop()

	assert.Equal(t, 0, p2.PinCount())
	// a non-blocking read latch attempt should succeed after the guard is dropped.
	assert.True(t, p2.TryRLatch())
	p2.RUnlatch()
}

func TestWriteGuard_PageForWrite_MarksDirty(t *testing.T) {
	bp := NewBufferPool(2, 2, newMemDiskManager())
	p, _ := bp.NewPage()
	bp.UnpinPage(p.ID(), false)

	p2, _ := bp.FetchPage(p.ID())
	g := NewWriteGuard(bp, p2)
	_ = g.PageForWrite()
	g.Drop()

	assert.True(t, p2.IsDirty())
}
