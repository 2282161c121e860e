package buffer

import "latchdb/storage/page"

// BasicGuard owns a pin on a page without holding any latch. Move-only: Drop is idempotent,
// and a guard moved-from (via Move) becomes empty and releases nothing.
type BasicGuard struct {
	pool    Pool
	page    *page.Page
	dirty   bool
	dropped bool
}

// NewBasicGuard wraps an already-pinned page, taking ownership of that pin.
func NewBasicGuard(pool Pool, p *page.Page) *BasicGuard {
	return &BasicGuard{pool: pool, page: p}
}

func (g *BasicGuard) Page() *page.Page { return g.page }

// SetDirty marks the underlying page dirty; it will be OR-folded into the pool's flag on
// Drop regardless of what other guards over the same page do.
func (g *BasicGuard) SetDirty() { g.dirty = true }

// Drop releases the pin exactly once. Safe to call multiple times.
func (g *BasicGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.pool.UnpinPage(g.page.ID(), g.dirty)
}

// Move transfers ownership of the guard's pin to the returned value, leaving g empty so its
// Drop becomes a no-op — the Go analogue of a C++ move constructor.
func (g *BasicGuard) Move() *BasicGuard {
	moved := &BasicGuard{pool: g.pool, page: g.page, dirty: g.dirty}
	g.dropped = true
	return moved
}

// ReadGuard owns a pin plus the page's read latch. Constructed already latched; Drop
// releases the latch before unpinning, mirroring spec.md §4.3's drop order.
type ReadGuard struct {
	pool    Pool
	page    *page.Page
	dropped bool
}

// NewReadGuard read-latches p and takes ownership of the pin the caller already holds on it.
// Caller must not already hold a conflicting latch on the same page from the same goroutine.
func NewReadGuard(pool Pool, p *page.Page) *ReadGuard {
	p.RLatch()
	return &ReadGuard{pool: pool, page: p}
}

func (g *ReadGuard) Page() *page.Page { return g.page }

func (g *ReadGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.page.RUnlatch()
	g.pool.UnpinPage(g.page.ID(), false)
}

func (g *ReadGuard) Move() *ReadGuard {
	moved := &ReadGuard{pool: g.pool, page: g.page}
	g.dropped = true
	return moved
}

// WriteGuard owns a pin plus the page's write latch. The page is exposed through
// PageForWrite, which marks the frame dirty on every call per spec.md §4.3, and through
// PageForRead, which does not.
type WriteGuard struct {
	pool    Pool
	page    *page.Page
	dropped bool
}

// NewWriteGuard write-latches p and takes ownership of the pin the caller already holds on it.
func NewWriteGuard(pool Pool, p *page.Page) *WriteGuard {
	p.WLatch()
	return &WriteGuard{pool: pool, page: p}
}

// PageForWrite returns the underlying page and marks it dirty; this is the only accessor
// that exposes a mutable view, matching the as_mut contract in spec.md §4.3.
func (g *WriteGuard) PageForWrite() *page.Page {
	g.page.SetDirty()
	return g.page
}

// PageForRead returns the underlying page without marking it dirty, for callers that hold
// the write latch but only need to read (e.g. re-checking a node's size before mutating).
func (g *WriteGuard) PageForRead() *page.Page { return g.page }

func (g *WriteGuard) Drop() {
	if g.dropped {
		return
	}
	g.dropped = true
	g.page.WUnlatch()
	g.pool.UnpinPage(g.page.ID(), false)
}

func (g *WriteGuard) Move() *WriteGuard {
	moved := &WriteGuard{pool: g.pool, page: g.page}
	g.dropped = true
	return moved
}
