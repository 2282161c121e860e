// Package disk is the external collaborator spec.md §6 calls "disk manager": it frames the
// page file and knows nothing about pin counts, latches or the index above it.
package disk

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"latchdb/common"
	"latchdb/storage/page"
)

// Manager is the interface the buffer pool consumes. It mirrors spec.md §6 exactly:
// ReadPage, WritePage, DeallocatePage, plus AllocatePage for id assignment and Close.
type Manager interface {
	ReadPage(pageID uint64, dest []byte) error
	WritePage(pageID uint64, data []byte) error

	// AllocatePage returns a fresh page id. Ids are never reused while the manager is
	// live except through the free list populated by DeallocatePage.
	AllocatePage() uint64

	// DeallocatePage returns a page id to the free list for reuse by a future
	// AllocatePage call. FileManager records the free list on disk (the page-0 header and
	// a link in the previous tail page); the freed page's own bytes are left in place.
	DeallocatePage(pageID uint64)

	Close() error
}

// fileHeader occupies page 0 of the backing file and tracks the on-disk free list so that
// deallocated pages are recycled across process restarts.
type fileHeader struct {
	freeListHead uint64
	freeListTail uint64
}

func readHeader(data []byte) fileHeader {
	return fileHeader{
		freeListHead: binary.BigEndian.Uint64(data[0:8]),
		freeListTail: binary.BigEndian.Uint64(data[8:16]),
	}
}

func writeHeader(h fileHeader, dest []byte) {
	binary.BigEndian.PutUint64(dest[0:8], h.freeListHead)
	binary.BigEndian.PutUint64(dest[8:16], h.freeListTail)
}

// FileManager is a file-backed Manager. Page 0 of the file is reserved for the free-list
// header; page ids handed out by AllocatePage start at 1, matching the teacher's
// disk.Manager convention of reserving page 0.
type FileManager struct {
	mu         sync.Mutex
	file       *os.File
	lastPageID uint64
	header     fileHeader
}

var _ Manager = &FileManager{}

// NewFileManager opens (creating if necessary) a page file at path.
func NewFileManager(path string) (*FileManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	d := &FileManager{file: f}

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if stat.Size() == 0 {
		d.lastPageID = 0
		if err := d.writeRawPage(0, make([]byte, page.Size)); err != nil {
			return nil, err
		}
		d.header = fileHeader{}
		if err := d.flushHeader(); err != nil {
			return nil, err
		}
	} else {
		d.lastPageID = uint64(stat.Size())/uint64(page.Size) - 1
		buf := make([]byte, page.Size)
		if err := d.readRawPage(0, buf); err != nil {
			return nil, err
		}
		d.header = readHeader(buf)
	}

	return d, nil
}

func (d *FileManager) readRawPage(pageID uint64, dest []byte) error {
	_, err := d.file.ReadAt(dest, int64(pageID)*int64(page.Size))
	if err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (d *FileManager) writeRawPage(pageID uint64, data []byte) error {
	n, err := d.file.WriteAt(data, int64(pageID)*int64(page.Size))
	if err != nil {
		return err
	}
	if n != page.Size {
		panic(fmt.Sprintf("disk: partial page write, wrote %d bytes", n))
	}
	return nil
}

func (d *FileManager) flushHeader() error {
	buf := make([]byte, page.Size)
	writeHeader(d.header, buf)
	return d.writeRawPage(0, buf)
}

func (d *FileManager) ReadPage(pageID uint64, dest []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readRawPage(pageID, dest)
}

func (d *FileManager) WritePage(pageID uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeRawPage(pageID, data)
}

// AllocatePage pops the free list if non-empty, else bumps the monotone counter. Either
// way the returned id is unique among currently-live pages, satisfying spec.md §4.2's
// "concurrent NewPage calls must produce distinct page_ids" under the caller's own
// serialization (the buffer pool calls this while holding its latch).
func (d *FileManager) AllocatePage() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id := d.popFreeList(); id != page.InvalidID {
		return id
	}

	d.lastPageID++
	return d.lastPageID
}

func (d *FileManager) DeallocatePage(pageID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.header.freeListHead == 0 {
		d.header.freeListHead = pageID
		d.header.freeListTail = pageID
		common.PanicIfErr(d.flushHeader())
		return
	}

	buf := make([]byte, page.Size)
	common.PanicIfErr(d.readRawPage(d.header.freeListTail, buf))
	binary.BigEndian.PutUint64(buf, pageID)
	common.PanicIfErr(d.writeRawPage(d.header.freeListTail, buf))

	d.header.freeListTail = pageID
	common.PanicIfErr(d.flushHeader())
}

func (d *FileManager) popFreeList() uint64 {
	if d.header.freeListHead == 0 {
		return page.InvalidID
	}

	id := d.header.freeListHead
	if d.header.freeListHead == d.header.freeListTail {
		d.header.freeListHead, d.header.freeListTail = 0, 0
		common.PanicIfErr(d.flushHeader())
		return id
	}

	buf := make([]byte, page.Size)
	common.PanicIfErr(d.readRawPage(d.header.freeListHead, buf))
	d.header.freeListHead = binary.BigEndian.Uint64(buf)
	common.PanicIfErr(d.flushHeader())
	return id
}

func (d *FileManager) Close() error {
	return d.file.Close()
}
