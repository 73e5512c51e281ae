// Package memdisk - In-memory block device
//
// A byte-array backed device implementing the page-cache operations
// vtable. It backs the CLI workload and the test suites; the
// write-begin/write-end hooks only count invocations here.
package memdisk

import (
	"fmt"
	"sync/atomic"

	"github.com/SimonWaldherr/tinyMM/internal/mem"
	"github.com/SimonWaldherr/tinyMM/internal/pcache"
)

// Disk is a volatile block device of BlkCount 512-byte blocks.
type Disk struct {
	data     []byte
	blkCount int64

	Reads       atomic.Uint64
	Writes      atomic.Uint64
	WriteBegins atomic.Uint64
	WriteEnds   atomic.Uint64
	Dirtied     atomic.Uint64
	Invalidated atomic.Uint64
	Aborted     atomic.Uint64
}

// New builds a zero-filled disk.
func New(blkCount int64) *Disk {
	return &Disk{
		data:     make([]byte, blkCount*mem.BlkSize),
		blkCount: blkCount,
	}
}

// BlkCount returns the device size in blocks.
func (d *Disk) BlkCount() int64 { return d.blkCount }

// BlockData returns the raw device bytes of one block, bypassing any
// cache. Intended for seeding and inspecting test fixtures.
func (d *Disk) BlockData(blkno int64) []byte {
	off := blkno * mem.BlkSize
	return d.data[off : off+mem.BlkSize]
}

// span returns the device byte range backing a cached frame.
func (d *Disk) span(pc *pcache.PCache, f *mem.Frame) ([]byte, error) {
	blkno, size, err := pc.FrameBlk(f)
	if err != nil {
		return nil, err
	}
	off := blkno * mem.BlkSize
	if off < 0 || off+int64(size) > int64(len(d.data)) {
		return nil, fmt.Errorf("block %d beyond device of %d blocks", blkno, d.blkCount)
	}
	return d.data[off : off+int64(size)], nil
}

// ReadPage copies device contents into the frame.
func (d *Disk) ReadPage(pc *pcache.PCache, f *mem.Frame) error {
	src, err := d.span(pc, f)
	if err != nil {
		return err
	}
	copy(f.Bytes(), src)
	d.Reads.Add(1)
	return nil
}

// WritePage copies the frame back to the device.
func (d *Disk) WritePage(pc *pcache.PCache, f *mem.Frame) error {
	dst, err := d.span(pc, f)
	if err != nil {
		return err
	}
	copy(dst, f.Bytes())
	d.Writes.Add(1)
	return nil
}

// WriteBegin is a pre-write hook; the memory disk has no journal.
func (d *Disk) WriteBegin(pc *pcache.PCache, f *mem.Frame) error {
	d.WriteBegins.Add(1)
	return nil
}

// WriteEnd is the post-write hook.
func (d *Disk) WriteEnd(pc *pcache.PCache, f *mem.Frame) error {
	d.WriteEnds.Add(1)
	return nil
}

// MarkDirty counts dirty transitions.
func (d *Disk) MarkDirty(pc *pcache.PCache, f *mem.Frame) {
	d.Dirtied.Add(1)
}

// InvalidatePage counts invalidations.
func (d *Disk) InvalidatePage(pc *pcache.PCache, f *mem.Frame) {
	d.Invalidated.Add(1)
}

// AbortIO counts abandoned write claims.
func (d *Disk) AbortIO(pc *pcache.PCache, f *mem.Frame) {
	d.Aborted.Add(1)
}
