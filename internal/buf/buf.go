// Package buf - Classical buffer-cache interface over the page cache
//
// A Buffer is an in-flight access session on one logical block, not a
// cache: the page cache below is the cache. Bread hands out a locked
// buffer whose data window points into the backing frame; Brelse ends
// the session and returns the frame reference.
package buf

import (
	"fmt"
	"sync/atomic"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
	"github.com/SimonWaldherr/tinyMM/internal/mem"
	"github.com/SimonWaldherr/tinyMM/internal/pcache"
)

// Buffer is one locked view of a logical block.
type Buffer struct {
	Dev     uint32
	Blockno int64

	mu     *ksync.Mutex
	pc     *pcache.PCache
	frame  *mem.Frame
	data   []byte
	valid  bool
	refcnt atomic.Int32
}

// Bread returns a locked buffer for the given block, reading it from
// the device if the backing frame is not up to date. A device read
// error is fatal, matching the classical bread contract.
func Bread(pc *pcache.PCache, dev uint32, blockno int64) (*Buffer, error) {
	b := &Buffer{
		Dev:     dev,
		Blockno: blockno,
		mu:      ksync.NewMutex(),
		pc:      pc,
	}
	b.mu.Lock()

	f, err := pc.GetPage(blockno)
	if err != nil {
		return nil, fmt.Errorf("bread dev %d block %d: %w", dev, blockno, err)
	}
	b.frame = f
	off := int(blockno-pcache.AlignBlk(blockno)) * mem.BlkSize
	b.data = f.Bytes()[off : off+mem.BlkSize]

	if err := pc.ReadPage(f); err != nil {
		panic(fmt.Sprintf("buf: read of dev %d block %d failed: %v", dev, blockno, err))
	}
	b.valid = true
	b.refcnt.Store(1)
	return b, nil
}

// Data returns the buffer's block-sized data window.
func (b *Buffer) Data() []byte {
	if !b.mu.Held() {
		panic("buf: Data on unlocked buffer")
	}
	return b.data
}

// Valid reports whether the buffer's contents are up to date.
func (b *Buffer) Valid() bool { return b.valid }

// Frame exposes the backing frame for callers that talk to the page
// cache directly (pinning, async dirtying).
func (b *Buffer) Frame() *mem.Frame { return b.frame }

// Bwrite marks the backing page dirty and writes it back
// synchronously. The buffer must be locked.
func (b *Buffer) Bwrite() error {
	if !b.mu.Held() {
		panic("buf: Bwrite on unlocked buffer")
	}
	if err := b.pc.MarkPageDirty(b.frame); err != nil {
		return fmt.Errorf("bwrite dev %d block %d: %w", b.Dev, b.Blockno, err)
	}
	if err := b.pc.Flush(); err != nil {
		return fmt.Errorf("bwrite dev %d block %d: %w", b.Dev, b.Blockno, err)
	}
	return nil
}

// Brelse unlocks the buffer and ends the access session. Dropping the
// last buffer reference releases the frame back to the page cache;
// the buffer must not be used afterwards.
func (b *Buffer) Brelse() {
	if !b.mu.Held() {
		panic("buf: Brelse on unlocked buffer")
	}
	b.mu.Unlock()
	if b.refcnt.Add(-1) == 0 {
		if err := b.pc.PutPage(b.frame); err != nil {
			panic(fmt.Sprintf("buf: release of dev %d block %d: %v", b.Dev, b.Blockno, err))
		}
		b.frame = nil
		b.data = nil
	}
}

// Bpin takes a long-lived reference on the underlying frame, keeping
// it resident across Brelse.
func (b *Buffer) Bpin() {
	b.frame.RefInc()
}

// Bunpin releases a reference taken by Bpin.
func (b *Buffer) Bunpin() {
	if err := b.pc.PutPage(b.frame); err != nil {
		panic(fmt.Sprintf("buf: unpin of dev %d block %d: %v", b.Dev, b.Blockno, err))
	}
}
