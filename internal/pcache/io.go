package pcache

import (
	"fmt"

	"github.com/SimonWaldherr/tinyMM/internal/mem"
)

// ReadPage brings a frame's contents up to date. Concurrent readers
// of a not-uptodate page are single-flighted: one caller performs the
// device read while the rest sleep on the node's wait queue and
// observe the initiator's outcome. An already up-to-date page returns
// immediately with no device call.
func (pc *PCache) ReadPage(f *mem.Frame) error {
	n, err := pc.nodeOf(f)
	if err != nil {
		return err
	}

	f.Lock()
	for {
		if n.uptodate {
			f.Unlock()
			return nil
		}
		if !n.ioBusy {
			break
		}
		n.waiters.Wait(f.Spin())
		f.Lock()
	}
	n.ioBusy = true
	f.Unlock()

	ioErr := pc.ops.ReadPage(pc, f)

	f.Lock()
	if ioErr == nil {
		n.uptodate = true
	}
	n.ioBusy = false
	n.waiters.WakeAll()
	f.Unlock()
	return ioErr
}

// MarkPageDirty transitions a frame to dirty. It is idempotent: an
// already dirty page is left untouched and the vtable hook is not
// re-invoked. Returns ErrBusy while I/O is in progress on the node.
func (pc *PCache) MarkPageDirty(f *mem.Frame) error {
	n, err := pc.nodeOf(f)
	if err != nil {
		return err
	}

	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		return fmt.Errorf("cache inactive: %w", ErrInval)
	}
	f.Lock()
	if n.ioBusy {
		f.Unlock()
		pc.lock.Unlock()
		return fmt.Errorf("dirtying block %d: %w", n.blkno, ErrBusy)
	}
	if n.dirty {
		f.Unlock()
		pc.lock.Unlock()
		return nil
	}
	if n.which == listLRU {
		pc.lru.remove(n)
	}
	if n.which != listDirty {
		pc.dirtyList.pushFront(n, listDirty)
	}
	n.dirty = true
	n.uptodate = true
	pc.dirtyCount++
	f.Unlock()
	pc.lock.Unlock()

	pc.ops.MarkDirty(pc, f)
	return nil
}

// InvalidatePage discards a frame's cached contents: dirty and
// uptodate are cleared and the node leaves whichever list it was on.
// The node stays resident. Returns ErrBusy while I/O is in progress.
func (pc *PCache) InvalidatePage(f *mem.Frame) error {
	n, err := pc.nodeOf(f)
	if err != nil {
		return err
	}

	pc.lock.Lock()
	f.Lock()
	if n.ioBusy {
		f.Unlock()
		pc.lock.Unlock()
		return fmt.Errorf("invalidating block %d: %w", n.blkno, ErrBusy)
	}
	switch n.which {
	case listLRU:
		pc.lru.remove(n)
	case listDirty:
		pc.dirtyList.remove(n)
		pc.dirtyCount--
	}
	n.dirty = false
	n.uptodate = false
	f.Unlock()
	pc.lock.Unlock()

	pc.ops.InvalidatePage(pc, f)
	return nil
}
