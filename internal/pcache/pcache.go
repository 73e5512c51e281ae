// Package pcache - Block-address page cache
//
// What: Maps a logical block address space onto reference-counted
//       frames, with LRU and dirty tracking, single-flight read I/O,
//       and a background writeback flusher.
// How: One node per resident frame, looked up by aligned block
//      number. A cache-wide spinlock owns map and list membership;
//      each frame's own lock owns the node's state bits. I/O goes
//      through an operations vtable supplied by the embedder.
// Why: The buffer layer and everything above it want cached, lockable
//      views of a block device without owning eviction or writeback
//      policy themselves.
package pcache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
	"github.com/SimonWaldherr/tinyMM/internal/mem"
)

// BlksPerPage is the number of logical blocks covered by one frame.
const BlksPerPage = mem.PGSIZE / mem.BlkSize

// Errors returned by cache entry points.
var (
	// ErrInval reports an invalid frame, block number, or cache state.
	ErrInval = errors.New("pcache: invalid argument")

	// ErrBusy reports that the node has I/O in progress.
	ErrBusy = errors.New("pcache: page busy")

	// ErrAgain reports that a flush could not be queued.
	ErrAgain = errors.New("pcache: try again")
)

// Ops is the block-device operations vtable consumed by the cache.
// ReadPage and WritePage move data; WriteBegin/WriteEnd bracket each
// page write; MarkDirty and InvalidatePage are bookkeeping hooks;
// AbortIO is called when a claimed page is abandoned mid-round.
type Ops interface {
	ReadPage(pc *PCache, f *mem.Frame) error
	WritePage(pc *PCache, f *mem.Frame) error
	WriteBegin(pc *PCache, f *mem.Frame) error
	WriteEnd(pc *PCache, f *mem.Frame) error
	MarkDirty(pc *PCache, f *mem.Frame)
	InvalidatePage(pc *PCache, f *mem.Frame)
	AbortIO(pc *PCache, f *mem.Frame)
}

// listID names which cache list a node is on. Membership is
// exclusive: LRU, dirty, or detached.
type listID uint8

const (
	listNone listID = iota
	listLRU
	listDirty
)

// node is the cache metadata for one resident frame. The list and
// map fields belong to the cache lock; the state bits and wait queue
// belong to the frame lock.
type node struct {
	pc    *PCache
	frame *mem.Frame
	blkno int64
	size  int

	uptodate bool
	dirty    bool
	ioBusy   bool
	waiters  ksync.WaitQueue

	which      listID
	prev, next *node
}

// nodeList is an intrusive doubly-linked list; head is most recent.
type nodeList struct {
	head, tail *node
	count      int
}

func (l *nodeList) pushFront(n *node, id listID) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.count++
	n.which = id
}

func (l *nodeList) remove(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.count--
	n.which = listNone
}

// Config sizes one cache instance.
type Config struct {
	// BlkCount is the block address space size, in BlkSize units.
	BlkCount int64

	// MaxPages caps resident frames; at the cap the LRU tail is
	// evicted to admit a new page.
	MaxPages int

	// DirtyRatePct is the dirty-ratio percentage above which the
	// background flusher forces a round.
	DirtyRatePct int
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	PageCount  int
	LRUCount   int
	DirtyCount int
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Flushes    uint64
}

// PCache is one page-cache instance over one block address space.
type PCache struct {
	id  uuid.UUID
	mm  *mem.Mem
	ops Ops

	blkCount  int64
	maxPages  int
	dirtyRate int

	lock       ksync.SpinLock
	pages      map[int64]*node
	lru        nodeList
	dirtyList  nodeList
	pageCount  int
	dirtyCount int
	active     bool

	flushReq    atomic.Bool
	lastRequest time.Time
	lastFlushed time.Time
	flushErr    error

	flusher *Flusher

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64
}

// New builds an active cache over the given ops and address space.
func New(mm *mem.Mem, ops Ops, cfg Config) (*PCache, error) {
	if ops == nil || cfg.BlkCount <= 0 || cfg.MaxPages <= 0 {
		return nil, fmt.Errorf("bad cache configuration: %w", ErrInval)
	}
	rate := cfg.DirtyRatePct
	if rate <= 0 {
		rate = 30
	}
	return &PCache{
		id:        uuid.New(),
		mm:        mm,
		ops:       ops,
		blkCount:  cfg.BlkCount,
		maxPages:  cfg.MaxPages,
		dirtyRate: rate,
		pages:     make(map[int64]*node),
		active:    true,
	}, nil
}

// ID returns the cache's diagnostic identity.
func (pc *PCache) ID() uuid.UUID { return pc.id }

// BlkCount returns the size of the block address space.
func (pc *PCache) BlkCount() int64 { return pc.blkCount }

// Stats snapshots the cache counters.
func (pc *PCache) Stats() Stats {
	pc.lock.Lock()
	st := Stats{
		PageCount:  pc.pageCount,
		LRUCount:   pc.lru.count,
		DirtyCount: pc.dirtyCount,
	}
	pc.lock.Unlock()
	st.Hits = pc.hits.Load()
	st.Misses = pc.misses.Load()
	st.Evictions = pc.evictions.Load()
	st.Flushes = pc.flushes.Load()
	return st
}

// nodeOf resolves a frame back to its cache node, validating that the
// frame really belongs to this cache.
func (pc *PCache) nodeOf(f *mem.Frame) (*node, error) {
	if f == nil || f.Kind() != mem.KindPcache {
		return nil, fmt.Errorf("not a page-cache frame: %w", ErrInval)
	}
	f.Lock()
	owner := f.Owner()
	f.Unlock()
	n, ok := owner.(*node)
	if !ok || n == nil || n.pc != pc {
		return nil, fmt.Errorf("frame not owned by this cache: %w", ErrInval)
	}
	return n, nil
}

// FrameBlk reports the aligned block number and byte size backing a
// cached frame. Device vtables use it to address their store.
func (pc *PCache) FrameBlk(f *mem.Frame) (blkno int64, size int, err error) {
	n, err := pc.nodeOf(f)
	if err != nil {
		return 0, 0, err
	}
	return n.blkno, n.size, nil
}

// AlignBlk aligns a block number down to a page boundary.
func AlignBlk(blkno int64) int64 {
	return blkno &^ (BlksPerPage - 1)
}

// takeRef hands out a reference on a resident node. Caller holds the
// cache lock; LRU membership ends here. (An LRU node usually holds
// only its residency reference, but a node written back by a flush
// round while still referenced is parked on the LRU as well.)
func (pc *PCache) takeRef(n *node) *mem.Frame {
	if n.which == listLRU {
		pc.lru.remove(n)
	}
	// Dirty-list membership survives the reference.
	n.frame.Lock()
	n.frame.RefIncLocked()
	n.frame.Unlock()
	return n.frame
}

// GetPage resolves a block number to a referenced frame, faulting the
// page in (without filling it) on a miss. The caller is responsible
// for ReadPage when the frame is not up to date, and for PutPage when
// done.
func (pc *PCache) GetPage(blkno int64) (*mem.Frame, error) {
	if blkno < 0 || blkno >= pc.blkCount {
		return nil, fmt.Errorf("block %d outside device of %d blocks: %w", blkno, pc.blkCount, ErrInval)
	}
	aligned := AlignBlk(blkno)

	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		return nil, fmt.Errorf("cache inactive: %w", ErrInval)
	}
	if n := pc.pages[aligned]; n != nil {
		f := pc.takeRef(n)
		pc.lock.Unlock()
		pc.hits.Add(1)
		return f, nil
	}
	pc.lock.Unlock()
	pc.misses.Add(1)

	// Miss: build frame and node outside the cache lock, then
	// resolve the insertion race.
	f, err := pc.mm.AllocFrame(mem.KindPcache)
	if err != nil {
		pc.mm.SlabShrinkAll()
		if f, err = pc.mm.AllocFrame(mem.KindPcache); err != nil {
			return nil, err
		}
	}
	n := &node{
		pc:    pc,
		frame: f,
		blkno: aligned,
		size:  mem.PGSIZE,
	}

	var victim *mem.Frame
	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		f.RefDec()
		return nil, fmt.Errorf("cache inactive: %w", ErrInval)
	}
	if won := pc.pages[aligned]; won != nil {
		// Another inserter beat us: discard ours, take theirs.
		got := pc.takeRef(won)
		pc.lock.Unlock()
		f.RefDec()
		pc.hits.Add(1)
		return got, nil
	}
	if pc.pageCount >= pc.maxPages {
		v := pc.lru.tail
		evictable := false
		if v != nil {
			v.frame.Lock()
			evictable = v.frame.RefCount() == 1 && !v.dirty && !v.ioBusy
			if evictable {
				v.frame.SetOwner(nil)
			}
			v.frame.Unlock()
		}
		if !evictable {
			pc.lock.Unlock()
			f.RefDec()
			return nil, fmt.Errorf("cache full with no evictable page: %w", mem.ErrNoMem)
		}
		pc.lru.remove(v)
		delete(pc.pages, v.blkno)
		pc.pageCount--
		victim = v.frame
		pc.evictions.Add(1)
	}
	pc.pages[aligned] = n
	pc.pageCount++
	f.Lock()
	f.SetOwner(n)
	f.RefIncLocked() // caller's reference, beyond the node's own
	f.Unlock()
	pc.lock.Unlock()

	if victim != nil {
		victim.RefDec()
	}
	return f, nil
}

// PutPage drops a caller reference. When only the node's residency
// reference remains and the node is detached, the node is parked on
// the dirty list or at the LRU head.
func (pc *PCache) PutPage(f *mem.Frame) error {
	n, err := pc.nodeOf(f)
	if err != nil {
		return err
	}
	pc.lock.Lock()
	f.Lock()
	cnt := f.DropRefLocked()
	if cnt == 1 && n.which == listNone {
		if n.dirty {
			pc.dirtyList.pushFront(n, listDirty)
		} else {
			pc.lru.pushFront(n, listLRU)
		}
	}
	f.Unlock()
	pc.lock.Unlock()
	return nil
}

// Close tears the cache down: no new entries are admitted, the dirty
// list is drained best-effort, and every resident frame is released.
func (pc *PCache) Close() error {
	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		return fmt.Errorf("cache already closed: %w", ErrInval)
	}
	pc.active = false
	pc.lock.Unlock()

	flushErr := pc.flushRound()

	pc.lock.Lock()
	var frames []*mem.Frame
	for blk, n := range pc.pages {
		if n.which == listLRU {
			pc.lru.remove(n)
		} else if n.which == listDirty {
			pc.dirtyList.remove(n)
			pc.dirtyCount--
		}
		delete(pc.pages, blk)
		pc.pageCount--
		n.frame.Lock()
		n.frame.SetOwner(nil)
		n.frame.Unlock()
		frames = append(frames, n.frame)
	}
	pc.lock.Unlock()

	for _, f := range frames {
		f.RefDec()
	}
	if pc.flusher != nil {
		pc.flusher.Remove(pc)
	}
	return flushErr
}
