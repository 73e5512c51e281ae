package mem

import (
	"fmt"
	"sync/atomic"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
)

// FrameKind discriminates what a frame is currently used as. Exactly
// one kind applies at any time.
type FrameKind uint8

const (
	// KindAnon is a plain data frame with no extra bookkeeping.
	KindAnon FrameKind = iota

	// KindBuddy marks a frame owned by the buddy free pools.
	KindBuddy

	// KindSlab marks the head frame of a slab.
	KindSlab

	// KindPagetable is a page-table frame (payload-free here).
	KindPagetable

	// KindPcache marks a frame owned by a page-cache node.
	KindPcache

	// KindTail marks an interior frame of a compound run; its head
	// pointer leads back to the descriptor that carries the payload.
	KindTail
)

// String returns a short label for the kind.
func (k FrameKind) String() string {
	switch k {
	case KindAnon:
		return "anon"
	case KindBuddy:
		return "buddy"
	case KindSlab:
		return "slab"
	case KindPagetable:
		return "pgtable"
	case KindPcache:
		return "pcache"
	case KindTail:
		return "tail"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// buddyState tracks a buddy-owned group head's position in the free
// machinery.
type buddyState uint8

const (
	buddyFree    buddyState = iota // on a free pool list
	buddyMerging                   // held privately during merge
)

// Frame is the descriptor for one physical frame. The pa field is
// fixed at init; kind and the payload fields below it are protected
// by the frame lock, except where a pool or per-shard lock is
// documented to own them.
type Frame struct {
	mm *Mem
	pa PhysAddr

	refcnt atomic.Int32
	lock   ksync.SpinLock

	kind FrameKind

	// Buddy payload: group linkage. order is valid on group heads
	// for any live compound run, not just buddy-owned ones.
	order  uint8
	bstate buddyState
	head   *Frame
	next   *Frame
	prev   *Frame

	// Slab payload: owning slab, head frames only.
	slab *Slab

	// Page-cache payload: the owning node. Weak back-pointer; the
	// node holds the frame's residency reference, not vice versa.
	owner any
}

// PA returns the frame's physical address.
func (f *Frame) PA() PhysAddr { return f.pa }

// Kind returns the frame's current type tag.
func (f *Frame) Kind() FrameKind { return f.kind }

// Order returns the allocation order of the run this frame heads.
func (f *Frame) Order() int { return int(f.order) }

// Head returns the group-head descriptor for this frame, following
// the tail back-pointer if needed.
func (f *Frame) Head() *Frame {
	if f.kind == KindTail && f.head != nil {
		return f.head
	}
	return f
}

// Bytes returns the frame's data as a byte slice.
func (f *Frame) Bytes() []byte {
	return f.mm.Bytes(f.pa, PGSIZE)
}

// RunBytes returns the data of the whole run headed by this frame.
func (f *Frame) RunBytes() []byte {
	return f.mm.Bytes(f.pa, PGSIZE<<f.order)
}

// Lock acquires the frame lock. The only legal nesting is cache-level
// lock before frame lock.
func (f *Frame) Lock() { f.lock.Lock() }

// Unlock releases the frame lock.
func (f *Frame) Unlock() { f.lock.Unlock() }

// Spin exposes the frame lock for wait queues that must release it
// atomically while their holder sleeps.
func (f *Frame) Spin() *ksync.SpinLock { return &f.lock }

// RefIncLocked takes a reference with the frame lock already held.
func (f *Frame) RefIncLocked() { f.refIncLocked() }

// DropRefLocked drops one reference with the frame lock held and
// returns the new count. It never frees the frame: callers use it
// where an owner still holds a residency reference, so zero here is a
// fatal accounting violation.
func (f *Frame) DropRefLocked() int {
	n := f.refcnt.Add(-1)
	if n <= 0 {
		panic(fmt.Sprintf("mem: reference accounting violation on frame %#x", uint64(f.pa)))
	}
	return int(n)
}

// RefCount returns the current reference count.
func (f *Frame) RefCount() int { return int(f.refcnt.Load()) }

// SetOwner records the page-cache node owning this frame. Caller
// holds the frame lock.
func (f *Frame) SetOwner(v any) { f.owner = v }

// Owner returns the page-cache node owning this frame, or nil.
// Caller holds the frame lock.
func (f *Frame) Owner() any { return f.owner }

// RefInc takes an additional reference on a live frame.
func (f *Frame) RefInc() {
	f.lock.Lock()
	if f.refcnt.Load() <= 0 {
		f.lock.Unlock()
		panic(fmt.Sprintf("mem: RefInc on dead frame %#x", uint64(f.pa)))
	}
	f.refcnt.Add(1)
	f.lock.Unlock()
}

// refIncLocked is RefInc with the frame lock already held.
func (f *Frame) refIncLocked() {
	if f.refcnt.Load() <= 0 {
		panic(fmt.Sprintf("mem: RefInc on dead frame %#x", uint64(f.pa)))
	}
	f.refcnt.Add(1)
}

// RefDec drops one reference. Reaching zero returns the frame's run
// to the buddy pool synchronously; going negative is fatal. Reference
// operations apply to group heads; tails borrow their head's count.
func (f *Frame) RefDec() {
	if f.kind == KindTail {
		panic(fmt.Sprintf("mem: RefDec on tail frame %#x", uint64(f.pa)))
	}
	f.lock.Lock()
	n := f.refcnt.Add(-1)
	if n < 0 {
		f.lock.Unlock()
		panic(fmt.Sprintf("mem: refcount underflow on frame %#x", uint64(f.pa)))
	}
	f.lock.Unlock()
	if n == 0 {
		f.mm.freeRun(f)
	}
}
