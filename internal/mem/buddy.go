package mem

import (
	"fmt"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
)

// ───────────────────────────────────────────────────────────────────────────
// Buddy allocator
// ───────────────────────────────────────────────────────────────────────────
//
// Free frames are grouped into power-of-two runs aligned to their own
// size. Each order 0..MaxOrder has its own pool: a doubly-linked list
// of group heads, a count, and a lock. Allocation pops the smallest
// sufficient order and splits downward; freeing merges upward with
// the sibling group at addr ^ (PGSIZE << k) while the sibling is
// still sitting in the order-k pool. Split and merge hold at most one
// pool lock at a time.

// buddyPool is one order's free list.
type buddyPool struct {
	lock  ksync.SpinLock
	head  *Frame
	count int
}

// push inserts a free group head at the front. Caller holds the pool
// lock.
func (p *buddyPool) push(f *Frame) {
	f.prev = nil
	f.next = p.head
	if p.head != nil {
		p.head.prev = f
	}
	p.head = f
	p.count++
	f.bstate = buddyFree
}

// detach unlinks f from the pool. Caller holds the pool lock.
func (p *buddyPool) detach(f *Frame) {
	if f.prev != nil {
		f.prev.next = f.next
	} else {
		p.head = f.next
	}
	if f.next != nil {
		f.next.prev = f.prev
	}
	f.prev, f.next = nil, nil
	p.count--
	f.bstate = buddyMerging
}

// pop removes and returns the front group head, or nil. Caller holds
// the pool lock.
func (p *buddyPool) pop() *Frame {
	f := p.head
	if f != nil {
		p.detach(f)
	}
	return f
}

// seedBuddy hands every frame to the pools in the largest aligned
// groups the region geometry allows.
func (mm *Mem) seedBuddy() {
	idx := 0
	for idx < mm.nframes {
		order := MaxOrder
		for order > 0 && (idx%(1<<order) != 0 || idx+(1<<order) > mm.nframes) {
			order--
		}
		f := &mm.frames[idx]
		mm.setRunHead(f, order)
		f.order = uint8(order)
		mm.pools[order].push(f)
		idx += 1 << order
	}
}

// setRunHead points every frame of the run [head, head+2^order) back
// at head so interior-address resolution works.
func (mm *Mem) setRunHead(head *Frame, order int) {
	base := int(head.pa >> PGSHIFT)
	for i := 0; i < 1<<order; i++ {
		fr := &mm.frames[base+i]
		fr.head = head
		fr.kind = KindBuddy
		fr.slab = nil
		fr.owner = nil
	}
}

// initRun prepares a just-allocated run: the head carries the
// requested kind and the order, interior frames become tails pointing
// back at it. Every frame starts with one reference.
func (mm *Mem) initRun(head *Frame, order int, kind FrameKind) {
	base := int(head.pa >> PGSHIFT)
	for i := 0; i < 1<<order; i++ {
		fr := &mm.frames[base+i]
		fr.next, fr.prev = nil, nil
		fr.slab = nil
		fr.owner = nil
		fr.refcnt.Store(1)
		if i == 0 {
			fr.kind = kind
			fr.order = uint8(order)
			fr.head = fr
		} else {
			fr.kind = KindTail
			fr.head = head
		}
	}
}

// AllocFrames returns the head of a 2^order frame run tagged with the
// given kind, or ErrNoMem when no run can be assembled. The run comes
// back with every frame's reference count at one.
func (mm *Mem) AllocFrames(order int, kind FrameKind) (*Frame, error) {
	if order < 0 || order > MaxOrder {
		return nil, fmt.Errorf("order %d: %w", order, ErrInval)
	}
	switch kind {
	case KindAnon, KindSlab, KindPagetable, KindPcache:
	default:
		return nil, fmt.Errorf("frame kind %v not allocatable: %w", kind, ErrInval)
	}

	for k := order; k <= MaxOrder; k++ {
		p := &mm.pools[k]
		p.lock.Lock()
		f := p.pop()
		p.lock.Unlock()
		if f == nil {
			continue
		}
		// Split the surplus halves back down, one order at a time.
		for j := k; j > order; j-- {
			half := j - 1
			upper := &mm.frames[int(f.pa>>PGSHIFT)+(1<<half)]
			mm.setRunHead(upper, half)
			upper.order = uint8(half)
			up := &mm.pools[half]
			up.lock.Lock()
			up.push(upper)
			up.lock.Unlock()
		}
		mm.initRun(f, order, kind)
		return f, nil
	}
	return nil, fmt.Errorf("no order-%d run available: %w", order, ErrNoMem)
}

// AllocFrame is AllocFrames(0, kind).
func (mm *Mem) AllocFrame(kind FrameKind) (*Frame, error) {
	return mm.AllocFrames(0, kind)
}

// freeRun returns the run headed by f to the buddy pools, merging
// upward as far as the sibling groups allow. The head's reference
// count must already be zero.
func (mm *Mem) freeRun(f *Frame) {
	order := int(f.order)
	if f.pa%(PhysAddr(PGSIZE)<<order) != 0 {
		panic(fmt.Sprintf("mem: free of unaligned order-%d run at %#x", order, uint64(f.pa)))
	}
	if f.refcnt.Load() != 0 {
		panic(fmt.Sprintf("mem: free of referenced frame %#x", uint64(f.pa)))
	}
	if f.kind == KindBuddy {
		panic(fmt.Sprintf("mem: double free of frame %#x", uint64(f.pa)))
	}

	base := int(f.pa >> PGSHIFT)
	for i := 0; i < 1<<order; i++ {
		fr := &mm.frames[base+i]
		fr.refcnt.Store(0)
	}
	mm.setRunHead(f, order)
	f.order = uint8(order)
	f.bstate = buddyMerging

	cur := f
	k := order
	for k < MaxOrder {
		buddyPa := cur.pa ^ (PhysAddr(PGSIZE) << k)
		bidx := int(buddyPa >> PGSHIFT)
		if bidx >= mm.nframes {
			break
		}
		p := &mm.pools[k]
		p.lock.Lock()
		b := &mm.frames[bidx]
		// The sibling is mergeable only while it is itself a free
		// group head of the same order, still sitting in this pool.
		// All of that is re-validated here, inside the pool lock,
		// because it may have been allocated since any earlier look.
		if b.kind != KindBuddy || b.head != b || int(b.order) != k || b.bstate != buddyFree {
			p.push(cur)
			p.lock.Unlock()
			return
		}
		p.detach(b)
		p.lock.Unlock()

		lower := cur
		if b.pa < cur.pa {
			lower = b
		}
		k++
		mm.setRunHead(lower, k)
		lower.order = uint8(k)
		lower.bstate = buddyMerging
		cur = lower
	}
	p := &mm.pools[k]
	p.lock.Lock()
	p.push(cur)
	p.lock.Unlock()
}

// FreeFrames releases a run whose head reference count has already
// been driven to zero by the caller.
func (mm *Mem) FreeFrames(f *Frame) {
	if f == nil || f.kind == KindTail {
		panic("mem: FreeFrames on nil or tail frame")
	}
	mm.freeRun(f)
}

// BuddyPoolStat describes one order's pool.
type BuddyPoolStat struct {
	Order  int
	Groups int
	Frames int
}

// BuddyStats returns a snapshot of every order's pool.
func (mm *Mem) BuddyStats() []BuddyPoolStat {
	out := make([]BuddyPoolStat, 0, MaxOrder+1)
	for k := 0; k <= MaxOrder; k++ {
		p := &mm.pools[k]
		p.lock.Lock()
		out = append(out, BuddyPoolStat{Order: k, Groups: p.count, Frames: p.count << k})
		p.lock.Unlock()
	}
	return out
}

// FreeFrameCount returns the total number of frames currently in the
// buddy pools.
func (mm *Mem) FreeFrameCount() int {
	total := 0
	for _, s := range mm.BuddyStats() {
		total += s.Frames
	}
	return total
}
