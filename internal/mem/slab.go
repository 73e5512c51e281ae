package mem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
)

// ───────────────────────────────────────────────────────────────────────────
// Slab allocator
// ───────────────────────────────────────────────────────────────────────────
//
// A slab cache serves one object size out of 2^order frame runs. Each
// shard ("CPU") owns a partial and a full list under its own lock;
// empty slabs sit on a shared free list. The free-object list is
// threaded through the objects themselves: a free object's first
// eight bytes hold the arena offset of the next free object.
//
// Lock order, top to bottom: shard lock < global-free lock < buddy
// pool lock. There are no back edges; in particular the buddy layer
// never calls into a slab cache.

const (
	// SlabObjMin and SlabObjMax bound kmm's size classes.
	SlabObjMin = 8
	SlabObjMax = 2048

	// slabHdrSize is the head-page area reserved when a cache embeds
	// its slab descriptors.
	slabHdrSize = 64

	// maxSlabOrder caps the adaptive slab order bump.
	maxSlabOrder = 5

	// nilObj terminates the threaded free-object list. Offset zero
	// is a valid object address, so the sentinel is all-ones.
	nilObj = ^PhysAddr(0)
)

// SlabFlags adjust cache behavior.
type SlabFlags uint8

const (
	// SlabStatic marks a cache that may not be destroyed.
	SlabStatic SlabFlags = 1 << iota

	// SlabEmbedded reserves descriptor space in each slab's head
	// page, shrinking the object area accordingly.
	SlabEmbedded

	// SlabDebug enables the per-object bitmap that turns double
	// allocation and double free into immediate panics.
	SlabDebug
)

// slabState tracks which list a slab is on.
type slabState uint8

const (
	slabFree slabState = iota // on the cache's global free list
	slabPartial
	slabFull
	slabDequeued // privately held, on no list
)

// Slab is the descriptor for one object run.
type Slab struct {
	cache *SlabCache
	base  PhysAddr
	order uint8
	state slabState

	// cpu is the owning shard, or -1 while on the global free list.
	// It is read without the shard lock to pick the lock to take,
	// then re-validated under it.
	cpu atomic.Int32

	inUse  int
	free   PhysAddr
	bitmap []uint64

	next, prev *Slab
}

// slabList is an intrusive doubly-linked list of slabs.
type slabList struct {
	head, tail *Slab
	count      int
}

func (l *slabList) push(s *Slab) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	} else {
		l.tail = s
	}
	l.head = s
	l.count++
}

func (l *slabList) remove(s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nil, nil
	l.count--
}

func (l *slabList) popTail() *Slab {
	s := l.tail
	if s != nil {
		l.remove(s)
	}
	return s
}

// slabShard is one shard's lists.
type slabShard struct {
	lock    ksync.SpinLock
	partial slabList
	full    slabList
}

// SlabCache is the pool of all slabs for one object size.
type SlabCache struct {
	mm      *Mem
	name    string
	objSize int
	flags   SlabFlags

	order   uint8
	objNum  int
	hdr     int
	limits  int

	shards []slabShard

	freeLock  ksync.SpinLock
	freeSlabs slabList

	slabTotal int64
	objActive int64
	objTotal  int64
}

// slabOrderFor picks the initial slab order for an object size, then
// bumps it until a slab holds at least eight objects.
func slabOrderFor(objSize, hdr int) (order uint8, objNum int) {
	switch {
	case objSize <= 128:
		order = 0
	case objSize <= 512:
		order = 1
	case objSize <= 1024:
		order = 2
	case objSize <= 2048:
		order = 3
	default:
		order = 4
	}
	for {
		objNum = ((PGSIZE << order) - hdr) / objSize
		if objNum >= 8 || order >= maxSlabOrder {
			return order, objNum
		}
		order++
	}
}

// NewSlabCache creates and registers a cache for one object size.
// The size is rounded up to a multiple of eight, with a floor of
// eight bytes.
func (mm *Mem) NewSlabCache(name string, objSize int, flags SlabFlags) (*SlabCache, error) {
	if objSize <= 0 {
		return nil, fmt.Errorf("object size %d: %w", objSize, ErrInval)
	}
	if objSize < SlabObjMin {
		objSize = SlabObjMin
	}
	objSize = (objSize + 7) &^ 7

	hdr := 0
	if flags&SlabEmbedded != 0 {
		hdr = slabHdrSize
	}
	order, objNum := slabOrderFor(objSize, hdr)

	c := &SlabCache{
		mm:      mm,
		name:    name,
		objSize: objSize,
		flags:   flags,
		order:   order,
		objNum:  objNum,
		hdr:     hdr,
		limits:  objNum * 4,
		shards:  make([]slabShard, mm.ncpu),
	}
	mm.register(c)
	return c, nil
}

// Destroy releases every free slab and removes the cache from the
// registry. Destroying a STATIC cache or one with live objects is a
// fatal misuse.
func (c *SlabCache) Destroy() {
	if c.flags&SlabStatic != 0 {
		panic(fmt.Sprintf("mem: destroy of static slab cache %q", c.name))
	}
	if atomic.LoadInt64(&c.objActive) != 0 {
		panic(fmt.Sprintf("mem: destroy of slab cache %q with live objects", c.name))
	}
	c.shrink(true)
	c.mm.unregister(c)
}

// Name returns the cache name.
func (c *SlabCache) Name() string { return c.name }

// ObjSize returns the rounded object size.
func (c *SlabCache) ObjSize() int { return c.objSize }

// SlabOrder returns the chosen slab order.
func (c *SlabCache) SlabOrder() int { return int(c.order) }

// ObjPerSlab returns the number of objects per slab.
func (c *SlabCache) ObjPerSlab() int { return c.objNum }

// ── Free-list threading ────────────────────────────────────────────────────

func (c *SlabCache) readNext(pa PhysAddr) PhysAddr {
	return PhysAddr(binary.LittleEndian.Uint64(c.mm.Bytes(pa, 8)))
}

func (c *SlabCache) writeNext(pa, next PhysAddr) {
	binary.LittleEndian.PutUint64(c.mm.Bytes(pa, 8), uint64(next))
}

// objIndex returns the object's slot number within its slab.
func (s *Slab) objIndex(pa PhysAddr) int {
	off := int(pa - s.base - PhysAddr(s.cache.hdr))
	if off < 0 || off%s.cache.objSize != 0 {
		panic(fmt.Sprintf("mem: address %#x is not an object of cache %q", uint64(pa), s.cache.name))
	}
	idx := off / s.cache.objSize
	if idx >= s.cache.objNum {
		panic(fmt.Sprintf("mem: address %#x beyond slab of cache %q", uint64(pa), s.cache.name))
	}
	return idx
}

func (s *Slab) bitmapSet(idx int) {
	word, bit := idx/64, uint(idx%64)
	if s.bitmap[word]&(1<<bit) != 0 {
		panic(fmt.Sprintf("mem: double allocation in cache %q, slot %d", s.cache.name, idx))
	}
	s.bitmap[word] |= 1 << bit
}

func (s *Slab) bitmapClear(idx int) {
	word, bit := idx/64, uint(idx%64)
	if s.bitmap[word]&(1<<bit) == 0 {
		panic(fmt.Sprintf("mem: double free in cache %q, slot %d", s.cache.name, idx))
	}
	s.bitmap[word] &^= 1 << bit
}

// takeObj pops one object off the slab's free list. Caller owns the
// slab (shard lock, or a privately held slab).
func (c *SlabCache) takeObj(s *Slab) PhysAddr {
	pa := s.free
	if pa == nilObj {
		panic(fmt.Sprintf("mem: takeObj on exhausted slab of cache %q", c.name))
	}
	s.free = c.readNext(pa)
	s.inUse++
	if s.bitmap != nil {
		s.bitmapSet(s.objIndex(pa))
	}
	return pa
}

// putObj pushes one object back. Caller owns the slab.
func (c *SlabCache) putObj(s *Slab, pa PhysAddr) {
	if s.bitmap != nil {
		s.bitmapClear(s.objIndex(pa))
	}
	c.writeNext(pa, s.free)
	s.free = pa
	s.inUse--
}

// ── Allocation ─────────────────────────────────────────────────────────────

// grow allocates frames for a fresh slab and threads its free list.
// The slab comes back dequeued and unowned.
func (c *SlabCache) grow() (*Slab, error) {
	f, err := c.mm.allocFramesReclaim(int(c.order), KindSlab)
	if err != nil {
		return nil, err
	}
	s := &Slab{
		cache: c,
		base:  f.pa,
		order: c.order,
		state: slabDequeued,
		free:  nilObj,
	}
	s.cpu.Store(-1)
	if c.flags&SlabDebug != 0 {
		s.bitmap = make([]uint64, (c.objNum+63)/64)
	}
	// Thread the free list back to front so allocation walks the
	// slab in address order.
	for i := c.objNum - 1; i >= 0; i-- {
		pa := s.base + PhysAddr(c.hdr+i*c.objSize)
		c.writeNext(pa, s.free)
		s.free = pa
	}
	f.Lock()
	f.slab = s
	f.Unlock()

	atomic.AddInt64(&c.slabTotal, 1)
	atomic.AddInt64(&c.objTotal, int64(c.objNum))
	return s, nil
}

// Alloc returns one object, or ErrNoMem after the reclaim retry.
func (c *SlabCache) Alloc() (PhysAddr, error) {
	cpu := int(c.mm.cpuHint.Add(1)) % c.mm.ncpu
	sh := &c.shards[cpu]

	// Fast path: the shard's partial list.
	sh.lock.Lock()
	if s := sh.partial.head; s != nil {
		pa := c.takeObj(s)
		if s.inUse == c.objNum {
			sh.partial.remove(s)
			s.state = slabFull
			sh.full.push(s)
		}
		sh.lock.Unlock()
		atomic.AddInt64(&c.objActive, 1)
		return pa, nil
	}
	sh.lock.Unlock()

	// Medium path: adopt a slab from the global free pool.
	c.freeLock.Lock()
	s := c.freeSlabs.popTail()
	if s != nil {
		s.state = slabDequeued
	}
	c.freeLock.Unlock()

	// Slow path: grow the cache.
	if s == nil {
		var err error
		s, err = c.grow()
		if err != nil {
			return 0, err
		}
	}

	pa := c.takeObj(s)
	s.cpu.Store(int32(cpu))
	sh.lock.Lock()
	if s.inUse == c.objNum {
		s.state = slabFull
		sh.full.push(s)
	} else {
		s.state = slabPartial
		sh.partial.push(s)
	}
	sh.lock.Unlock()
	atomic.AddInt64(&c.objActive, 1)
	return pa, nil
}

// ── Free ───────────────────────────────────────────────────────────────────

// resolveSlab maps an arena address to the slab owning it.
func (mm *Mem) resolveSlab(pa PhysAddr) (*Slab, error) {
	f, err := mm.FrameOf(pa)
	if err != nil {
		return nil, err
	}
	head := f.Head()
	if head.kind != KindSlab || head.slab == nil {
		return nil, fmt.Errorf("address %#x is not a slab object: %w", uint64(pa), ErrInval)
	}
	return head.slab, nil
}

// Free returns one object to its cache, shrinking the global free
// pool when it crosses the cache's threshold.
func (c *SlabCache) Free(pa PhysAddr) {
	c.freeObj(pa, true)
}

// FreeNoShrink is Free without the shrink step. It exists for batch
// frees whose free-list linkage lives inside the objects being freed.
func (c *SlabCache) FreeNoShrink(pa PhysAddr) {
	c.freeObj(pa, false)
}

func (c *SlabCache) freeObj(pa PhysAddr, shrink bool) {
	s, err := c.mm.resolveSlab(pa)
	if err != nil {
		panic(fmt.Sprintf("mem: free of %#x: %v", uint64(pa), err))
	}
	if s.cache != c {
		panic(fmt.Sprintf("mem: object %#x belongs to cache %q, freed via %q", uint64(pa), s.cache.name, c.name))
	}

	// Lock the owning shard by numeric id; the slab may migrate
	// between the unlocked read and the acquisition, so re-validate.
	var sh *slabShard
	for {
		cpu := s.cpu.Load()
		if cpu < 0 {
			panic(fmt.Sprintf("mem: free into free-pool slab of cache %q", c.name))
		}
		sh = &c.shards[cpu]
		sh.lock.Lock()
		if s.cpu.Load() == cpu {
			break
		}
		sh.lock.Unlock()
	}

	c.putObj(s, pa)
	atomic.AddInt64(&c.objActive, -1)

	switch {
	case s.state == slabFull && s.inUse < c.objNum:
		sh.full.remove(s)
		s.state = slabPartial
		sh.partial.push(s)
	case s.state == slabPartial && s.inUse == 0:
		sh.partial.remove(s)
		s.state = slabDequeued
	}

	if s.state != slabDequeued {
		sh.lock.Unlock()
		return
	}
	sh.lock.Unlock()

	// Empty: hand the slab to the global free pool.
	c.freeLock.Lock()
	s.cpu.Store(-1)
	s.state = slabFree
	c.freeSlabs.push(s)
	over := shrink && c.freeSlabs.count*c.objNum >= c.limits
	c.freeLock.Unlock()

	if over {
		c.shrink(false)
	}
}

// ── Shrink ─────────────────────────────────────────────────────────────────

// shrink releases free slabs back to the buddy pools: half of them,
// or all of them when drain is set. Frames are released outside the
// free-list lock.
func (c *SlabCache) shrink(drain bool) {
	c.freeLock.Lock()
	n := c.freeSlabs.count
	if !drain {
		n = (n + 1) / 2
	}
	var victims []*Slab
	for i := 0; i < n; i++ {
		s := c.freeSlabs.popTail()
		if s == nil {
			break
		}
		s.state = slabDequeued
		victims = append(victims, s)
	}
	c.freeLock.Unlock()

	for _, s := range victims {
		f, err := c.mm.FrameOf(s.base)
		if err != nil {
			panic(fmt.Sprintf("mem: slab of cache %q has invalid base: %v", c.name, err))
		}
		f.Lock()
		f.slab = nil
		f.Unlock()
		atomic.AddInt64(&c.slabTotal, -1)
		atomic.AddInt64(&c.objTotal, -int64(c.objNum))
		f.RefDec()
	}
}

// Shrink releases half of the cache's free slabs.
func (c *SlabCache) Shrink() { c.shrink(false) }

// ── Stats ──────────────────────────────────────────────────────────────────

// SlabCacheStat is a point-in-time snapshot of one cache.
type SlabCacheStat struct {
	Name       string
	ObjSize    int
	SlabOrder  int
	ObjPerSlab int
	SlabTotal  int64
	ObjActive  int64
	ObjTotal   int64
	FreeSlabs  int
	PerShard   []SlabShardStat
}

// SlabShardStat counts one shard's list membership.
type SlabShardStat struct {
	Partial int
	Full    int
}

// Stats snapshots the cache's counters and list sizes.
func (c *SlabCache) Stats() SlabCacheStat {
	st := SlabCacheStat{
		Name:       c.name,
		ObjSize:    c.objSize,
		SlabOrder:  int(c.order),
		ObjPerSlab: c.objNum,
		SlabTotal:  atomic.LoadInt64(&c.slabTotal),
		ObjActive:  atomic.LoadInt64(&c.objActive),
		ObjTotal:   atomic.LoadInt64(&c.objTotal),
	}
	for i := range c.shards {
		sh := &c.shards[i]
		sh.lock.Lock()
		st.PerShard = append(st.PerShard, SlabShardStat{
			Partial: sh.partial.count,
			Full:    sh.full.count,
		})
		sh.lock.Unlock()
	}
	c.freeLock.Lock()
	st.FreeSlabs = c.freeSlabs.count
	c.freeLock.Unlock()
	return st
}
