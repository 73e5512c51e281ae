// Package mem - Physical frame management and object allocation
//
// What: A buddy allocator over a contiguous arena of 4 KiB frames, a
//       slab allocator layered on top of it, and the kmm generic
//       small-object interface.
// How: One descriptor per frame with a tagged payload (buddy group,
//      slab, page-cache), per-order free pools with per-order locks,
//      per-shard slab lists with a shared free-slab pool.
// Why: The page cache and its collaborators need strict
//      reference-counted frame ownership with O(1) address-to-owner
//      resolution from any interior address.
package mem

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/SimonWaldherr/tinyMM/internal/ksync"
)

const (
	// PGSHIFT is the base-2 exponent of the frame size.
	PGSHIFT = 12

	// PGSIZE is the size of one frame in bytes (4 KiB).
	PGSIZE = 1 << PGSHIFT

	// BlkSize is the logical block unit used by the page cache.
	BlkSize = 512

	// MaxOrder is the largest buddy group order (4 MiB groups).
	MaxOrder = 10
)

// Allocation errors. Invariant violations (double free, refcount
// underflow, merging a non-buddy) do not return errors; they panic.
var (
	// ErrNoMem reports allocator exhaustion after the reclaim retry.
	ErrNoMem = errors.New("mem: out of memory")

	// ErrInval reports an invalid argument or object state.
	ErrInval = errors.New("mem: invalid argument")
)

// PhysAddr is a physical address: a byte offset from the base of the
// managed arena.
type PhysAddr uint64

// Config configures a Mem instance.
type Config struct {
	// Size is the managed arena size in bytes; rounded down to a
	// whole number of frames.
	Size int64

	// Shards is the number of per-CPU slab shards (default: NumCPU).
	Shards int
}

// Mem owns one contiguous managed memory region: the arena, the frame
// table covering it, the buddy free pools, and the slab cache
// registry. All allocation in the module bottoms out here.
type Mem struct {
	arena   []byte
	nframes int
	frames  []Frame

	pools [MaxOrder + 1]buddyPool

	ncpu    int
	cpuHint atomic.Uint32

	regLock  ksync.SpinLock
	registry []*SlabCache
	inShrink atomic.Bool

	kmm []*SlabCache
}

// New builds a Mem over a freshly allocated arena and seeds the buddy
// pools with every frame.
func New(cfg Config) (*Mem, error) {
	nframes := int(cfg.Size >> PGSHIFT)
	if nframes <= 0 {
		return nil, fmt.Errorf("arena of %d bytes holds no frames: %w", cfg.Size, ErrInval)
	}
	ncpu := cfg.Shards
	if ncpu <= 0 {
		ncpu = runtime.NumCPU()
	}

	mm := &Mem{
		arena:   make([]byte, nframes*PGSIZE),
		nframes: nframes,
		frames:  make([]Frame, nframes),
		ncpu:    ncpu,
	}
	for i := range mm.frames {
		f := &mm.frames[i]
		f.mm = mm
		f.pa = PhysAddr(i) << PGSHIFT
		f.kind = KindBuddy
	}
	mm.seedBuddy()
	if err := mm.kmmInit(); err != nil {
		return nil, err
	}
	return mm, nil
}

// Shards returns the number of slab shards.
func (mm *Mem) Shards() int { return mm.ncpu }

// TotalFrames returns the number of managed frames.
func (mm *Mem) TotalFrames() int { return mm.nframes }

// FrameOf resolves a physical address to its frame descriptor.
func (mm *Mem) FrameOf(pa PhysAddr) (*Frame, error) {
	idx := int(pa >> PGSHIFT)
	if idx < 0 || idx >= mm.nframes {
		return nil, fmt.Errorf("address %#x outside managed region: %w", uint64(pa), ErrInval)
	}
	return &mm.frames[idx], nil
}

// Bytes returns the n arena bytes starting at pa.
func (mm *Mem) Bytes(pa PhysAddr, n int) []byte {
	end := int(pa) + n
	if int(pa) < 0 || n < 0 || end > len(mm.arena) {
		panic(fmt.Sprintf("mem: byte range [%#x,%#x) outside arena", uint64(pa), end))
	}
	return mm.arena[pa:PhysAddr(end)]
}

// register adds a slab cache to the process-wide shrink registry.
func (mm *Mem) register(c *SlabCache) {
	mm.regLock.Lock()
	mm.registry = append(mm.registry, c)
	mm.regLock.Unlock()
}

// unregister removes a cache from the shrink registry.
func (mm *Mem) unregister(c *SlabCache) {
	mm.regLock.Lock()
	for i, r := range mm.registry {
		if r == c {
			mm.registry = append(mm.registry[:i], mm.registry[i+1:]...)
			break
		}
	}
	mm.regLock.Unlock()
}

// SlabShrinkAll releases half of every registered cache's free slabs
// back to the buddy pools. It is the reclaim step taken when a buddy
// allocation fails; the inShrink flag keeps reclaim from re-entering
// itself through the allocation it performs.
func (mm *Mem) SlabShrinkAll() {
	if !mm.inShrink.CompareAndSwap(false, true) {
		return
	}
	defer mm.inShrink.Store(false)

	mm.regLock.Lock()
	caches := append([]*SlabCache(nil), mm.registry...)
	mm.regLock.Unlock()
	for _, c := range caches {
		c.shrink(false)
	}
}

// allocFramesReclaim is AllocFrames with the canonical OOM sequence:
// on failure, shrink every registered slab cache and retry once.
func (mm *Mem) allocFramesReclaim(order int, kind FrameKind) (*Frame, error) {
	f, err := mm.AllocFrames(order, kind)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, ErrNoMem) {
		return nil, err
	}
	mm.SlabShrinkAll()
	return mm.AllocFrames(order, kind)
}
