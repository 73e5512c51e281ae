package mem

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// kmm — generic small-object allocator
// ───────────────────────────────────────────────────────────────────────────
//
// A fixed ladder of power-of-two slab caches from SlabObjMin to
// SlabObjMax backs the size-generic Alloc/Free interface. Frees route
// back through the frame table, so callers never name the cache.

// kmmInit builds the power-of-two cache ladder.
func (mm *Mem) kmmInit() error {
	for size := SlabObjMin; size <= SlabObjMax; size <<= 1 {
		c, err := mm.NewSlabCache(fmt.Sprintf("kmm-%d", size), size, SlabStatic|SlabEmbedded)
		if err != nil {
			return fmt.Errorf("kmm cache for size %d: %w", size, err)
		}
		mm.kmm = append(mm.kmm, c)
	}
	return nil
}

// KmmAlloc returns an object of at least size bytes. Sizes above
// SlabObjMax are not served here; callers that large go straight to
// the frame allocator.
func (mm *Mem) KmmAlloc(size int) (PhysAddr, error) {
	if size <= 0 || size > SlabObjMax {
		return 0, fmt.Errorf("kmm alloc of %d bytes: %w", size, ErrInval)
	}
	for _, c := range mm.kmm {
		if c.objSize >= size {
			return c.Alloc()
		}
	}
	return 0, fmt.Errorf("kmm alloc of %d bytes: %w", size, ErrInval)
}

// KmmFree returns an object obtained from KmmAlloc.
func (mm *Mem) KmmFree(pa PhysAddr) {
	s, err := mm.resolveSlab(pa)
	if err != nil {
		panic(fmt.Sprintf("mem: kmm free of %#x: %v", uint64(pa), err))
	}
	s.cache.Free(pa)
}

// KmmShrinkAll drains every kmm cache's free slabs entirely. It is a
// more aggressive reclaim than SlabShrinkAll, which halves the free
// pool of every registered cache.
func (mm *Mem) KmmShrinkAll() {
	for _, c := range mm.kmm {
		c.shrink(true)
	}
}

// KmmCaches exposes the ladder for stats and dump consumers.
func (mm *Mem) KmmCaches() []*SlabCache {
	return append([]*SlabCache(nil), mm.kmm...)
}

// Caches snapshots the full registry.
func (mm *Mem) Caches() []*SlabCache {
	mm.regLock.Lock()
	defer mm.regLock.Unlock()
	return append([]*SlabCache(nil), mm.registry...)
}
