package mem

import "testing"

func TestSlabOrderTable(t *testing.T) {
	tests := []struct {
		objSize   int
		hdr       int
		wantOrder uint8
	}{
		{8, 0, 0},
		{128, 0, 0},
		{256, 0, 1},
		{512, 0, 1},
		{1024, 0, 2},
		{2048, 0, 3},
		{2048, slabHdrSize, 3},
	}
	for _, tc := range tests {
		order, objNum := slabOrderFor(tc.objSize, tc.hdr)
		if order != tc.wantOrder {
			t.Fatalf("size %d hdr %d: order %d, want %d", tc.objSize, tc.hdr, order, tc.wantOrder)
		}
		if objNum < 8 {
			t.Fatalf("size %d: %d objects per slab, want >= 8", tc.objSize, objNum)
		}
	}
}

func TestSlabBitmap_DoubleAllocPanics(t *testing.T) {
	mm, err := New(Config{Size: 1024 * PGSIZE, Shards: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := mm.NewSlabCache("bitmap-probe", 64, SlabDebug)
	if err != nil {
		t.Fatalf("NewSlabCache: %v", err)
	}
	s, err := c.grow()
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	pa := c.takeObj(s)
	// Corrupt the free list so the same slot comes off it again.
	s.free = pa
	defer func() {
		if recover() == nil {
			t.Fatal("expected double-allocation panic")
		}
	}()
	c.takeObj(s)
}

func TestSlabFreeList_ThreadsWholeSlab(t *testing.T) {
	mm, err := New(Config{Size: 1024 * PGSIZE, Shards: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c, err := mm.NewSlabCache("thread-probe", 128, 0)
	if err != nil {
		t.Fatalf("NewSlabCache: %v", err)
	}
	s, err := c.grow()
	if err != nil {
		t.Fatalf("grow: %v", err)
	}
	count := 0
	for pa := s.free; pa != nilObj; pa = c.readNext(pa) {
		count++
	}
	if count != c.objNum {
		t.Fatalf("free list threads %d objects, want %d", count, c.objNum)
	}
}
