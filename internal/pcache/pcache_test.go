package pcache_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SimonWaldherr/tinyMM/internal/mem"
	"github.com/SimonWaldherr/tinyMM/internal/pcache"
)

var (
	errIO   = errors.New("io error")
	errPipe = errors.New("pipe error")
)

// fakeOps is a scriptable vtable counting every invocation.
type fakeOps struct {
	reads, writes   atomic.Int32
	begins, ends    atomic.Int32
	dirties, invals atomic.Int32
	aborts          atomic.Int32

	readErr  error
	writeErr error
	beginErr error
	endErr   error

	// readGate, when non-nil, blocks ReadPage until closed.
	readGate chan struct{}
	// readStarted is signalled once per ReadPage entry.
	readStarted chan struct{}
}

func (o *fakeOps) ReadPage(pc *pcache.PCache, f *mem.Frame) error {
	if o.readStarted != nil {
		o.readStarted <- struct{}{}
	}
	if o.readGate != nil {
		<-o.readGate
	}
	o.reads.Add(1)
	return o.readErr
}

func (o *fakeOps) WritePage(pc *pcache.PCache, f *mem.Frame) error {
	o.writes.Add(1)
	return o.writeErr
}

func (o *fakeOps) WriteBegin(pc *pcache.PCache, f *mem.Frame) error {
	o.begins.Add(1)
	return o.beginErr
}

func (o *fakeOps) WriteEnd(pc *pcache.PCache, f *mem.Frame) error {
	o.ends.Add(1)
	return o.endErr
}

func (o *fakeOps) MarkDirty(pc *pcache.PCache, f *mem.Frame)      { o.dirties.Add(1) }
func (o *fakeOps) InvalidatePage(pc *pcache.PCache, f *mem.Frame) { o.invals.Add(1) }
func (o *fakeOps) AbortIO(pc *pcache.PCache, f *mem.Frame)        { o.aborts.Add(1) }

func newCache(t *testing.T, ops pcache.Ops, maxPages int) (*mem.Mem, *pcache.PCache) {
	t.Helper()
	mm, err := mem.New(mem.Config{Size: 256 * mem.PGSIZE, Shards: 1})
	if err != nil {
		t.Fatalf("mem.New: %v", err)
	}
	pc, err := pcache.New(mm, ops, pcache.Config{
		BlkCount: 1024,
		MaxPages: maxPages,
	})
	if err != nil {
		t.Fatalf("pcache.New: %v", err)
	}
	return mm, pc
}

func TestGetPage_SharedAcrossCallers(t *testing.T) {
	_, pc := newCache(t, &fakeOps{}, 64)

	var wg sync.WaitGroup
	frames := make([]*mem.Frame, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := pc.GetPage(8)
			if err != nil {
				t.Errorf("GetPage: %v", err)
				return
			}
			frames[i] = f
		}()
	}
	wg.Wait()
	if frames[0] == nil || frames[0] != frames[1] {
		t.Fatalf("callers saw different frames: %p vs %p", frames[0], frames[1])
	}
	if st := pc.Stats(); st.PageCount != 1 {
		t.Fatalf("page count %d, want 1", st.PageCount)
	}
	if err := pc.PutPage(frames[0]); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	if err := pc.PutPage(frames[1]); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	st := pc.Stats()
	if st.LRUCount != 1 {
		t.Fatalf("LRU count %d, want 1", st.LRUCount)
	}
	if frames[0].RefCount() != 1 {
		t.Fatalf("refcount %d, want 1 (node residency only)", frames[0].RefCount())
	}
}

func TestGetPage_EvictsLRUTail(t *testing.T) {
	_, pc := newCache(t, &fakeOps{}, 1)

	f0, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage(0): %v", err)
	}
	if err := pc.PutPage(f0); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	pa0 := f0.PA()

	f8, err := pc.GetPage(8)
	if err != nil {
		t.Fatalf("GetPage(8): %v", err)
	}
	if f8.PA() == pa0 {
		t.Fatal("eviction reused the same frame for a different block")
	}
	st := pc.Stats()
	if st.PageCount != 1 {
		t.Fatalf("page count %d, want 1", st.PageCount)
	}
	if st.Evictions != 1 {
		t.Fatalf("evictions %d, want 1", st.Evictions)
	}
	pc.PutPage(f8)
}

func TestGetPage_NoVictimFails(t *testing.T) {
	_, pc := newCache(t, &fakeOps{}, 1)

	f0, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage(0): %v", err)
	}
	// Block 0 stays referenced and dirty: nothing is evictable.
	if err := pc.MarkPageDirty(f0); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if _, err := pc.GetPage(8); !errors.Is(err, mem.ErrNoMem) {
		t.Fatalf("GetPage(8): got %v, want ErrNoMem", err)
	}
	st := pc.Stats()
	if st.PageCount != 1 {
		t.Fatalf("page count %d, want 1", st.PageCount)
	}
	if st.DirtyCount != 1 {
		t.Fatalf("dirty count %d, want 1", st.DirtyCount)
	}
	pc.PutPage(f0)
}

func TestGetPage_OutOfRange(t *testing.T) {
	_, pc := newCache(t, &fakeOps{}, 4)
	if _, err := pc.GetPage(1024); !errors.Is(err, pcache.ErrInval) {
		t.Fatalf("got %v, want ErrInval", err)
	}
	if _, err := pc.GetPage(-1); !errors.Is(err, pcache.ErrInval) {
		t.Fatalf("got %v, want ErrInval", err)
	}
}

func TestReadPage_Idempotent(t *testing.T) {
	ops := &fakeOps{}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.ReadPage(f); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if err := pc.ReadPage(f); err != nil {
		t.Fatalf("second ReadPage: %v", err)
	}
	if ops.reads.Load() != 1 {
		t.Fatalf("device reads %d, want 1", ops.reads.Load())
	}
}

func TestReadPage_SingleFlight(t *testing.T) {
	ops := &fakeOps{
		readGate:    make(chan struct{}),
		readStarted: make(chan struct{}, 2),
	}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pc.ReadPage(f); err != nil {
				t.Errorf("ReadPage: %v", err)
			}
		}()
	}
	// One initiator reaches the device; the other sleeps on the node.
	<-ops.readStarted
	select {
	case <-ops.readStarted:
		t.Fatal("both readers reached the device")
	case <-time.After(20 * time.Millisecond):
	}
	close(ops.readGate)
	wg.Wait()
	if ops.reads.Load() != 1 {
		t.Fatalf("device reads %d, want 1", ops.reads.Load())
	}
}

func TestReadPage_ErrorLeavesNotUptodate(t *testing.T) {
	ops := &fakeOps{readErr: errIO}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.ReadPage(f); !errors.Is(err, errIO) {
		t.Fatalf("got %v, want errIO", err)
	}
	// The failed read left the node stale; a retry hits the device.
	ops.readErr = nil
	if err := pc.ReadPage(f); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ops.reads.Load() != 2 {
		t.Fatalf("device reads %d, want 2", ops.reads.Load())
	}
}

func TestMarkPageDirty_Idempotent(t *testing.T) {
	ops := &fakeOps{}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("second MarkPageDirty: %v", err)
	}
	if ops.dirties.Load() != 1 {
		t.Fatalf("dirty hook ran %d times, want 1", ops.dirties.Load())
	}
	if st := pc.Stats(); st.DirtyCount != 1 {
		t.Fatalf("dirty count %d, want 1", st.DirtyCount)
	}
}

func TestMarkPageDirty_BusyDuringIO(t *testing.T) {
	ops := &fakeOps{
		readGate:    make(chan struct{}),
		readStarted: make(chan struct{}, 1),
	}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		pc.ReadPage(f)
	}()
	<-ops.readStarted
	if err := pc.MarkPageDirty(f); !errors.Is(err, pcache.ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	if err := pc.InvalidatePage(f); !errors.Is(err, pcache.ErrBusy) {
		t.Fatalf("invalidate: got %v, want ErrBusy", err)
	}
	close(ops.readGate)
	<-done
}

func TestInvalidatePage_ForcesRefetch(t *testing.T) {
	ops := &fakeOps{}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.ReadPage(f); err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.InvalidatePage(f); err != nil {
		t.Fatalf("InvalidatePage: %v", err)
	}
	if ops.invals.Load() != 1 {
		t.Fatalf("invalidate hook ran %d times, want 1", ops.invals.Load())
	}
	if st := pc.Stats(); st.DirtyCount != 0 {
		t.Fatalf("dirty count %d after invalidate, want 0", st.DirtyCount)
	}
	if err := pc.ReadPage(f); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if ops.reads.Load() != 2 {
		t.Fatalf("device reads %d, want 2", ops.reads.Load())
	}
}

func TestFlush_WritesDirtyPage(t *testing.T) {
	ops := &fakeOps{}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ops.begins.Load() != 1 || ops.writes.Load() != 1 || ops.ends.Load() != 1 {
		t.Fatalf("write bracket begin/page/end = %d/%d/%d, want 1/1/1",
			ops.begins.Load(), ops.writes.Load(), ops.ends.Load())
	}
	st := pc.Stats()
	if st.DirtyCount != 0 {
		t.Fatalf("dirty count %d, want 0", st.DirtyCount)
	}
	if st.LRUCount != 1 {
		t.Fatalf("LRU count %d, want 1 (flushed node parks on LRU)", st.LRUCount)
	}
}

func TestFlush_WriteBeginErrorAbortsRound(t *testing.T) {
	ops := &fakeOps{beginErr: errIO}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.Flush(); !errors.Is(err, errIO) {
		t.Fatalf("Flush: got %v, want errIO", err)
	}
	if ops.begins.Load() != 1 || ops.writes.Load() != 0 || ops.ends.Load() != 0 {
		t.Fatalf("write bracket begin/page/end = %d/%d/%d, want 1/0/0",
			ops.begins.Load(), ops.writes.Load(), ops.ends.Load())
	}
	if ops.aborts.Load() != 1 {
		t.Fatalf("abort hook ran %d times, want 1", ops.aborts.Load())
	}
	if st := pc.Stats(); st.DirtyCount != 1 {
		t.Fatalf("dirty count %d, want 1 (node stays dirty)", st.DirtyCount)
	}
	if !errors.Is(pc.FlushErr(), errIO) {
		t.Fatalf("recorded flush error %v, want errIO", pc.FlushErr())
	}
}

func TestFlush_WriteEndErrorWins(t *testing.T) {
	ops := &fakeOps{writeErr: errIO, endErr: errPipe}
	_, pc := newCache(t, ops, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	defer pc.PutPage(f)

	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.Flush(); !errors.Is(err, errPipe) {
		t.Fatalf("Flush: got %v, want errPipe (the later error)", err)
	}
	if ops.ends.Load() != 1 {
		t.Fatal("WriteEnd skipped after WritePage failure")
	}
	if st := pc.Stats(); st.DirtyCount != 1 {
		t.Fatalf("dirty count %d, want 1", st.DirtyCount)
	}
}

func TestPutPage_ParksDirtyNodeOnDirtyList(t *testing.T) {
	_, pc := newCache(t, &fakeOps{}, 4)
	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.PutPage(f); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	st := pc.Stats()
	if st.DirtyCount != 1 || st.LRUCount != 0 {
		t.Fatalf("dirty/lru = %d/%d, want 1/0", st.DirtyCount, st.LRUCount)
	}
}

func TestClose_ReleasesEverything(t *testing.T) {
	ops := &fakeOps{}
	mm, pc := newCache(t, ops, 8)
	for blk := int64(0); blk < 4; blk++ {
		f, err := pc.GetPage(blk * 8)
		if err != nil {
			t.Fatalf("GetPage(%d): %v", blk*8, err)
		}
		if err := pc.MarkPageDirty(f); err != nil {
			t.Fatalf("MarkPageDirty: %v", err)
		}
		if err := pc.PutPage(f); err != nil {
			t.Fatalf("PutPage: %v", err)
		}
	}
	if err := pc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ops.writes.Load() != 4 {
		t.Fatalf("teardown flushed %d pages, want 4", ops.writes.Load())
	}
	if mm.FreeFrameCount() != mm.TotalFrames() {
		t.Fatalf("frames leaked on close: %d free of %d", mm.FreeFrameCount(), mm.TotalFrames())
	}
	if _, err := pc.GetPage(0); !errors.Is(err, pcache.ErrInval) {
		t.Fatalf("GetPage after close: got %v, want ErrInval", err)
	}
	if err := pc.Close(); !errors.Is(err, pcache.ErrInval) {
		t.Fatalf("second Close: got %v, want ErrInval", err)
	}
}

func TestFlusher_BackgroundRound(t *testing.T) {
	ops := &fakeOps{}
	_, pc := newCache(t, ops, 8)
	fl := pcache.NewFlusher(20 * time.Millisecond)
	fl.Register(pc)
	if err := fl.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fl.Stop()

	f, err := pc.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if err := pc.MarkPageDirty(f); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	if err := pc.PutPage(f); err != nil {
		t.Fatalf("PutPage: %v", err)
	}
	if err := fl.RequestFlush(pc); err != nil {
		t.Fatalf("RequestFlush: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for pc.Stats().DirtyCount != 0 {
		select {
		case <-deadline:
			t.Fatal("background flusher never drained the dirty list")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if ops.writes.Load() == 0 {
		t.Fatal("no device write observed")
	}
}
