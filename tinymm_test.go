package tinymm_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	tinymm "github.com/SimonWaldherr/tinyMM"
)

func testConfig() *tinymm.Config {
	cfg := tinymm.DefaultConfig()
	cfg.Memory.Size = 4 << 20
	cfg.Cache.Blocks = 2048
	cfg.Cache.MaxPages = 64
	return cfg
}

func TestSystem_BufferRoundTrip(t *testing.T) {
	sys, err := tinymm.Open(testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	b, err := sys.Bread(0, 7)
	if err != nil {
		t.Fatalf("Bread: %v", err)
	}
	copy(b.Data(), "hello, frame")
	if err := b.Bwrite(); err != nil {
		t.Fatalf("Bwrite: %v", err)
	}
	b.Brelse()

	b, err = sys.Bread(0, 7)
	if err != nil {
		t.Fatalf("Bread again: %v", err)
	}
	if !bytes.HasPrefix(b.Data(), []byte("hello, frame")) {
		t.Fatalf("read back %q", b.Data()[:16])
	}
	b.Brelse()
}

func TestSystem_SyncAndDump(t *testing.T) {
	sys, err := tinymm.Open(testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	b, err := sys.Bread(0, 0)
	if err != nil {
		t.Fatalf("Bread: %v", err)
	}
	b.Data()[0] = 1
	if err := b.Bwrite(); err != nil {
		t.Fatalf("Bwrite: %v", err)
	}
	b.Brelse()
	if err := sys.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	var out strings.Builder
	sys.Dump(&out)
	for _, want := range []string{"buddy:", "kmm-8", "pcache"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("dump missing %q:\n%s", want, out.String())
		}
	}
}

func TestSystem_BackgroundFlusherDrains(t *testing.T) {
	sys, err := tinymm.Open(testConfig())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sys.Close()

	b, err := sys.Bread(0, 64)
	if err != nil {
		t.Fatalf("Bread: %v", err)
	}
	b.Data()[0] = 0xEE
	// Dirty without the synchronous Bwrite flush: mark through the
	// cache and let the background flusher pick it up.
	if err := sys.Cache.MarkPageDirty(b.Frame()); err != nil {
		t.Fatalf("MarkPageDirty: %v", err)
	}
	b.Brelse()

	if err := sys.Flusher.RequestFlush(sys.Cache); err != nil {
		t.Fatalf("RequestFlush: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for sys.Cache.Stats().DirtyCount != 0 {
		select {
		case <-deadline:
			t.Fatal("flusher never drained")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
