// Package tinymm provides an embeddable memory-management and I/O
// caching core: a buddy physical-frame allocator, a slab object
// allocator with a size-generic kmm interface, and a block-device
// page cache with LRU eviction and background writeback, joined by
// the classical bread/bwrite/brelse buffer interface.
//
// # Basic Usage
//
// Build a system over an in-memory device, then work through buffers:
//
//	cfg := tinymm.DefaultConfig()
//	sys, _ := tinymm.Open(cfg)
//	defer sys.Close()
//
//	b, _ := sys.Bread(0, 7)
//	copy(b.Data(), []byte("hello"))
//	b.Bwrite()
//	b.Brelse()
//
// Embedders with their own block device implement pcache.Ops and
// build the cache directly:
//
//	pc, _ := pcache.New(sys.MM, myDevice, pcache.Config{...})
//	sys.Flusher.Register(pc)
package tinymm

import (
	"fmt"
	"io"
	"time"

	"github.com/SimonWaldherr/tinyMM/internal/buf"
	"github.com/SimonWaldherr/tinyMM/internal/config"
	"github.com/SimonWaldherr/tinyMM/internal/mem"
	"github.com/SimonWaldherr/tinyMM/internal/memdisk"
	"github.com/SimonWaldherr/tinyMM/internal/pcache"
)

// Re-exported configuration surface.
type (
	// Config is the full policy document (see internal/config).
	Config = config.Config

	// Buffer is a locked access session on one block.
	Buffer = buf.Buffer
)

// DefaultConfig returns the stock policy.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML policy file.
func LoadConfig(path string) (*Config, error) { return config.LoadFile(path) }

// System wires the full stack over an in-memory block device.
type System struct {
	MM      *mem.Mem
	Disk    *memdisk.Disk
	Cache   *pcache.PCache
	Flusher *pcache.Flusher
}

// Open builds and starts a System from a policy.
func Open(cfg *Config) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mm, err := mem.New(mem.Config{Size: cfg.Memory.Size, Shards: cfg.Memory.Shards})
	if err != nil {
		return nil, fmt.Errorf("build memory: %w", err)
	}
	disk := memdisk.New(cfg.Cache.Blocks)
	pc, err := pcache.New(mm, disk, pcache.Config{
		BlkCount:     cfg.Cache.Blocks,
		MaxPages:     cfg.Cache.MaxPages,
		DirtyRatePct: cfg.Cache.DirtyRatePct,
	})
	if err != nil {
		return nil, fmt.Errorf("build page cache: %w", err)
	}
	fl := pcache.NewFlusher(time.Duration(cfg.Cache.FlushInterval))
	fl.Register(pc)
	if err := fl.Start(); err != nil {
		return nil, fmt.Errorf("start flusher: %w", err)
	}
	return &System{MM: mm, Disk: disk, Cache: pc, Flusher: fl}, nil
}

// Bread returns a locked buffer for a block on the built-in device.
func (s *System) Bread(dev uint32, blockno int64) (*Buffer, error) {
	return buf.Bread(s.Cache, dev, blockno)
}

// Sync forces a synchronous writeback round.
func (s *System) Sync() error {
	return s.Cache.Flush()
}

// Dump writes the diagnostic dumps of every layer.
func (s *System) Dump(w io.Writer) {
	s.MM.DumpAll(w)
	st := s.Cache.Stats()
	fmt.Fprintf(w, "pcache %s: pages=%d lru=%d dirty=%d hits=%d misses=%d evictions=%d flushes=%d\n",
		s.Cache.ID(), st.PageCount, st.LRUCount, st.DirtyCount,
		st.Hits, st.Misses, st.Evictions, st.Flushes)
}

// Close stops the flusher and tears the cache down.
func (s *System) Close() error {
	s.Flusher.Stop()
	return s.Cache.Close()
}
