// Command tinymm exercises the memory core against its in-memory
// block device: it runs a buffer-cache workload, prints the allocator
// and cache dumps, and can stay up serving Prometheus metrics.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	tinymm "github.com/SimonWaldherr/tinyMM"
	"github.com/SimonWaldherr/tinyMM/internal/exporter"
)

var (
	configPath = kingpin.Flag("config", "YAML policy file; flags below override it.").String()
	memSize    = kingpin.Flag("memory.size", "Managed arena size in bytes.").Default("0").Int64()
	maxPages   = kingpin.Flag("cache.max-pages", "Resident page cap.").Default("0").Int()
	dirtyRate  = kingpin.Flag("cache.dirty-rate", "Dirty percentage forcing writeback.").Default("0").Int()
	workOps    = kingpin.Flag("workload.ops", "Buffer write/read cycles to run.").Default("4096").Int()
	listenAddr = kingpin.Flag("web.listen-address", "Serve /metrics here and stay up; empty runs once.").String()
)

func main() {
	kingpin.Version("0.1.0")
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()

	if err := run(); err != nil {
		log.Fatalf("tinymm: %+v", err)
	}
}

func run() error {
	cfg := tinymm.DefaultConfig()
	if *configPath != "" {
		loaded, err := tinymm.LoadConfig(*configPath)
		if err != nil {
			return pkgerrors.Wrap(err, "loading config")
		}
		cfg = loaded
	}
	if *memSize > 0 {
		cfg.Memory.Size = *memSize
	}
	if *maxPages > 0 {
		cfg.Cache.MaxPages = *maxPages
	}
	if *dirtyRate > 0 {
		cfg.Cache.DirtyRatePct = *dirtyRate
	}

	sys, err := tinymm.Open(cfg)
	if err != nil {
		return pkgerrors.Wrap(err, "opening system")
	}
	defer sys.Close()

	if err := workload(sys, *workOps); err != nil {
		return pkgerrors.Wrap(err, "running workload")
	}
	sys.Dump(os.Stdout)

	if *listenAddr == "" {
		return nil
	}

	coll, err := exporter.NewCollector(sys.MM, sys.Cache)
	if err != nil {
		return pkgerrors.Wrap(err, "building collector")
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(coll); err != nil {
		return pkgerrors.Wrap(err, "registering collector")
	}
	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("serving metrics on %s", *listenAddr)
	return http.ListenAndServe(*listenAddr, nil)
}

// workload writes a recognizable byte to a spread of blocks, reads
// each back, and verifies the round trip survived eviction pressure.
func workload(sys *tinymm.System, ops int) error {
	blocks := sys.Cache.BlkCount()
	for i := 0; i < ops; i++ {
		blk := int64(i*13) % blocks
		b, err := sys.Bread(0, blk)
		if err != nil {
			return err
		}
		b.Data()[0] = byte(i)
		if err := b.Bwrite(); err != nil {
			b.Brelse()
			return err
		}
		b.Brelse()

		b, err = sys.Bread(0, blk)
		if err != nil {
			return err
		}
		got := b.Data()[0]
		b.Brelse()
		if got != byte(i) {
			return fmt.Errorf("block %d: wrote %d, read %d", blk, byte(i), got)
		}
	}
	log.Printf("workload: %d write/read cycles ok", ops)
	return nil
}
