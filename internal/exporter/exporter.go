// Package exporter - Prometheus metrics over the memory core
//
// One Collector walks the buddy pools, the slab cache registry, and
// the registered page caches, exposing their counters as gauges in
// the tinymm namespace.
package exporter

import (
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SimonWaldherr/tinyMM/internal/mem"
	"github.com/SimonWaldherr/tinyMM/internal/pcache"
)

const namespace = "tinymm"

// Collector implements prometheus.Collector over one Mem instance
// and any number of page caches.
type Collector struct {
	mm     *mem.Mem
	caches []*pcache.PCache

	buddyFreeFrames *prometheus.Desc
	buddyPoolGroups *prometheus.Desc

	slabTotal  *prometheus.Desc
	slabActive *prometheus.Desc
	slabObjs   *prometheus.Desc
	slabFree   *prometheus.Desc

	cachePages     *prometheus.Desc
	cacheDirty     *prometheus.Desc
	cacheLRU       *prometheus.Desc
	cacheHits      *prometheus.Desc
	cacheMisses    *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheFlushes   *prometheus.Desc
}

// NewCollector builds a collector for the given instance and caches.
func NewCollector(mm *mem.Mem, caches ...*pcache.PCache) (*Collector, error) {
	if mm == nil {
		return nil, errors.New("nil memory instance")
	}
	return &Collector{
		mm:     mm,
		caches: caches,
		buddyFreeFrames: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buddy", "free_frames"),
			"Total frames in the buddy free pools", nil, nil),
		buddyPoolGroups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "buddy", "pool_groups"),
			"Free groups per buddy order", []string{"order"}, nil),
		slabTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "slab", "slabs_total"),
			"Slabs owned by the cache", []string{"cache"}, nil),
		slabActive: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "slab", "objects_active"),
			"Live objects in the cache", []string{"cache"}, nil),
		slabObjs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "slab", "objects_total"),
			"Object capacity of the cache", []string{"cache"}, nil),
		slabFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "slab", "free_slabs"),
			"Slabs on the cache's global free list", []string{"cache"}, nil),
		cachePages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "pages"),
			"Resident pages", []string{"cache"}, nil),
		cacheDirty: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "dirty_pages"),
			"Pages awaiting writeback", []string{"cache"}, nil),
		cacheLRU: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "lru_pages"),
			"Unreferenced resident pages", []string{"cache"}, nil),
		cacheHits: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "hits_total"),
			"Lookup hits", []string{"cache"}, nil),
		cacheMisses: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "misses_total"),
			"Lookup misses", []string{"cache"}, nil),
		cacheEvictions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "evictions_total"),
			"Pages evicted at capacity", []string{"cache"}, nil),
		cacheFlushes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pcache", "flush_rounds_total"),
			"Writeback rounds completed", []string{"cache"}, nil),
	}, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.buddyFreeFrames
	ch <- c.buddyPoolGroups
	ch <- c.slabTotal
	ch <- c.slabActive
	ch <- c.slabObjs
	ch <- c.slabFree
	ch <- c.cachePages
	ch <- c.cacheDirty
	ch <- c.cacheLRU
	ch <- c.cacheHits
	ch <- c.cacheMisses
	ch <- c.cacheEvictions
	ch <- c.cacheFlushes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	free := 0
	for _, s := range c.mm.BuddyStats() {
		free += s.Frames
		ch <- prometheus.MustNewConstMetric(c.buddyPoolGroups, prometheus.GaugeValue,
			float64(s.Groups), strconv.Itoa(s.Order))
	}
	ch <- prometheus.MustNewConstMetric(c.buddyFreeFrames, prometheus.GaugeValue, float64(free))

	for _, sc := range c.mm.Caches() {
		st := sc.Stats()
		ch <- prometheus.MustNewConstMetric(c.slabTotal, prometheus.GaugeValue, float64(st.SlabTotal), st.Name)
		ch <- prometheus.MustNewConstMetric(c.slabActive, prometheus.GaugeValue, float64(st.ObjActive), st.Name)
		ch <- prometheus.MustNewConstMetric(c.slabObjs, prometheus.GaugeValue, float64(st.ObjTotal), st.Name)
		ch <- prometheus.MustNewConstMetric(c.slabFree, prometheus.GaugeValue, float64(st.FreeSlabs), st.Name)
	}

	for _, pc := range c.caches {
		st := pc.Stats()
		id := pc.ID().String()
		ch <- prometheus.MustNewConstMetric(c.cachePages, prometheus.GaugeValue, float64(st.PageCount), id)
		ch <- prometheus.MustNewConstMetric(c.cacheDirty, prometheus.GaugeValue, float64(st.DirtyCount), id)
		ch <- prometheus.MustNewConstMetric(c.cacheLRU, prometheus.GaugeValue, float64(st.LRUCount), id)
		ch <- prometheus.MustNewConstMetric(c.cacheHits, prometheus.CounterValue, float64(st.Hits), id)
		ch <- prometheus.MustNewConstMetric(c.cacheMisses, prometheus.CounterValue, float64(st.Misses), id)
		ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(st.Evictions), id)
		ch <- prometheus.MustNewConstMetric(c.cacheFlushes, prometheus.CounterValue, float64(st.Flushes), id)
	}
}
