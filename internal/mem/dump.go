package mem

import (
	"fmt"
	"io"
)

// PrintBuddyStat writes a free-form dump of the buddy pools.
func (mm *Mem) PrintBuddyStat(w io.Writer) {
	fmt.Fprintf(w, "buddy: %d/%d frames free\n", mm.FreeFrameCount(), mm.nframes)
	for _, s := range mm.BuddyStats() {
		fmt.Fprintf(w, "  order %2d: %4d groups (%d frames)\n", s.Order, s.Groups, s.Frames)
	}
}

// SlabDumpAll writes a free-form dump of every registered slab cache.
func (mm *Mem) SlabDumpAll(w io.Writer) {
	for _, c := range mm.Caches() {
		st := c.Stats()
		fmt.Fprintf(w, "cache %-12s obj=%4dB order=%d per-slab=%3d slabs=%3d active=%5d total=%5d free-slabs=%d\n",
			st.Name, st.ObjSize, st.SlabOrder, st.ObjPerSlab,
			st.SlabTotal, st.ObjActive, st.ObjTotal, st.FreeSlabs)
		for i, sh := range st.PerShard {
			if sh.Partial == 0 && sh.Full == 0 {
				continue
			}
			fmt.Fprintf(w, "  shard %2d: partial=%d full=%d\n", i, sh.Partial, sh.Full)
		}
	}
}

// DumpAll writes every diagnostic dump.
func (mm *Mem) DumpAll(w io.Writer) {
	mm.PrintBuddyStat(w)
	mm.SlabDumpAll(w)
}
