package pcache

import "fmt"

// Flush synchronously writes back the dirty list. It returns the
// first error of the round; no retry is attempted — the caller (or
// the background flusher) queues another round if needed.
func (pc *PCache) Flush() error {
	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		return fmt.Errorf("cache inactive: %w", ErrInval)
	}
	pc.lock.Unlock()
	return pc.flushRound()
}

// flushRound claims the current dirty nodes and writes each through
// the WriteBegin / WritePage / WriteEnd bracket.
//
// Error policy: a WriteBegin failure aborts the round — the node and
// every later claimed node stay dirty and are handed to AbortIO. A
// WritePage failure still runs WriteEnd and the node stays dirty; the
// node's combined error is WriteEnd's if it failed, else WritePage's.
// Clearing dirty is the last mutation of a successful write, so any
// observer that sees dirty == 0 has also seen the WriteEnd effects.
func (pc *PCache) flushRound() error {
	// Claim pass: snapshot the dirty list and mark each node
	// io-in-progress under its frame lock, skipping nodes already
	// in flight. A claimed node also carries a synchronous
	// reference for the duration of the round.
	var claimed []*node
	pc.lock.Lock()
	for n := pc.dirtyList.head; n != nil; n = n.next {
		n.frame.Lock()
		if n.ioBusy {
			n.frame.Unlock()
			continue
		}
		n.ioBusy = true
		n.frame.RefIncLocked()
		n.frame.Unlock()
		claimed = append(claimed, n)
	}
	pc.lock.Unlock()

	var firstErr error
	aborted := false
	for _, n := range claimed {
		if aborted {
			// The round stopped at an earlier WriteBegin
			// failure; unclaim the rest untouched.
			pc.unclaim(n, true)
			continue
		}

		if err := pc.ops.WriteBegin(pc, n.frame); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			pc.setFlushErr(err)
			pc.unclaim(n, true)
			aborted = true
			continue
		}

		werr := pc.ops.WritePage(pc, n.frame)
		eerr := pc.ops.WriteEnd(pc, n.frame)
		if werr == nil {
			pc.lock.Lock()
			n.frame.Lock()
			if n.which == listDirty {
				pc.dirtyList.remove(n)
				pc.dirtyCount--
			}
			n.dirty = false
			pc.lru.pushFront(n, listLRU)
			n.frame.Unlock()
			pc.lock.Unlock()
		}

		combined := werr
		if eerr != nil {
			combined = eerr
		}
		if combined != nil {
			if firstErr == nil {
				firstErr = combined
			}
			pc.setFlushErr(combined)
		}
		pc.unclaim(n, false)
	}

	pc.flushes.Add(1)
	return firstErr
}

// unclaim releases a claim taken by flushRound: clears the I/O bit,
// wakes node waiters, and drops the synchronous reference. When abort
// is set the device is told the claim was abandoned.
func (pc *PCache) unclaim(n *node, abort bool) {
	n.frame.Lock()
	n.ioBusy = false
	n.waiters.WakeAll()
	n.frame.Unlock()
	if abort {
		pc.ops.AbortIO(pc, n.frame)
	}
	n.frame.RefDec()
}

// setFlushErr records the most recent flush error.
func (pc *PCache) setFlushErr(err error) {
	pc.lock.Lock()
	pc.flushErr = err
	pc.lock.Unlock()
}

// FlushErr returns the most recent flush error, if any.
func (pc *PCache) FlushErr() error {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	return pc.flushErr
}
