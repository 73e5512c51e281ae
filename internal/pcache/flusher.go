package pcache

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ==================== Background flusher ====================
// Periodically walks every registered cache and forces a writeback
// round when one is requested, overdue, or over its dirty ratio.

// Flusher drives background writeback for a set of caches.
type Flusher struct {
	interval time.Duration
	cron     *cron.Cron
	mu       sync.RWMutex
	caches   map[uuid.UUID]*PCache
	reqCh    chan *PCache
	stopCh   chan struct{}
	started  bool
}

// NewFlusher creates a flusher that re-evaluates its caches every
// interval. The periodic tick runs on the cron scheduler, which
// truncates the period to whole seconds with a minimum of one second;
// explicit requests are served between ticks. The interval also
// serves as the time-based force: a cache not flushed for a full
// interval gets a round regardless of ratio.
func NewFlusher(interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Flusher{
		interval: interval,
		cron:     cron.New(cron.WithSeconds()),
		caches:   make(map[uuid.UUID]*PCache),
		reqCh:    make(chan *PCache, 16),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic evaluation and the explicit-request listener.
func (fl *Flusher) Start() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.started {
		return fmt.Errorf("flusher already started: %w", ErrInval)
	}
	if _, err := fl.cron.AddFunc(fmt.Sprintf("@every %s", fl.interval), fl.tick); err != nil {
		return fmt.Errorf("schedule flusher: %w", err)
	}
	fl.cron.Start()
	go fl.serveRequests()
	fl.started = true
	return nil
}

// Stop halts periodic evaluation. In-flight rounds finish.
func (fl *Flusher) Stop() {
	fl.mu.Lock()
	if !fl.started {
		fl.mu.Unlock()
		return
	}
	fl.started = false
	fl.mu.Unlock()

	ctx := fl.cron.Stop()
	close(fl.stopCh)
	<-ctx.Done()
}

// Register adds a cache to the flusher.
func (fl *Flusher) Register(pc *PCache) {
	fl.mu.Lock()
	fl.caches[pc.id] = pc
	pc.flusher = fl
	fl.mu.Unlock()
}

// Remove detaches a cache from the flusher.
func (fl *Flusher) Remove(pc *PCache) {
	fl.mu.Lock()
	delete(fl.caches, pc.id)
	pc.flusher = nil
	fl.mu.Unlock()
}

// RequestFlush asks for an immediate round on one cache. Returns
// ErrAgain if the request queue is full; the periodic tick will still
// pick the request flag up.
func (fl *Flusher) RequestFlush(pc *PCache) error {
	pc.lock.Lock()
	pc.lastRequest = time.Now()
	pc.lock.Unlock()
	pc.flushReq.Store(true)
	select {
	case fl.reqCh <- pc:
		return nil
	default:
		return fmt.Errorf("flush queue full: %w", ErrAgain)
	}
}

// serveRequests runs explicit rounds between ticks.
func (fl *Flusher) serveRequests() {
	for {
		select {
		case pc := <-fl.reqCh:
			fl.evaluate(pc, time.Now())
		case <-fl.stopCh:
			return
		}
	}
}

// tick evaluates every registered cache once.
func (fl *Flusher) tick() {
	fl.mu.RLock()
	caches := make([]*PCache, 0, len(fl.caches))
	for _, pc := range fl.caches {
		caches = append(caches, pc)
	}
	fl.mu.RUnlock()

	now := time.Now()
	for _, pc := range caches {
		fl.evaluate(pc, now)
	}
}

// evaluate forces a round when the cache requested one, has gone a
// full interval without flushing, or exceeds its dirty ratio.
func (fl *Flusher) evaluate(pc *PCache, now time.Time) {
	requested := pc.flushReq.Swap(false)

	pc.lock.Lock()
	if !pc.active {
		pc.lock.Unlock()
		return
	}
	pages := pc.pageCount
	if pages < 1 {
		pages = 1
	}
	ratio := pc.dirtyCount * 100 / pages
	overdue := now.Sub(pc.lastFlushed) >= fl.interval
	rate := pc.dirtyRate
	pc.lock.Unlock()

	if !requested && !overdue && ratio <= rate {
		return
	}

	err := pc.flushRound()
	pc.lock.Lock()
	pc.lastFlushed = now
	pc.lock.Unlock()
	if err != nil {
		log.Printf("pcache %s: background flush: %v", pc.id, err)
	}
}
