package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Result describes what Enqueue did with an item.
type Result int

const (
	Enqueued Result = iota
	Duplicate
	Upgraded
	Deferred
	InFlight
	Closed
)

func (r Result) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case Duplicate:
		return "duplicate"
	case Upgraded:
		return "upgraded"
	case Deferred:
		return "deferred"
	case InFlight:
		return "in_flight"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config bounds the queue.
type Config struct {
	Capacity            int
	MaxColdPerCycle     int
	StarvationThreshold time.Duration
}

// Metrics is a point-in-time view of the queue.
type Metrics struct {
	Queued            int            `json:"queued"`
	ByTier            map[string]int `json:"by_tier"`
	InFlight          int            `json:"in_flight"`
	Backlog           int            `json:"backlog"`
	DeferredTotal     int64          `json:"deferred_total"`
	OldestDeferredAge time.Duration  `json:"oldest_deferred_age"`
	Promoted          int64          `json:"promoted"`
	Evicted           int64          `json:"evicted"`
	ColdThisCycle     int            `json:"cold_this_cycle"`
}

// Queue orders work by tier: HOT, then URGENT_WARM, WARM and COLD, FIFO
// within a tier. At most one item per path is queued or in flight.
// Items over capacity are deferred and counted, never dropped.
type Queue struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	tiers         [Hot + 1][]*WorkItem
	queued        map[string]*WorkItem
	inFlight      map[string]struct{}
	deferred      map[string]time.Time // path -> first deferral
	coldThisCycle int
	deferredTotal int64
	promoted      int64
	evicted       int64
	closed        bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 100
	}
	if cfg.MaxColdPerCycle <= 0 {
		cfg.MaxColdPerCycle = 5
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = 30 * time.Minute
	}
	return &Queue{
		cfg:      cfg,
		now:      time.Now,
		queued:   make(map[string]*WorkItem),
		inFlight: make(map[string]struct{}),
		deferred: make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue offers an item. An EnqueuedAt of zero is stamped with the current time.
func (q *Queue) Enqueue(item WorkItem) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Closed
	}
	if _, busy := q.inFlight[item.Path]; busy {
		return InFlight
	}

	if existing, ok := q.queued[item.Path]; ok {
		existing.Size = item.Size
		existing.ModTime = item.ModTime
		existing.Reset = existing.Reset || item.Reset
		if item.Tier <= existing.Tier {
			return Duplicate
		}
		q.remove(existing)
		existing.Tier = item.Tier
		q.tiers[existing.Tier] = append(q.tiers[existing.Tier], existing)
		q.signal()
		return Upgraded
	}

	if len(q.queued) >= q.cfg.Capacity {
		if item.Tier < UrgentWarm || !q.evictFor() {
			q.deferLocked(item.Path)
			return Deferred
		}
	}

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = q.now()
	}
	it := item
	q.queued[it.Path] = &it
	q.tiers[it.Tier] = append(q.tiers[it.Tier], &it)
	delete(q.deferred, it.Path)
	q.signal()
	return Enqueued
}

// Dequeue blocks until an item is available, the context ends or the queue closes.
// The returned path is in flight until Done is called for it.
func (q *Queue) Dequeue(ctx context.Context) (WorkItem, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return WorkItem{}, ErrClosed
		}
		q.promote()
		if it, ok := q.pick(); ok {
			q.inFlight[it.Path] = struct{}{}
			q.mu.Unlock()
			return *it, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return WorkItem{}, ctx.Err()
		case <-q.done:
			return WorkItem{}, ErrClosed
		case <-q.wake:
		case <-time.After(q.pollInterval()):
			// Starvation checks need a periodic look even without new arrivals.
		}
	}
}

// Done releases a path taken by Dequeue.
func (q *Queue) Done(path string) {
	q.mu.Lock()
	delete(q.inFlight, path)
	q.mu.Unlock()
	q.signal()
}

// NewCycle resets the per-cycle COLD allowance. Called once per full scan.
func (q *Queue) NewCycle() {
	q.mu.Lock()
	q.coldThisCycle = 0
	q.mu.Unlock()
	q.signal()
}

// Close stops further dequeues and wakes any waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// DeferredPaths lists the paths waiting in the backlog.
func (q *Queue) DeferredPaths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.deferred))
	for path := range q.deferred {
		out = append(out, path)
	}
	return out
}

// Forget removes a path from the backlog, e.g. when its file has disappeared.
func (q *Queue) Forget(path string) {
	q.mu.Lock()
	delete(q.deferred, path)
	q.mu.Unlock()
}

// Idle reports whether nothing is queued, in flight or deferred.
func (q *Queue) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) == 0 && len(q.inFlight) == 0 && len(q.deferred) == 0
}

// Metrics returns counters for alerting and the status endpoint.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := Metrics{
		Queued:        len(q.queued),
		ByTier:        make(map[string]int, len(q.tiers)),
		InFlight:      len(q.inFlight),
		Backlog:       len(q.deferred),
		DeferredTotal: q.deferredTotal,
		Promoted:      q.promoted,
		Evicted:       q.evicted,
		ColdThisCycle: q.coldThisCycle,
	}
	for tier, items := range q.tiers {
		m.ByTier[Tier(tier).String()] = len(items)
	}
	now := q.now()
	for _, at := range q.deferred {
		if age := now.Sub(at); age > m.OldestDeferredAge {
			m.OldestDeferredAge = age
		}
	}
	return m
}

// promote moves WARM items that waited past the threshold to URGENT_WARM,
// keeping their enqueue time and relative order.
func (q *Queue) promote() {
	now := q.now()
	warm := q.tiers[Warm][:0]
	for _, it := range q.tiers[Warm] {
		if now.Sub(it.EnqueuedAt) >= q.cfg.StarvationThreshold {
			it.Tier = UrgentWarm
			q.tiers[UrgentWarm] = append(q.tiers[UrgentWarm], it)
			q.promoted++
			continue
		}
		warm = append(warm, it)
	}
	q.tiers[Warm] = warm
}

func (q *Queue) pick() (*WorkItem, bool) {
	for tier := Hot; tier >= Cold; tier-- {
		items := q.tiers[tier]
		if len(items) == 0 {
			continue
		}
		if tier == Cold {
			if q.coldThisCycle >= q.cfg.MaxColdPerCycle {
				return nil, false
			}
			q.coldThisCycle++
		}
		it := items[0]
		items[0] = nil
		q.tiers[tier] = items[1:]
		delete(q.queued, it.Path)
		return it, true
	}
	return nil, false
}

// evictFor makes room for a hot arrival by deferring the youngest COLD,
// else the youngest WARM item.
func (q *Queue) evictFor() bool {
	for _, tier := range []Tier{Cold, Warm} {
		items := q.tiers[tier]
		if len(items) == 0 {
			continue
		}
		victim := items[len(items)-1]
		q.tiers[tier] = items[:len(items)-1]
		delete(q.queued, victim.Path)
		q.deferLocked(victim.Path)
		q.evicted++
		return true
	}
	return false
}

func (q *Queue) remove(it *WorkItem) {
	items := q.tiers[it.Tier]
	for i, cand := range items {
		if cand == it {
			q.tiers[it.Tier] = append(items[:i], items[i+1:]...)
			return
		}
	}
}

func (q *Queue) deferLocked(path string) {
	q.deferredTotal++
	if _, ok := q.deferred[path]; !ok {
		q.deferred[path] = q.now()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pollInterval() time.Duration {
	d := q.cfg.StarvationThreshold / 10
	if d > time.Minute {
		d = time.Minute
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
