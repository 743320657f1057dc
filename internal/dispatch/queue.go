// Package dispatch serializes all outbound upstream calls under a global
// rate budget: a rolling 60-second dispatch cap plus a minimum spacing
// between any two dispatches. The queue only shapes timing; it never
// alters the outcome of the work it runs and never retries.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"trade_go/internal/infra"

	"github.com/google/uuid"
)

// rateWindow is the horizon of the rolling dispatch window
const rateWindow = 60 * time.Second

// Work is a zero-argument asynchronous unit of work
type Work func(ctx context.Context) (any, error)

type result struct {
	val any
	err error
}

// Pending is the caller's handle to a queued unit of work
type Pending struct {
	id   string
	done chan result
}

// ID returns the queue entry id
func (p *Pending) ID() string {
	return p.id
}

// Wait blocks until the work settles or ctx is cancelled. Abandoning a
// Pending never blocks the queue; the result is simply discarded.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-p.done:
		return res.val, res.err
	}
}

type entry struct {
	id       string
	priority int
	work     Work
	done     chan result
	enqueued time.Time
}

// Queue is the priority rate-limiting dispatch queue. A single drain
// goroutine is active at a time; enqueues while a drain is running only
// append to the pending list.
type Queue struct {
	tuning  *infra.Tuning
	metrics *infra.Metrics

	mu           sync.Mutex
	entries      []*entry // priority-ordered, FIFO among equal priorities
	draining     bool
	window       []time.Time // dispatch timestamps within the last 60s
	lastDispatch time.Time
}

// New creates a dispatch queue reading its rate limits from live tuning
func New(tuning *infra.Tuning, metrics *infra.Metrics) *Queue {
	return &Queue{
		tuning:  tuning,
		metrics: metrics,
	}
}

// Enqueue registers a unit of work. Higher priority values dispatch
// first; ties are FIFO. The returned Pending settles with the work's own
// result or error once it has been dispatched and has finished.
func (q *Queue) Enqueue(work Work, priority int, id string) *Pending {
	if id == "" {
		id = uuid.NewString()
	}
	e := &entry{
		id:       id,
		priority: priority,
		work:     work,
		done:     make(chan result, 1),
		enqueued: time.Now(),
	}

	q.mu.Lock()
	// First index whose priority is strictly lower: inserting there keeps
	// equal priorities in arrival order.
	idx := sort.Search(len(q.entries), func(i int) bool {
		return q.entries[i].priority < e.priority
	})
	q.entries = append(q.entries, nil)
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e

	start := !q.draining
	if start {
		q.draining = true
	}
	depth := len(q.entries)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(int32(depth))
	}
	if start {
		go q.drain()
	}
	return &Pending{id: e.id, done: e.done}
}

// Len returns the number of pending entries
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// drain pops and executes entries until the queue empties, sleeping
// whenever a rate constraint blocks the next dispatch.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.draining = false
			q.mu.Unlock()
			if q.metrics != nil {
				q.metrics.SetQueueDepth(0)
			}
			return
		}

		now := time.Now()
		wait := q.nextDelayLocked(now)
		if wait > 0 {
			q.mu.Unlock()
			time.Sleep(wait)
			continue
		}

		e := q.entries[0]
		q.entries = q.entries[1:]
		q.window = append(q.window, now)
		q.lastDispatch = now
		depth := len(q.entries)
		q.mu.Unlock()

		if q.metrics != nil {
			q.metrics.SetQueueDepth(int32(depth))
		}
		q.execute(e)
	}
}

// nextDelayLocked reports how long the next dispatch must wait, or zero.
// Must be called with the mutex held.
func (q *Queue) nextDelayLocked(now time.Time) time.Duration {
	// Drop timestamps that fell out of the 60s horizon
	horizon := now.Add(-rateWindow)
	trimmed := 0
	for trimmed < len(q.window) && q.window[trimmed].Before(horizon) {
		trimmed++
	}
	if trimmed > 0 {
		q.window = append(q.window[:0], q.window[trimmed:]...)
	}

	if maxPerMin := q.tuning.MaxRequestsPerMinute(); maxPerMin > 0 && len(q.window) >= maxPerMin {
		// Sleep until the oldest dispatch exits the window
		return q.window[0].Sub(horizon)
	}

	if minIv := q.tuning.MinDispatchInterval(); minIv > 0 && !q.lastDispatch.IsZero() {
		if since := now.Sub(q.lastDispatch); since < minIv {
			return minIv - since
		}
	}

	return 0
}

// execute runs one unit of work and settles its Pending. A failure or
// panic of one unit never halts the drain loop.
func (q *Queue) execute(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch work panicked",
				slog.String("id", e.id),
				slog.Any("panic", r))
			e.done <- result{err: fmt.Errorf("dispatch %s: panic: %v", e.id, r)}
		}
	}()

	started := time.Now()
	val, err := e.work(context.Background())
	if q.metrics != nil {
		q.metrics.RecordUpstreamCall(time.Since(started).Nanoseconds())
		if err != nil {
			q.metrics.RecordUpstreamFailure()
		}
	}
	e.done <- result{val: val, err: err}
}
