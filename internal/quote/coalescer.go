// Package quote collapses concurrent quote lookups into one upstream
// fetch per mode and batch window, then hands each caller back exactly
// the subset it asked for. A short-lived micro-cache absorbs adjacent
// duplicate batches and a circuit breaker isolates upstream failures.
package quote

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"trade_go/internal/dispatch"
	"trade_go/internal/domain"
	"trade_go/internal/infra"

	"github.com/google/uuid"
)

// fetchPriority is the dispatch priority of coalesced quote fetches.
// Order submissions and other interactive calls enqueue higher.
const fetchPriority = 5

// batch lifecycle: the registry holds only open batches. Detaching from
// the registry is the single OPEN -> FLUSHING transition; it happens
// synchronously under the coalescer mutex so a flush can never race a
// concurrent enqueue or a second flush of the same batch.
type batchStatus int

const (
	batchOpen batchStatus = iota
	batchFlushing
	batchDone
)

type batch struct {
	id        string
	mode      string
	ids       map[string]struct{}
	entries   []*requestEntry
	startedAt time.Time
	timer     *time.Timer
	status    batchStatus
}

type outcome struct {
	quotes map[string]domain.Quote
	err    error
}

// requestEntry tracks one caller's stake in a batch: the ids it asked
// for and a settle-once guard shared by flush, timeout, and cancellation.
type requestEntry struct {
	ids   []string
	done  chan outcome
	timer *time.Timer

	mu      sync.Mutex
	settled bool
}

func newRequestEntry(ids []string) *requestEntry {
	return &requestEntry{
		ids:  ids,
		done: make(chan outcome, 1),
	}
}

// settle resolves the entry exactly once. Returns false if it already settled.
func (r *requestEntry) settle(out outcome) bool {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return false
	}
	r.settled = true
	r.mu.Unlock()

	if r.timer != nil {
		r.timer.Stop()
	}
	r.done <- out
	return true
}

func (r *requestEntry) isSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settled
}

// RequestOption customizes a single RequestQuotes call
type RequestOption func(*requestOptions)

type requestOptions struct {
	clientID string
	timeout  time.Duration
}

// WithClientID tags the request for logging
func WithClientID(id string) RequestOption {
	return func(o *requestOptions) { o.clientID = id }
}

// WithTimeout overrides the configured per-caller timeout. The 200ms
// floor still applies.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// Coalescer deduplicates and batches concurrent quote lookups
type Coalescer struct {
	fetcher domain.QuoteFetcher
	queue   *dispatch.Queue
	breaker *infra.CircuitBreaker
	tuning  *infra.Tuning
	metrics *infra.Metrics
	cache   *microCache

	mu      sync.Mutex
	batches map[string]*batch // mode -> open batch
}

// New creates a coalescer on top of the dispatch queue
func New(fetcher domain.QuoteFetcher, queue *dispatch.Queue, breaker *infra.CircuitBreaker, tuning *infra.Tuning, metrics *infra.Metrics) *Coalescer {
	return &Coalescer{
		fetcher: fetcher,
		queue:   queue,
		breaker: breaker,
		tuning:  tuning,
		metrics: metrics,
		cache:   newMicroCache(),
		batches: make(map[string]*batch),
	}
}

// RequestQuotes returns quotes for the requested instrument ids. Calls
// arriving within the same batch window for a mode share one upstream
// fetch; each caller receives only the ids it asked for, with ids absent
// from the upstream result simply omitted. Empty or invalid input
// resolves immediately to an empty map.
func (c *Coalescer) RequestQuotes(ctx context.Context, instrumentIDs []string, mode string, opts ...RequestOption) (map[string]domain.Quote, error) {
	ids := normalizeIDs(instrumentIDs)
	if len(ids) == 0 || mode == "" {
		return map[string]domain.Quote{}, nil
	}

	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}
	timeout := c.tuning.RequestTimeout()
	if o.timeout > 0 {
		timeout = o.timeout
		if floor := 200 * time.Millisecond; timeout < floor {
			timeout = floor
		}
	}

	entry := newRequestEntry(ids)

	// Arm the per-caller timeout before the entry becomes visible to any
	// flush path; nothing may touch entry.timer once it is in a batch.
	entry.timer = time.AfterFunc(timeout, func() {
		if entry.settle(outcome{err: domain.ErrRequestTimeout}) && o.clientID != "" {
			slog.Debug("quote request timed out before flush",
				slog.String("client", o.clientID),
				slog.String("mode", mode))
		}
	})

	c.mu.Lock()
	b := c.batches[mode]
	if b == nil {
		b = &batch{
			id:        uuid.NewString(),
			mode:      mode,
			ids:       make(map[string]struct{}),
			startedAt: time.Now(),
		}
		c.batches[mode] = b
		b.timer = time.AfterFunc(c.tuning.BatchWindow(), func() {
			c.flushExpired(b)
		})
	}
	for _, id := range ids {
		b.ids[id] = struct{}{}
	}
	b.entries = append(b.entries, entry)

	// Cap reached: flush immediately, independent of the window timer
	var detached *batch
	if len(b.ids) >= c.tuning.MaxBatchSize() {
		detached = c.detachLocked(b)
	}
	c.mu.Unlock()

	if detached != nil {
		go c.flush(detached)
	}

	select {
	case <-ctx.Done():
		// Mark settled so the flush skips this caller; the batch itself
		// continues for its siblings.
		entry.settle(outcome{err: ctx.Err()})
		select {
		case out := <-entry.done:
			return out.quotes, out.err
		default:
			return nil, ctx.Err()
		}
	case out := <-entry.done:
		return out.quotes, out.err
	}
}

// Flush force-flushes the open batch for a mode, if any. Used by
// operational tooling and tests.
func (c *Coalescer) Flush(mode string) {
	c.mu.Lock()
	b := c.batches[mode]
	var detached *batch
	if b != nil {
		detached = c.detachLocked(b)
	}
	c.mu.Unlock()

	if detached != nil {
		c.flush(detached)
	}
}

// CacheSize reports the number of micro-cache entries (for monitoring)
func (c *Coalescer) CacheSize() int {
	return c.cache.size()
}

// flushExpired is the window-timer path. The batch may already have been
// detached by the cap trigger or a manual flush.
func (c *Coalescer) flushExpired(b *batch) {
	c.mu.Lock()
	var detached *batch
	if c.batches[b.mode] == b {
		detached = c.detachLocked(b)
	}
	c.mu.Unlock()

	if detached != nil {
		c.flush(detached)
	}
}

// detachLocked removes the batch from the registry and marks it
// FLUSHING. Must be called with the coalescer mutex held; callers flush
// the returned batch outside the lock.
func (c *Coalescer) detachLocked(b *batch) *batch {
	if b.status != batchOpen {
		return nil
	}
	delete(c.batches, b.mode)
	b.status = batchFlushing
	if b.timer != nil {
		b.timer.Stop()
	}
	return b
}

// flush executes exactly once per batch: serve from cache, or issue one
// dispatch-queue call for the full deduplicated set, then partition the
// result per caller.
func (c *Coalescer) flush(b *batch) {
	defer func() { b.status = batchDone }()

	live := make([]*requestEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if !e.isSettled() {
			live = append(live, e)
		}
	}
	// Every caller already settled (timed out): nothing left to serve
	if len(live) == 0 || len(b.ids) == 0 {
		for _, e := range live {
			e.settle(outcome{quotes: map[string]domain.Quote{}})
		}
		return
	}

	if !c.breaker.Allow() {
		if c.metrics != nil {
			c.metrics.SetCircuitState(true)
		}
		slog.Warn("quote flush rejected, circuit open",
			slog.String("mode", b.mode),
			slog.Int("instruments", len(b.ids)))
		rejectAll(live, domain.ErrCircuitOpen)
		return
	}

	ids := make([]string, 0, len(b.ids))
	for id := range b.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	key := cacheKey(b.mode, ids)
	if cached, ok := c.cache.get(key); ok {
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
			c.metrics.RecordCoalescedRequests(len(live))
		}
		resolveSubsets(live, cached)
		return
	}

	mode := b.mode
	pending := c.queue.Enqueue(func(ctx context.Context) (any, error) {
		return c.fetcher.FetchQuotes(ctx, ids, mode)
	}, fetchPriority, b.id)

	// A late caller timeout past this point only discards that caller's
	// subset; the in-flight upstream call is never cancelled.
	val, err := pending.Wait(context.Background())
	if err != nil {
		c.breaker.RecordFailure()
		if c.metrics != nil {
			c.metrics.SetCircuitState(c.breaker.GetState() == infra.StateOpen)
		}
		slog.Warn("quote batch fetch failed",
			slog.String("mode", mode),
			slog.Int("instruments", len(ids)),
			slog.Any("error", err))
		rejectAll(live, err)
		return
	}

	quotes, ok := val.(map[string]domain.Quote)
	if !ok {
		quotes = map[string]domain.Quote{}
	}
	c.breaker.RecordSuccess()
	if c.metrics != nil {
		c.metrics.SetCircuitState(false)
		if len(live) > 1 {
			c.metrics.RecordCoalescedRequests(len(live) - 1)
		}
	}
	c.cache.put(key, quotes, c.tuning.CacheTTL())
	resolveSubsets(live, quotes)
}

// resolveSubsets hands each still-pending caller the slice of the shared
// result matching its own requested ids.
func resolveSubsets(entries []*requestEntry, quotes map[string]domain.Quote) {
	for _, e := range entries {
		subset := make(map[string]domain.Quote, len(e.ids))
		for _, id := range e.ids {
			if q, ok := quotes[id]; ok {
				subset[id] = q
			}
		}
		e.settle(outcome{quotes: subset})
	}
}

func rejectAll(entries []*requestEntry, err error) {
	for _, e := range entries {
		e.settle(outcome{err: err})
	}
}

// normalizeIDs trims, deduplicates, and drops empty instrument ids while
// preserving first-seen order.
func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
