package quote

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"trade_go/internal/dispatch"
	"trade_go/internal/domain"
	"trade_go/internal/infra"

	"github.com/shopspring/decimal"
)

// fakeFetcher is a scriptable upstream client
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	seen  [][]string
	fail  error
	delay time.Duration
}

func (f *fakeFetcher) FetchQuotes(ctx context.Context, ids []string, mode string) (map[string]domain.Quote, error) {
	f.mu.Lock()
	f.calls++
	cp := make([]string, len(ids))
	copy(cp, ids)
	f.seen = append(f.seen, cp)
	fail := f.fail
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail != nil {
		return nil, fail
	}

	quotes := make(map[string]domain.Quote, len(ids))
	for _, id := range ids {
		quotes[id] = domain.Quote{
			InstrumentID: id,
			Last:         decimal.NewFromInt(int64(len(id))),
			Mode:         mode,
			Timestamp:    time.Now().UnixMilli(),
		}
	}
	return quotes, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func newTestCoalescer(t *testing.T, mutate func(*infra.TuningValues)) (*Coalescer, *fakeFetcher) {
	t.Helper()
	v := infra.DefaultTuningValues()
	v.BatchWindowMS = 40
	v.MaxBatchSize = 50
	v.RequestTimeoutMS = 1000
	v.CacheTTLMS = 200
	v.BreakerFailureThreshold = 3
	v.BreakerCooldownMS = 150
	v.MaxRequestsPerMinute = 6000
	v.MinDispatchIntervalMS = 0
	if mutate != nil {
		mutate(&v)
	}
	tuning := infra.NewTuning(v)

	fetcher := &fakeFetcher{}
	queue := dispatch.New(tuning, nil)
	breaker := infra.NewCircuitBreaker("test", tuning)
	return New(fetcher, queue, breaker, tuning, nil), fetcher
}

func TestCoalescer_EmptyInput(t *testing.T) {
	c, fetcher := newTestCoalescer(t, nil)

	got, err := c.RequestQuotes(context.Background(), nil, domain.ModeLTP)
	if err != nil {
		t.Fatalf("empty input must not error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}

	got, err = c.RequestQuotes(context.Background(), []string{"", "  "}, domain.ModeLTP)
	if err != nil || len(got) != 0 {
		t.Errorf("blank ids resolve to empty map, got %v/%v", got, err)
	}

	if fetcher.callCount() != 0 {
		t.Error("no upstream call expected for empty input")
	}
}

func TestCoalescer_ConcurrentCallersShareOneFetch(t *testing.T) {
	c, fetcher := newTestCoalescer(t, nil)

	requests := [][]string{
		{"A", "B"},
		{"B", "C"},
		{"C", "D"},
	}

	var wg sync.WaitGroup
	results := make([]map[string]domain.Quote, len(requests))
	errs := make([]error, len(requests))

	for i, ids := range requests {
		wg.Add(1)
		go func(i int, ids []string) {
			defer wg.Done()
			results[i], errs[i] = c.RequestQuotes(context.Background(), ids, domain.ModeLTP)
		}(i, ids)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}

	if n := fetcher.callCount(); n != 1 {
		t.Fatalf("expected exactly 1 upstream fetch, got %d", n)
	}
	fetcher.mu.Lock()
	fetched := fetcher.seen[0]
	fetcher.mu.Unlock()
	if len(fetched) != 4 {
		t.Errorf("expected deduplicated fetch of 4 ids, got %v", fetched)
	}

	// Each caller gets exactly its own subset
	for i, ids := range requests {
		if len(results[i]) != len(ids) {
			t.Errorf("caller %d: expected %d quotes, got %d", i, len(ids), len(results[i]))
		}
		for _, id := range ids {
			if _, ok := results[i][id]; !ok {
				t.Errorf("caller %d: missing quote for %s", i, id)
			}
		}
	}
}

func TestCoalescer_CapTriggersImmediateFlush(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 5000 // Window far in the future
		v.MaxBatchSize = 3
	})

	started := time.Now()
	got, err := c.RequestQuotes(context.Background(), []string{"A", "B", "C"}, domain.ModeLTP)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("cap flush should beat the window timer, took %v", elapsed)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 quotes, got %d", len(got))
	}
	if fetcher.callCount() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.callCount())
	}
}

func TestCoalescer_SeparateModesSeparateBatches(t *testing.T) {
	c, fetcher := newTestCoalescer(t, nil)

	var wg sync.WaitGroup
	for _, mode := range []string{domain.ModeLTP, domain.ModeFull} {
		wg.Add(1)
		go func(mode string) {
			defer wg.Done()
			if _, err := c.RequestQuotes(context.Background(), []string{"A"}, mode); err != nil {
				t.Errorf("mode %s failed: %v", mode, err)
			}
		}(mode)
	}
	wg.Wait()

	if n := fetcher.callCount(); n != 2 {
		t.Errorf("expected one fetch per mode, got %d", n)
	}
}

func TestCoalescer_CallerTimeoutIsLocal(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 400
	})

	var wg sync.WaitGroup
	var timedOutErr, servedErr error
	var served map[string]domain.Quote

	wg.Add(2)
	go func() {
		defer wg.Done()
		// Floored to 200ms: fires before the 400ms window
		_, timedOutErr = c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP, WithTimeout(time.Millisecond))
	}()
	go func() {
		defer wg.Done()
		served, servedErr = c.RequestQuotes(context.Background(), []string{"A", "B"}, domain.ModeLTP)
	}()
	wg.Wait()

	if !errors.Is(timedOutErr, domain.ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", timedOutErr)
	}
	if servedErr != nil {
		t.Fatalf("sibling caller must still be served: %v", servedErr)
	}
	if len(served) != 2 {
		t.Errorf("sibling caller expected 2 quotes, got %d", len(served))
	}
	if fetcher.callCount() != 1 {
		t.Errorf("expected 1 fetch, got %d", fetcher.callCount())
	}
}

func TestCoalescer_AllCallersTimedOutSkipsUpstream(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 350
	})

	_, err := c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP, WithTimeout(time.Millisecond))
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}

	// Give the window timer time to fire with no live callers left
	time.Sleep(450 * time.Millisecond)
	if fetcher.callCount() != 0 {
		t.Errorf("flush with only settled callers must skip upstream, got %d calls", fetcher.callCount())
	}
}

func TestCoalescer_CircuitBreaker(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 10
		v.BreakerFailureThreshold = 2
		v.BreakerCooldownMS = 200
		v.CacheTTLMS = 1 // Keep the cache out of the way
	})

	boom := &domain.UpstreamError{Op: "fetch_quotes", StatusCode: 503}
	fetcher.setFail(boom)

	// Two consecutive failures open the circuit
	for i := 0; i < 2; i++ {
		if _, err := c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP); !errors.Is(err, boom) {
			t.Fatalf("round %d: expected upstream failure, got %v", i, err)
		}
	}

	calls := fetcher.callCount()
	_, err := c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP)
	if !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected fast-fail while open, got %v", err)
	}
	if fetcher.callCount() != calls {
		t.Error("open circuit must not touch upstream")
	}

	// After cooldown a successful call closes the circuit again
	fetcher.setFail(nil)
	time.Sleep(250 * time.Millisecond)

	got, err := c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP)
	if err != nil {
		t.Fatalf("post-cooldown request failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected quote after recovery, got %v", got)
	}
}

func TestCoalescer_MicroCacheHit(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 80
		v.CacheTTLMS = 1000
	})

	if _, err := c.RequestQuotes(context.Background(), []string{"A", "B"}, domain.ModeLTP); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if fetcher.callCount() != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.callCount())
	}

	// Identical id set within TTL: served from cache, still partitioned
	var wg sync.WaitGroup
	var aOnly, both map[string]domain.Quote
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		aOnly, err1 = c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP)
	}()
	go func() {
		defer wg.Done()
		both, err2 = c.RequestQuotes(context.Background(), []string{"B", "A"}, domain.ModeLTP)
	}()
	wg.Wait()

	if err1 != nil || err2 != nil {
		t.Fatalf("cached requests failed: %v / %v", err1, err2)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("cache hit must produce zero upstream calls, got %d", fetcher.callCount())
	}
	if len(aOnly) != 1 || len(both) != 2 {
		t.Errorf("cache hit must still partition per caller: %d/%d", len(aOnly), len(both))
	}

	// A different id set is a cache miss
	if _, err := c.RequestQuotes(context.Background(), []string{"A", "C"}, domain.ModeLTP); err != nil {
		t.Fatalf("miss request failed: %v", err)
	}
	if fetcher.callCount() != 2 {
		t.Errorf("expected miss to fetch, got %d calls", fetcher.callCount())
	}
}

func TestCoalescer_DuplicateIDsNormalized(t *testing.T) {
	c, fetcher := newTestCoalescer(t, nil)

	got, err := c.RequestQuotes(context.Background(), []string{"A", "A", " A ", "B"}, domain.ModeLTP)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 quotes, got %d", len(got))
	}

	fetcher.mu.Lock()
	fetched := fetcher.seen[0]
	fetcher.mu.Unlock()
	if len(fetched) != 2 {
		t.Errorf("duplicates must not reach upstream: %v", fetched)
	}
}

func TestCoalescer_ManualFlush(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 5000
	})

	var got map[string]domain.Quote
	var err error
	done := make(chan struct{})
	go func() {
		got, err = c.RequestQuotes(context.Background(), []string{"A"}, domain.ModeLTP)
		close(done)
	}()

	// Let the request register, then force the flush
	time.Sleep(30 * time.Millisecond)
	c.Flush(domain.ModeLTP)
	<-done

	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if len(got) != 1 || fetcher.callCount() != 1 {
		t.Errorf("manual flush should serve the pending caller: %v calls=%d", got, fetcher.callCount())
	}
}

func TestCoalescer_FlushRacingNewCallers(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 5
		v.CacheTTLMS = 1
	})

	stop := make(chan struct{})
	var flushers sync.WaitGroup
	flushers.Add(1)
	go func() {
		defer flushers.Done()
		for {
			select {
			case <-stop:
				return
			default:
				c.Flush(domain.ModeLTP)
			}
		}
	}()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.RequestQuotes(context.Background(), []string{"A", "B"}, domain.ModeLTP)
			if err != nil || len(got) != 2 {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	flushers.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d callers failed under concurrent flushes", failures.Load())
	}
	if fetcher.callCount() == 0 {
		t.Error("expected at least one upstream fetch")
	}
}

func TestCoalescer_ManyCallersStress(t *testing.T) {
	c, fetcher := newTestCoalescer(t, func(v *infra.TuningValues) {
		v.BatchWindowMS = 60
		v.CacheTTLMS = 1
	})

	ids := []string{"A", "B", "C", "D", "E", "F"}
	var wg sync.WaitGroup
	var failures atomic.Int32

	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := []string{ids[i%len(ids)], ids[(i+1)%len(ids)]}
			got, err := c.RequestQuotes(context.Background(), want, domain.ModeLTP)
			if err != nil || len(got) != 2 {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if failures.Load() != 0 {
		t.Errorf("%d callers failed", failures.Load())
	}
	// All callers land in one or two windows; far fewer fetches than callers
	if n := fetcher.callCount(); n == 0 || n > 4 {
		t.Errorf("expected 1-4 coalesced fetches for 40 callers, got %d", n)
	}
}
