// Package service holds the read-side application services that sit
// between transports and the quote pipeline.
package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"trade_go/internal/domain"
	"trade_go/internal/quote"
)

// QuoteService serves quote reads. Fresh data comes from the coalescer;
// every fresh quote (batched fetch or stream tick) also lands in a
// last-known snapshot so a failed upstream call can degrade to stale
// data instead of an error.
type QuoteService struct {
	coalescer *quote.Coalescer

	mu    sync.RWMutex
	known map[string]domain.Quote // instrumentID -> freshest quote seen
}

// NewQuoteService creates a quote service over the given coalescer
func NewQuoteService(coalescer *quote.Coalescer) *QuoteService {
	return &QuoteService{
		coalescer: coalescer,
		known:     make(map[string]domain.Quote),
	}
}

// GetQuotes returns quotes for the requested instruments. On upstream
// failure it falls back to the last known quotes; the returned stale
// flag is true when any fallback data is in the result. Instruments
// never seen are absent from the map either way.
func (s *QuoteService) GetQuotes(ctx context.Context, instrumentIDs []string, mode string, opts ...quote.RequestOption) (map[string]domain.Quote, bool, error) {
	quotes, err := s.coalescer.RequestQuotes(ctx, instrumentIDs, mode, opts...)
	if err == nil {
		s.remember(quotes)
		return quotes, false, nil
	}

	fallback := s.lastKnown(instrumentIDs)
	if len(fallback) == 0 {
		return nil, false, err
	}

	slog.Warn("Serving stale quotes after upstream failure",
		slog.Int("count", len(fallback)),
		slog.Any("error", err),
	)
	return fallback, true, nil
}

// ProcessTick records a single streamed quote into the snapshot,
// keeping the newest data per instrument.
func (s *QuoteService) ProcessTick(q domain.Quote) {
	if q.InstrumentID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.known[q.InstrumentID]; ok && prev.Timestamp > q.Timestamp {
		return
	}
	s.known[q.InstrumentID] = q
}

// StartTickProcessor consumes streamed quotes from the channel until
// the context is cancelled.
func (s *QuoteService) StartTickProcessor(ctx context.Context, ticks <-chan domain.Quote) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case q := <-ticks:
				s.ProcessTick(q)
			}
		}
	}()
}

// GetKnown returns the last known quote for a single instrument
func (s *QuoteService) GetKnown(instrumentID string) (domain.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.known[instrumentID]
	return q, ok
}

// ListKnown returns every tracked quote sorted by instrument ID
func (s *QuoteService) ListKnown() []domain.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Quote, 0, len(s.known))
	for _, q := range s.known {
		result = append(result, q)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].InstrumentID < result[j].InstrumentID
	})
	return result
}

func (s *QuoteService) remember(quotes map[string]domain.Quote) {
	if len(quotes) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, q := range quotes {
		if prev, ok := s.known[id]; ok && prev.Timestamp > q.Timestamp {
			continue
		}
		s.known[id] = q
	}
}

func (s *QuoteService) lastKnown(instrumentIDs []string) map[string]domain.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Quote, len(instrumentIDs))
	for _, id := range instrumentIDs {
		if q, ok := s.known[id]; ok {
			result[id] = q
		}
	}
	return result
}
