// Package notify turns persistence-layer writes into the domain events
// live sessions should see. It is a best-effort side-effect observer:
// its own failures are logged and swallowed, never surfaced to the write
// path that triggered them.
package notify

import (
	"log/slog"
	"sync"

	"trade_go/internal/domain"
	"trade_go/internal/infra/storage"
)

// Emitter is the narrow broadcaster capability the translator needs
type Emitter interface {
	Emit(userID string, eventType domain.EventType, payload any)
}

// Translator observes record writes, resolves the owning user, and
// emits the matching domain event. Owner resolutions for indirect
// records (order -> account, watchlist item -> watchlist) are memoized
// in-process; the cache is a pure optimization and a miss always falls
// through to a fresh lookup.
type Translator struct {
	owners  domain.OwnerLookup
	emitter Emitter

	mu         sync.Mutex
	ownerCache map[string]string // accountID/watchlistID -> userID
}

// New creates a translator over the given lookup and emitter
func New(owners domain.OwnerLookup, emitter Emitter) *Translator {
	return &Translator{
		owners:     owners,
		emitter:    emitter,
		ownerCache: make(map[string]string),
	}
}

// RecordCreated implements storage.Observer
func (t *Translator) RecordCreated(kind string, record any) {
	switch r := record.(type) {
	case *domain.Order:
		t.emitTo(t.accountOwner(r.AccountID), domain.EventOrderPlaced, orderPayload(r))
	case *domain.Position:
		t.emitTo(t.accountOwner(r.AccountID), domain.EventPositionOpened, positionPayload(r))
	case *domain.WatchlistItem:
		t.emitTo(t.watchlistOwner(r.WatchlistID), domain.EventWatchlistItemAdded, itemPayload(r))
	}
}

// RecordUpdated implements storage.Observer
func (t *Translator) RecordUpdated(kind string, before, after any) {
	switch prev := before.(type) {
	case *domain.Order:
		next, ok := after.(*domain.Order)
		if !ok || prev.Status == next.Status {
			return
		}
		switch next.Status {
		case domain.OrderStatusExecuted:
			t.emitTo(t.accountOwner(next.AccountID), domain.EventOrderExecuted, orderPayload(next))
		case domain.OrderStatusCancelled:
			t.emitTo(t.accountOwner(next.AccountID), domain.EventOrderCancelled, orderPayload(next))
		}

	case *domain.Position:
		next, ok := after.(*domain.Position)
		if !ok {
			return
		}
		if next.IsClosed() {
			t.emitTo(t.accountOwner(next.AccountID), domain.EventPositionClosed, positionPayload(next))
		} else {
			t.emitTo(t.accountOwner(next.AccountID), domain.EventPositionUpdated, positionPayload(next))
		}

	case *domain.Account:
		next, ok := after.(*domain.Account)
		if !ok {
			return
		}
		// Only money movement is interesting to the session
		if prev.Balance.Equal(next.Balance) && prev.Margin.Equal(next.Margin) {
			return
		}
		t.emitTo(next.UserID, domain.EventBalanceUpdated, map[string]any{
			"account_id": next.ID,
			"balance":    next.Balance,
			"margin":     next.Margin,
			"currency":   next.Currency,
		})
	}
}

// RecordDeleted implements storage.Observer
func (t *Translator) RecordDeleted(kind string, record any) {
	if item, ok := record.(*domain.WatchlistItem); ok {
		t.emitTo(t.watchlistOwner(item.WatchlistID), domain.EventWatchlistItemRemoved, itemPayload(item))
	}
}

// emitTo delivers the event, silently dropping it when the owner could
// not be resolved.
func (t *Translator) emitTo(userID string, eventType domain.EventType, payload any) {
	if userID == "" {
		slog.Warn("dropping event, owner unresolved", slog.String("type", string(eventType)))
		return
	}
	t.emitter.Emit(userID, eventType, payload)
}

func (t *Translator) accountOwner(accountID string) string {
	return t.resolve(accountID, t.owners.AccountOwner)
}

func (t *Translator) watchlistOwner(watchlistID string) string {
	if watchlistID == "" {
		return ""
	}
	return t.resolve("wl:"+watchlistID, func(string) (string, error) {
		return t.owners.WatchlistOwner(watchlistID)
	})
}

func (t *Translator) resolve(key string, lookup func(string) (string, error)) string {
	if key == "" {
		return ""
	}

	t.mu.Lock()
	cached, ok := t.ownerCache[key]
	t.mu.Unlock()
	if ok {
		return cached
	}

	userID, err := lookup(key)
	if err != nil {
		slog.Warn("owner lookup failed", slog.String("key", key), slog.Any("error", err))
		return ""
	}

	t.mu.Lock()
	t.ownerCache[key] = userID
	t.mu.Unlock()
	return userID
}

func orderPayload(o *domain.Order) map[string]any {
	return map[string]any{
		"order_id":      o.ID,
		"account_id":    o.AccountID,
		"instrument_id": o.InstrumentID,
		"side":          o.Side,
		"type":          o.Type,
		"qty":           o.Qty,
		"price":         o.Price,
		"fill_price":    o.FillPrice,
		"status":        o.Status,
	}
}

func positionPayload(p *domain.Position) map[string]any {
	return map[string]any{
		"position_id":   p.ID,
		"account_id":    p.AccountID,
		"instrument_id": p.InstrumentID,
		"qty":           p.Qty,
		"avg_price":     p.AvgPrice,
		"realized_pnl":  p.RealizedPnL,
	}
}

func itemPayload(i *domain.WatchlistItem) map[string]any {
	return map[string]any{
		"item_id":       i.ID,
		"watchlist_id":  i.WatchlistID,
		"instrument_id": i.InstrumentID,
	}
}

// compile-time check: Translator satisfies the storage observer contract
var _ storage.Observer = (*Translator)(nil)
