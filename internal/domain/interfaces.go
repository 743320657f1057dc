package domain

import "context"

// QuoteFetcher is the narrow upstream capability the quote path depends on.
// Implementations are assumed to be network calls with their own latency
// and authentication.
type QuoteFetcher interface {
	FetchQuotes(ctx context.Context, instrumentIDs []string, mode string) (map[string]Quote, error)
}

// OrderSubmitter submits an order to the upstream broker
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order *Order) error
}

// OwnerLookup resolves which user owns an intermediate record. Used by
// the notification path to route events; lookups go to the persistence
// store.
type OwnerLookup interface {
	AccountOwner(accountID string) (string, error)
	WatchlistOwner(watchlistID string) (string, error)
}

// StreamWorker defines the interface for upstream streaming connectors
type StreamWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}
