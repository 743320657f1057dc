package domain

import "time"

// EventType discriminates the domain events pushed to live sessions
type EventType string

const (
	EventConnected EventType = "connected"

	EventOrderPlaced    EventType = "order_placed"
	EventOrderExecuted  EventType = "order_executed"
	EventOrderCancelled EventType = "order_cancelled"

	EventPositionOpened  EventType = "position_opened"
	EventPositionUpdated EventType = "position_updated"
	EventPositionClosed  EventType = "position_closed"

	EventBalanceUpdated EventType = "balance_updated"

	EventWatchlistItemAdded   EventType = "watchlist_item_added"
	EventWatchlistItemRemoved EventType = "watchlist_item_removed"
)

// DomainEvent is a server-generated state change destined for a user's
// live connections. Events are transient: serialized, pushed, and
// discarded, never persisted.
type DomainEvent struct {
	Type      EventType `json:"eventType"`
	Payload   any       `json:"payload"`
	Timestamp int64     `json:"timestamp"` // Unix milliseconds at emission
}

// NewEvent constructs a DomainEvent stamped with the current time
func NewEvent(eventType EventType, payload any) DomainEvent {
	return DomainEvent{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
