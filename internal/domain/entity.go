package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a user's trading account
type Account struct {
	ID        string          `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"index" json:"user_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `gorm:"type:numeric" json:"balance"`
	Margin    decimal.Decimal `gorm:"type:numeric" json:"margin"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Position represents an open or closed holding on an instrument
type Position struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	AccountID    string          `gorm:"index" json:"account_id"`
	InstrumentID string          `gorm:"index" json:"instrument_id"`
	Qty          decimal.Decimal `gorm:"type:numeric" json:"qty"` // Zero once closed
	AvgPrice     decimal.Decimal `gorm:"type:numeric" json:"avg_price"`
	RealizedPnL  decimal.Decimal `gorm:"type:numeric" json:"realized_pnl"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// IsClosed reports whether the position has been fully exited
func (p *Position) IsClosed() bool {
	return p.Qty.IsZero()
}

// Watchlist is a user-owned named collection of instruments
type Watchlist struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	UserID    string    `gorm:"index" json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WatchlistItem is a single instrument entry inside a watchlist
type WatchlistItem struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	WatchlistID  string    `gorm:"index" json:"watchlist_id"`
	InstrumentID string    `json:"instrument_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
