package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order represents a trading order placed through the platform
type Order struct {
	ID           string          `gorm:"primaryKey" json:"id"`
	AccountID    string          `gorm:"index" json:"account_id"`
	InstrumentID string          `gorm:"index" json:"instrument_id"`
	Side         string          `json:"side"` // "BUY", "SELL"
	Type         string          `json:"type"` // "LIMIT", "MARKET"
	Qty          decimal.Decimal `gorm:"type:numeric" json:"qty"`
	Price        decimal.Decimal `gorm:"type:numeric" json:"price"`      // Limit price. Zero for market orders.
	FillPrice    decimal.Decimal `gorm:"type:numeric" json:"fill_price"` // Set on execution
	Status       string          `gorm:"index" json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeLimit  = "LIMIT"
	OrderTypeMarket = "MARKET"

	OrderStatusPending   = "PENDING"
	OrderStatusExecuted  = "EXECUTED"
	OrderStatusCancelled = "CANCELLED"
)

// IsOpen checks if the order is still active
func (o *Order) IsOpen() bool {
	return o.Status == OrderStatusPending
}
