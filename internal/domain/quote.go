package domain

import "github.com/shopspring/decimal"

// Quote modes supported by the upstream broker API. Batching is
// independent per mode.
const (
	ModeLTP  = "ltp"  // last traded price only
	ModeFull = "full" // full depth snapshot
)

// Quote represents a single instrument's price snapshot from the upstream feed
type Quote struct {
	InstrumentID string          `json:"instrument_id"`
	Last         decimal.Decimal `json:"last"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Volume       decimal.Decimal `json:"volume"`
	ChangeRate   decimal.Decimal `json:"change_rate"`
	Mode         string          `json:"mode"`
	Timestamp    int64           `json:"timestamp"` // Unix milliseconds from upstream
}

// Mid returns the bid/ask midpoint, or the last price when depth is missing
func (q *Quote) Mid() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return q.Last
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// IsStale reports whether the quote is older than maxAgeMS relative to nowMS
func (q *Quote) IsStale(nowMS, maxAgeMS int64) bool {
	if q.Timestamp == 0 {
		return true
	}
	return nowMS-q.Timestamp > maxAgeMS
}
